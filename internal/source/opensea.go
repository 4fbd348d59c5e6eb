package source

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/floorwatch/internal/persistence"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	defaultAPIBaseURL = "https://api.opensea.io"
	maxBodyBytes      = 4 << 20
	weiDecimals       = 18
)

// openseaTime is the layout of created_date: UTC without a zone suffix.
const openseaTime = "2006-01-02T15:04:05.999999"

// APIClient talks to the OpenSea v1 REST API.
// Stats:  GET /api/v1/collection/{slug}/stats
// Events: GET /api/v1/events?collection_slug=&event_type=&occurred_after=
type APIClient struct {
	baseURL      string
	apiKey       string
	userAgent    string
	client       *http.Client
	statsSchema  *jsonschema.Schema
	eventsSchema *jsonschema.Schema
}

type statsResp struct {
	Stats struct {
		FloorPrice  float64  `json:"floor_price"`
		NumOwners   *float64 `json:"num_owners"`
		TotalSupply *float64 `json:"total_supply"`
		Count       *float64 `json:"count"`
		TotalVolume *float64 `json:"total_volume"`
	} `json:"stats"`
}

type eventsResp struct {
	AssetEvents []struct {
		ID            json.Number `json:"id"`
		EventType     string      `json:"event_type"`
		CreatedDate   string      `json:"created_date"`
		TotalPrice    *string     `json:"total_price"`
		StartingPrice *string     `json:"starting_price"`
		Asset         *struct {
			Name      *string `json:"name"`
			Permalink *string `json:"permalink"`
		} `json:"asset"`
		PaymentToken *struct {
			Symbol   string `json:"symbol"`
			Decimals int    `json:"decimals"`
		} `json:"payment_token"`
		Seller *struct {
			Address string `json:"address"`
		} `json:"seller"`
		WinnerAccount *struct {
			Address string `json:"address"`
		} `json:"winner_account"`
	} `json:"asset_events"`
}

// NewAPIClient compiles the response schemas and builds the HTTP client.
func NewAPIClient(opts Options) (*APIClient, error) {
	base := opts.APIBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	statsSchema, err := compileSchema("schemas/stats.json")
	if err != nil {
		return nil, err
	}
	eventsSchema, err := compileSchema("schemas/events.json")
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL:      strings.TrimRight(base, "/"),
		apiKey:       strings.TrimSpace(opts.APIKey),
		userAgent:    opts.UserAgent,
		client:       newHTTPClient(timeout),
		statsSchema:  statsSchema,
		eventsSchema: eventsSchema,
	}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func (c *APIClient) Name() string { return "opensea-api" }

// FetchSnapshot returns the collection stats. A collection without a floor
// price maps to ErrNotFound.
func (c *APIClient) FetchSnapshot(ctx context.Context, key string) (Snapshot, error) {
	u := fmt.Sprintf("%s/api/v1/collection/%s/stats", c.baseURL, url.PathEscape(key))
	var data statsResp
	if err := c.getValidated(ctx, u, c.statsSchema, &data); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{FloorPrice: data.Stats.FloorPrice}
	if data.Stats.NumOwners != nil {
		snap.OwnerCount = int64(*data.Stats.NumOwners)
	}
	switch {
	case data.Stats.TotalSupply != nil:
		snap.ItemCount = int64(*data.Stats.TotalSupply)
	case data.Stats.Count != nil:
		snap.ItemCount = int64(*data.Stats.Count)
	}
	if data.Stats.TotalVolume != nil {
		snap.Volume = *data.Stats.TotalVolume
	}
	return snap, nil
}

// FetchEvents lists events of one type for a collection. since, when set, is
// sent as occurred_after; callers still filter by timestamp since the API
// works at second granularity.
func (c *APIClient) FetchEvents(ctx context.Context, key string, eventType persistence.EventType, since *time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("collection_slug", key)
	q.Set("event_type", apiEventType(eventType))
	if since != nil && !since.IsZero() {
		q.Set("occurred_after", strconv.FormatInt(since.Unix(), 10))
	}
	q.Set("only_opensea", "false")

	u := fmt.Sprintf("%s/api/v1/events?%s", c.baseURL, q.Encode())
	var data eventsResp
	if err := c.getValidated(ctx, u, c.eventsSchema, &data); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(data.AssetEvents))
	for _, ae := range data.AssetEvents {
		ts, err := time.ParseInLocation(openseaTime, strings.TrimSuffix(ae.CreatedDate, "Z"), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("opensea: event %s: bad created_date %q: %w", ae.ID, ae.CreatedDate, err)
		}
		ev := Event{
			ID:        ae.ID.String(),
			Type:      eventType,
			Timestamp: ts,
			Symbol:    "ETH",
		}
		decimals := weiDecimals
		if ae.PaymentToken != nil {
			if ae.PaymentToken.Symbol != "" {
				ev.Symbol = ae.PaymentToken.Symbol
			}
			if ae.PaymentToken.Decimals > 0 {
				decimals = ae.PaymentToken.Decimals
			}
		}
		price := ae.TotalPrice
		if eventType == persistence.EventCreated && ae.StartingPrice != nil {
			price = ae.StartingPrice
		}
		if price != nil {
			ev.Price = fromBaseUnits(*price, decimals)
		}
		if ae.Asset != nil {
			if ae.Asset.Name != nil {
				ev.AssetName = *ae.Asset.Name
			}
			if ae.Asset.Permalink != nil {
				ev.Permalink = *ae.Asset.Permalink
			}
		}
		if ae.Seller != nil {
			ev.Seller = ae.Seller.Address
		}
		if ae.WinnerAccount != nil {
			ev.Buyer = ae.WinnerAccount.Address
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *APIClient) getValidated(ctx context.Context, u string, schema *jsonschema.Schema, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus("opensea", resp.StatusCode); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("opensea: read body: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opensea: decode: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("opensea: unexpected response shape: %v: %w", err, ErrNotFound)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("opensea: decode: %w", err)
	}
	return nil
}

func apiEventType(t persistence.EventType) string {
	switch t {
	case persistence.EventSold:
		return "successful"
	default:
		return "created"
	}
}

// fromBaseUnits converts an integer amount string such as wei into whole
// token units.
func fromBaseUnits(raw string, decimals int) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v / math.Pow10(decimals)
}
