// Package source reaches the marketplace that floor prices and collection
// events come from.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/floorwatch/internal/persistence"
)

var (
	// ErrNotFound means the key has no resolvable state: an explicit 404 or
	// a response missing the fields we need.
	ErrNotFound = errors.New("source: not found")
	// ErrRateLimited means the upstream quota is exhausted for now.
	ErrRateLimited = errors.New("source: rate limited")
)

// Snapshot is the normalized value of one collection at fetch time.
type Snapshot struct {
	FloorPrice float64 `json:"floor_price"`
	OwnerCount int64   `json:"owner_count"`
	ItemCount  int64   `json:"item_count"`
	Volume     float64 `json:"volume"`
}

// Event is one listing or sale.
type Event struct {
	ID        string                `json:"id"`
	Type      persistence.EventType `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	AssetName string                `json:"asset_name"`
	Permalink string                `json:"permalink"`
	Price     float64               `json:"price"`
	Symbol    string                `json:"symbol"`
	Seller    string                `json:"seller,omitempty"`
	Buyer     string                `json:"buyer,omitempty"`
}

// ValueSource resolves a collection to its current snapshot.
type ValueSource interface {
	Name() string
	FetchSnapshot(ctx context.Context, key string) (Snapshot, error)
}

// Options configures the HTTP clients.
type Options struct {
	APIBaseURL     string
	WebBaseURL     string
	APIKey         string
	UserAgent      string
	Timeout        time.Duration
	ScrapeSelector string
}

// NewValueSource picks the transport used for floor prices.
func NewValueSource(transport string, api *APIClient, opts Options) (ValueSource, error) {
	switch strings.ToLower(transport) {
	case "", "api":
		return api, nil
	case "scrape":
		return NewScrapeClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown source transport: %s", transport)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// classifyStatus maps a non-2xx response onto the package errors.
func classifyStatus(name string, code int) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: http %d: %w", name, code, ErrNotFound)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%s: http %d: %w", name, code, ErrRateLimited)
	case code/100 != 2:
		return fmt.Errorf("%s: http %d", name, code)
	}
	return nil
}
