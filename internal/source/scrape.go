package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultWebBaseURL     = "https://opensea.io"
	defaultScrapeSelector = ".fqMVjm"
)

// ScrapeClient reads collection stats from the public collection page.
// The stat tiles appear in order: items, owners, floor price, volume.
type ScrapeClient struct {
	baseURL   string
	selector  string
	userAgent string
	client    *http.Client
}

func NewScrapeClient(opts Options) *ScrapeClient {
	base := opts.WebBaseURL
	if base == "" {
		base = defaultWebBaseURL
	}
	sel := opts.ScrapeSelector
	if sel == "" {
		sel = defaultScrapeSelector
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ScrapeClient{
		baseURL:   strings.TrimRight(base, "/"),
		selector:  sel,
		userAgent: opts.UserAgent,
		client:    newHTTPClient(timeout),
	}
}

func (c *ScrapeClient) Name() string { return "opensea-scrape" }

func (c *ScrapeClient) FetchSnapshot(ctx context.Context, key string) (Snapshot, error) {
	u := fmt.Sprintf("%s/collection/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "text/html")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if err := classifyStatus("opensea-web", resp.StatusCode); err != nil {
		return Snapshot{}, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("opensea-web: parse html: %w", err)
	}
	tiles := doc.Find(c.selector)
	if tiles.Length() < 4 {
		return Snapshot{}, fmt.Errorf("opensea-web: %d stat tiles for %s: %w", tiles.Length(), key, ErrNotFound)
	}

	var vals [4]float64
	for i := range vals {
		v, ok := parseStat(tiles.Eq(i).Text())
		if !ok {
			return Snapshot{}, fmt.Errorf("opensea-web: unreadable stat %q for %s: %w", tiles.Eq(i).Text(), key, ErrNotFound)
		}
		vals[i] = v
	}
	return Snapshot{
		ItemCount:  int64(vals[0]),
		OwnerCount: int64(vals[1]),
		FloorPrice: vals[2],
		Volume:     vals[3],
	}, nil
}

// statMagnitudes are the abbreviations the collection page uses for large
// numbers.
var statMagnitudes = map[rune]float64{'k': 1e3, 'm': 1e6, 'b': 1e9, 't': 1e12}

// parseStat reads a tile such as "9.9K", "< 0.01", "Ξ 0.05" or "1,234 ETH".
// The less-than prefix and any currency prefix are dropped and the bound
// itself is returned. A single letter after the number must be a known
// magnitude; a longer word is a unit label and is ignored.
func parseStat(text string) (float64, bool) {
	s := strings.ReplaceAll(text, ",", "")
	start := strings.IndexFunc(s, isNumberRune)
	if start < 0 {
		return 0, false
	}
	s = s[start:]
	end := strings.IndexFunc(s, func(r rune) bool { return !isNumberRune(r) })
	if end < 0 {
		end = len(s)
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}

	rest := []rune(strings.TrimSpace(s[end:]))
	word := 0
	for word < len(rest) && unicode.IsLetter(rest[word]) {
		word++
	}
	if word != 1 {
		return v, true
	}
	mult, ok := statMagnitudes[unicode.ToLower(rest[0])]
	if !ok {
		return 0, false
	}
	return v * mult, true
}

func isNumberRune(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.'
}
