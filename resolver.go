package edgar

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
)

const (
	identifierKeyPrefix = "id:"
	bulkMapKey          = "tickers:bulk"
)

// cikParamPattern matches the 10-digit CIK carried in EDGAR browse links.
var cikParamPattern = regexp.MustCompile(`CIK=(\d{10})`)

// notFound is cached for tickers that no lookup could resolve.
type notFound struct{}

// IdentifierLookup is one strategy for turning a ticker into a CIK.
// Lookup returns ErrNotFound when the strategy has no answer.
type IdentifierLookup interface {
	Name() string
	Lookup(ctx context.Context, ticker string) (string, error)
}

// Resolver maps tickers to zero-padded CIKs, trying each lookup in order and
// caching both hits and misses.
type Resolver struct {
	cache   *TTLCache
	lookups []IdentifierLookup
	log     zerolog.Logger
}

// NewResolver creates a resolver that consults lookups in order.
func NewResolver(cache *TTLCache, log zerolog.Logger, lookups ...IdentifierLookup) *Resolver {
	return &Resolver{
		cache:   cache,
		lookups: lookups,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

// NormalizeTicker trims and upper-cases a ticker symbol.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Resolve returns the 10-digit CIK for ticker. An unknown ticker yields
// ErrNotFound, which is an ordinary negative answer. Lookup failures are logged
// and the next strategy is tried.
func (r *Resolver) Resolve(ctx context.Context, ticker string) (string, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return "", fmt.Errorf("empty ticker: %w", ErrNotFound)
	}

	key := identifierKeyPrefix + ticker
	if v, ok := r.cache.Get(key); ok {
		if cik, isCIK := v.(string); isCIK {
			return cik, nil
		}
		return "", fmt.Errorf("ticker %s: %w", ticker, ErrNotFound)
	}

	for _, l := range r.lookups {
		cik, err := l.Lookup(ctx, ticker)
		if err == nil && cik != "" {
			cik = PadCIK(cik)
			r.cache.Set(key, cik)
			r.log.Debug().Str("ticker", ticker).Str("cik", cik).Str("lookup", l.Name()).Msg("resolved ticker")
			return cik, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			r.log.Warn().Err(err).Str("ticker", ticker).Str("lookup", l.Name()).Msg("CIK lookup failed, treating as not found")
		}
	}

	// Misses are remembered for the TTL, outages included. A cancelled caller
	// has no outcome to remember.
	if ctx.Err() == nil {
		r.cache.Set(key, notFound{})
	}
	r.log.Info().Str("ticker", ticker).Msg("CIK not found")
	return "", fmt.Errorf("ticker %s: %w", ticker, ErrNotFound)
}

// BulkLookup resolves tickers from SEC's ticker.txt mapping file.
type BulkLookup struct {
	transport *Transport
	cache     *TTLCache
	url       string
	log       zerolog.Logger
}

// NewBulkLookup creates a lookup over the ticker file at url. The parsed map is
// cached so a batch of tickers costs one download per TTL window.
func NewBulkLookup(t *Transport, cache *TTLCache, url string, log zerolog.Logger) *BulkLookup {
	return &BulkLookup{
		transport: t,
		cache:     cache,
		url:       url,
		log:       log.With().Str("lookup", "bulk").Logger(),
	}
}

func (b *BulkLookup) Name() string { return "bulk" }

func (b *BulkLookup) Lookup(ctx context.Context, ticker string) (string, error) {
	mapping, err := b.mapping(ctx)
	if err != nil {
		return "", err
	}
	if cik, ok := mapping[strings.ToLower(ticker)]; ok {
		return cik, nil
	}
	return "", ErrNotFound
}

func (b *BulkLookup) mapping(ctx context.Context) (map[string]string, error) {
	if v, ok := b.cache.Get(bulkMapKey); ok {
		if m, ok := v.(map[string]string); ok {
			return m, nil
		}
	}

	body, err := fetchBody(ctx, b.transport, b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker file: %w", err)
	}

	m, err := ParseTickerFile(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	b.log.Debug().Int("tickers", len(m)).Msg("loaded ticker file")
	b.cache.Set(bulkMapKey, m)
	return m, nil
}

// ParseTickerFile parses "<ticker><whitespace><cik>" lines into a map keyed by
// lower-case ticker, with CIKs zero-padded to 10 digits. Malformed lines are skipped.
func ParseTickerFile(r io.Reader) (map[string]string, error) {
	m := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		m[strings.ToLower(fields[0])] = PadCIK(fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ticker file: %w", err)
	}
	return m, nil
}

// SearchLookup resolves a ticker by scraping the EDGAR company search page.
// It is the fragile path and can be left out of a Resolver entirely.
type SearchLookup struct {
	transport *Transport
	baseURL   string
	log       zerolog.Logger
}

// NewSearchLookup creates a lookup against the browse-edgar endpoint at baseURL.
func NewSearchLookup(t *Transport, baseURL string, log zerolog.Logger) *SearchLookup {
	return &SearchLookup{
		transport: t,
		baseURL:   baseURL,
		log:       log.With().Str("lookup", "search").Logger(),
	}
}

func (s *SearchLookup) Name() string { return "search" }

func (s *SearchLookup) Lookup(ctx context.Context, ticker string) (string, error) {
	q := url.Values{}
	q.Set("action", "getcompany")
	q.Set("CIK", ticker)
	q.Set("owner", "exclude")
	q.Set("count", "10")

	body, err := fetchBody(ctx, s.transport, s.baseURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("company search: %w", err)
	}

	if cik := ExtractCIKFromHTML(body); cik != "" {
		return cik, nil
	}
	return "", ErrNotFound
}

// ExtractCIKFromHTML pulls a 10-digit CIK out of an EDGAR search results page.
// Link targets are checked first, then the raw body.
func ExtractCIKFromHTML(data []byte) string {
	if doc, err := html.Parse(bytes.NewReader(data)); err == nil {
		for _, href := range findAllHrefs(doc) {
			if m := cikParamPattern.FindStringSubmatch(href); m != nil {
				return m[1]
			}
		}
	}
	if m := cikParamPattern.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

// findAllHrefs returns the href of every anchor in document order
func findAllHrefs(n *html.Node) []string {
	var hrefs []string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return hrefs
}
