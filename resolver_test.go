package edgar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tickerFile = "aapl\t320193\nmsft\t789019\nbrk-b\t1067983\nnot a valid line\n"

const searchPage = `<html><body>
<div class="companyInfo">
<span class="companyName">ACME HOLDINGS CORP <acronym title="Central Index Key">CIK</acronym>#:
<a href="/cgi-bin/browse-edgar?action=getcompany&amp;CIK=0001234567&amp;owner=exclude&amp;count=40">0001234567 (see all company filings)</a></span>
</div></body></html>`

func secHandler(tickers int, search string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/include/ticker.txt":
			if tickers != http.StatusOK {
				w.WriteHeader(tickers)
				return
			}
			io.WriteString(w, tickerFile)
		case "/cgi-bin/browse-edgar":
			if r.URL.Query().Get("CIK") == "ACME" {
				io.WriteString(w, search)
				return
			}
			io.WriteString(w, "<html><body>No matching Ticker Symbol.</body></html>")
		default:
			http.NotFound(w, r)
		}
	}
}

func TestResolveFromTickerFile(t *testing.T) {
	srv, log := newFakeSEC(t, secHandler(http.StatusOK, searchPage))
	c := newTestClient(srv)
	ctx := context.Background()

	cik, err := c.Resolver.Resolve(ctx, " aapl ")
	require.NoError(t, err)
	assert.Equal(t, "0000320193", cik)

	cik, err = c.Resolver.Resolve(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "0000789019", cik)

	assert.Equal(t, 1, log.count("/include/ticker.txt"), "ticker file is downloaded once per TTL")
	assert.Equal(t, 0, log.count("/cgi-bin/browse-edgar"))

	// A cached hit makes no requests at all.
	before := log.total()
	_, err = c.Resolver.Resolve(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, before, log.total())
}

func TestResolveFallsBackToSearch(t *testing.T) {
	srv, log := newFakeSEC(t, secHandler(http.StatusOK, searchPage))
	c := newTestClient(srv)

	cik, err := c.Resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "0001234567", cik)
	assert.Equal(t, 1, log.count("/cgi-bin/browse-edgar"))
}

func TestResolveNotFoundIsCached(t *testing.T) {
	srv, log := newFakeSEC(t, secHandler(http.StatusOK, searchPage))
	c := newTestClient(srv)
	ctx := context.Background()

	_, err := c.Resolver.Resolve(ctx, "ZZZZ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindNotFound, Classify(err))

	before := log.total()
	_, err = c.Resolver.Resolve(ctx, "zzzz")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, log.total(), "cached miss must not hit the network")
}

func TestResolveOutageIsCachedAsNotFound(t *testing.T) {
	srv, log := newFakeSEC(t, secHandler(http.StatusInternalServerError, searchPage))
	c := newTestClient(srv, WithoutSearchFallback())
	ctx := context.Background()

	_, err := c.Resolver.Resolve(ctx, "ZZZZ")
	assert.True(t, errors.Is(err, ErrNotFound), "lookup failures surface as not found")
	assert.Equal(t, DefaultMaxAttempts, log.count("/include/ticker.txt"))

	_, err = c.Resolver.Resolve(ctx, "ZZZZ")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, DefaultMaxAttempts, log.count("/include/ticker.txt"), "the miss is answered from the cache")

	// The failed download itself is not cached, so another ticker tries again.
	_, err = c.Resolver.Resolve(ctx, "AAPL")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 2*DefaultMaxAttempts, log.count("/include/ticker.txt"))
}

func TestResolveCancelledIsNotCached(t *testing.T) {
	lookup := &stubLookup{name: "stub", err: context.Canceled}
	r := NewResolver(NewTTLCache(time.Hour), nopLogger(), lookup)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, "AAPL")
	assert.True(t, errors.Is(err, ErrNotFound))

	lookup.err, lookup.cik = nil, "320193"
	cik, err := r.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "0000320193", cik)
}

func TestResolveEmptyTicker(t *testing.T) {
	srv, log := newFakeSEC(t, secHandler(http.StatusOK, searchPage))
	c := newTestClient(srv)

	_, err := c.Resolver.Resolve(context.Background(), "   ")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, log.total())
}

type stubLookup struct {
	name  string
	cik   string
	err   error
	calls int
}

func (s *stubLookup) Name() string { return s.name }

func (s *stubLookup) Lookup(ctx context.Context, ticker string) (string, error) {
	s.calls++
	return s.cik, s.err
}

func TestResolverLookupOrder(t *testing.T) {
	first := &stubLookup{name: "first", err: ErrNotFound}
	second := &stubLookup{name: "second", cik: "42"}
	third := &stubLookup{name: "third", cik: "99"}

	r := NewResolver(NewTTLCache(DefaultCacheTTL), nopLogger(), first, second, third)
	cik, err := r.Resolve(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, "0000000042", cik)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)
}

func TestResolverFailedLookupContinues(t *testing.T) {
	broken := &stubLookup{name: "broken", err: fmt.Errorf("boom")}
	empty := &stubLookup{name: "empty", err: ErrNotFound}
	cache := NewTTLCache(DefaultCacheTTL)

	r := NewResolver(cache, nopLogger(), broken, empty)
	_, err := r.Resolve(context.Background(), "X")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, empty.calls)
	assert.Equal(t, 1, cache.Len(), "the miss is cached even when a lookup failed")

	_, err = r.Resolve(context.Background(), "X")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, broken.calls)
}

func TestParseTickerFile(t *testing.T) {
	m, err := ParseTickerFile(strings.NewReader(tickerFile))
	require.NoError(t, err)

	want := map[string]string{
		"aapl":  "0000320193",
		"msft":  "0000789019",
		"brk-b": "0001067983",
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("ParseTickerFile mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractCIKFromHTML(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "browse link",
			html: `<a href="/cgi-bin/browse-edgar?CIK=0000320193&owner=exclude">Apple</a>`,
			want: "0000320193",
		},
		{
			name: "search results page",
			html: searchPage,
			want: "0001234567",
		},
		{
			name: "first link wins",
			html: `<a href="/x?CIK=0000000001">a</a><a href="/x?CIK=0000000002">b</a>`,
			want: "0000000001",
		},
		{
			name: "text only",
			html: `<p>see CIK=0000789019 for details</p>`,
			want: "0000789019",
		},
		{
			name: "short CIK ignored",
			html: `<a href="/x?CIK=320193">a</a>`,
			want: "",
		},
		{
			name: "no match",
			html: `<html><body>No matching Ticker Symbol.</body></html>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCIKFromHTML([]byte(tt.html)); got != tt.want {
				t.Errorf("ExtractCIKFromHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeTicker(t *testing.T) {
	assert.Equal(t, "BRK-B", NormalizeTicker("  brk-b\t"))
	assert.Equal(t, "", NormalizeTicker(" "))
}
