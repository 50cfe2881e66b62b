package edgar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func mustDate(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

func fptr(f float64) *float64 { return &f }

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// testObs builds an observation the way Extract would. An empty start makes it
// an instant; filed defaults to 30 days after end.
func testObs(t testing.TB, start, end string, v float64) Observation {
	t.Helper()
	o := Observation{
		End:         mustDate(t, end),
		Value:       fptr(v),
		Unit:        "USD",
		AccessionID: "0000000000-00-" + end,
		Form:        "10-K",
	}
	if start != "" {
		s := mustDate(t, start)
		o.Start = &s
	}
	o.Filed = o.End.AddDate(0, 0, 30)
	o.PeriodType = ClassifyPeriod(o.Start, o.End)
	return o
}

// requestLog counts requests per path on a fake SEC server.
type requestLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *requestLog) add(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	l.counts[path]++
}

func (l *requestLog) count(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[path]
}

func (l *requestLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.counts {
		n += c
	}
	return n
}

// newFakeSEC starts a server that records every request before handing it to h.
func newFakeSEC(t *testing.T, h http.HandlerFunc) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r.URL.Path)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

// newTestClient points a Client at srv with no rate limit and millisecond backoff.
func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	base := []Option{
		WithUserAgent("edgar-facts-test tests@rxdatalab.org"),
		WithRateLimit(0),
		WithRetry(DefaultMaxAttempts, time.Millisecond),
		WithEndpoints(srv.URL+"/include/ticker.txt", srv.URL+"/cgi-bin/browse-edgar", srv.URL+"/api/xbrl/companyfacts/CIK%s.json"),
	}
	return NewClient(append(base, opts...)...)
}

// fakePrices is an in-memory PriceProvider.
type fakePrices struct {
	latest    float64
	latestErr error
	closes    map[string]float64
	histErr   error
	from, to  time.Time
}

func (f *fakePrices) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return f.latest, f.latestErr
}

func (f *fakePrices) History(ctx context.Context, symbol string, from, to time.Time) (*PriceSeries, error) {
	f.from, f.to = from, to
	if f.histErr != nil {
		return nil, f.histErr
	}
	var points []PricePoint
	for d, c := range f.closes {
		date, err := time.Parse(DateLayout, d)
		if err != nil {
			return nil, err
		}
		points = append(points, PricePoint{Date: date, Close: c})
	}
	return NewPriceSeries(points), nil
}

// fakeSharesPrices adds live share counts and forward EPS.
type fakeSharesPrices struct {
	fakePrices
	shares     float64
	sharesErr  error
	forwardEPS float64
}

func (f *fakeSharesPrices) SharesOutstanding(ctx context.Context, symbol string) (float64, error) {
	return f.shares, f.sharesErr
}

func (f *fakeSharesPrices) ForwardEPS(ctx context.Context, symbol string) (float64, error) {
	return f.forwardEPS, nil
}
