// Package yfinance implements edgar.PriceProvider on top of Yahoo Finance.
package yfinance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"

	edgar "github.com/RxDataLab/edgar-facts"
)

// ErrNoPrice is returned when Yahoo has no usable price for a symbol.
var ErrNoPrice = errors.New("no price available")

// snapshot is the subset of quote data the provider needs.
type snapshot struct {
	Price             float64
	SharesOutstanding float64
	ForwardEPS        float64
	MarketCap         float64
	ForwardPE         float64
}

// source is the Yahoo surface used by Provider; tests replace it.
type source interface {
	snapshot(symbol string) (snapshot, error)
	history(symbol, period string) ([]edgar.PricePoint, error)
}

// Provider serves prices, live share counts and forward EPS from Yahoo Finance.
type Provider struct {
	src source
	now func() time.Time
	log zerolog.Logger
}

var (
	_ edgar.PriceProvider      = (*Provider)(nil)
	_ edgar.SharesProvider     = (*Provider)(nil)
	_ edgar.ForwardEPSProvider = (*Provider)(nil)
)

// New creates a Provider backed by go-yfinance.
func New(log zerolog.Logger) *Provider {
	return &Provider{
		src: yahooSource{},
		now: time.Now,
		log: log.With().Str("client", "yahoo").Logger(),
	}
}

// LatestPrice returns the current price, falling back to the last daily close.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snap, err := p.src.snapshot(symbol)
	if err == nil && snap.Price > 0 {
		return snap.Price, nil
	}
	if err != nil {
		p.log.Debug().Err(err).Str("symbol", symbol).Msg("quote unavailable, using last close")
	}

	points, err := p.src.history(symbol, "5d")
	if err != nil {
		return 0, fmt.Errorf("failed to get latest price for %s: %w", symbol, err)
	}
	latest, ok := edgar.NewPriceSeries(points).Latest()
	if !ok || latest.Close <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	return latest.Close, nil
}

// History returns daily closes between from and to, inclusive.
func (p *Provider) History(ctx context.Context, symbol string, from, to time.Time) (*edgar.PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	period := periodFor(from, p.now())
	points, err := p.src.history(symbol, period)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical prices for %s: %w", symbol, err)
	}

	window := edgar.DateRange{From: from, To: to}
	kept := points[:0:0]
	for _, pt := range points {
		if window.Contains(pt.Date) {
			kept = append(kept, pt)
		}
	}
	p.log.Debug().Str("symbol", symbol).Str("period", period).Int("days", len(kept)).Msg("loaded price history")
	return edgar.NewPriceSeries(kept), nil
}

// SharesOutstanding returns Yahoo's reported share count. When the field is
// missing it is derived from market cap and price.
func (p *Provider) SharesOutstanding(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snap, err := p.src.snapshot(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to get info for %s: %w", symbol, err)
	}
	if snap.SharesOutstanding > 0 {
		return snap.SharesOutstanding, nil
	}
	if snap.MarketCap <= 0 || snap.Price <= 0 {
		return 0, fmt.Errorf("%s: no shares outstanding: %w", symbol, ErrNoPrice)
	}
	p.log.Debug().Str("symbol", symbol).Msg("shares outstanding missing, deriving from market cap")
	return snap.MarketCap / snap.Price, nil
}

// ForwardEPS returns the consensus forward EPS, or price over forward PE when
// Yahoo only has the ratio.
func (p *Provider) ForwardEPS(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	snap, err := p.src.snapshot(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to get info for %s: %w", symbol, err)
	}
	if snap.ForwardEPS != 0 {
		return snap.ForwardEPS, nil
	}
	if snap.ForwardPE <= 0 || snap.Price <= 0 {
		return 0, fmt.Errorf("%s: no forward EPS: %w", symbol, ErrNoPrice)
	}
	p.log.Debug().Str("symbol", symbol).Msg("forward EPS missing, deriving from forward PE")
	return snap.Price / snap.ForwardPE, nil
}

// periodFor picks the shortest Yahoo period that reaches back to from.
func periodFor(from, now time.Time) string {
	age := now.Sub(from)
	const day = 24 * time.Hour
	switch {
	case age <= 28*day:
		return "1mo"
	case age <= 89*day:
		return "3mo"
	case age <= 180*day:
		return "6mo"
	case age <= 365*day:
		return "1y"
	case age <= 2*365*day:
		return "2y"
	case age <= 5*365*day:
		return "5y"
	case age <= 10*365*day:
		return "10y"
	default:
		return "max"
	}
}

type yahooSource struct{}

func (yahooSource) snapshot(symbol string) (snapshot, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	var snap snapshot
	if quote, err := t.Quote(); err == nil && quote != nil {
		snap.Price = quote.RegularMarketPrice
	}

	info, err := t.Info()
	if err != nil {
		if snap.Price > 0 {
			return snap, nil
		}
		return snapshot{}, fmt.Errorf("failed to get info: %w", err)
	}
	if info != nil {
		if snap.Price <= 0 {
			snap.Price = info.CurrentPrice
		}
		if snap.Price <= 0 {
			snap.Price = info.RegularMarketPreviousClose
		}
		snap.SharesOutstanding = float64(info.SharesOutstanding)
		snap.ForwardEPS = info.ForwardEps
		snap.MarketCap = float64(info.MarketCap)
		snap.ForwardPE = info.ForwardPE
	}
	return snap, nil
}

func (yahooSource) history(symbol, period string) ([]edgar.PricePoint, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	bars, err := t.History(models.HistoryParams{
		Period:     period,
		Interval:   "1d",
		AutoAdjust: true,
	})
	if err != nil {
		return nil, err
	}

	points := make([]edgar.PricePoint, 0, len(bars))
	for _, bar := range bars {
		points = append(points, edgar.PricePoint{Date: bar.Date, Close: bar.Close})
	}
	return points, nil
}
