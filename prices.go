package edgar

import (
	"context"
	"sort"
	"time"
)

// DefaultPriceLookback is how many calendar days NearestClose may step back
// from a non-trading day.
const DefaultPriceLookback = 10

// PriceProvider supplies market prices. It is implemented outside this package
// (see the yfinance subpackage) and injected into the Analyzer.
type PriceProvider interface {
	// LatestPrice returns the most recent price for symbol.
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	// History returns daily closes between from and to, inclusive.
	History(ctx context.Context, symbol string, from, to time.Time) (*PriceSeries, error)
}

// SharesProvider is implemented by price providers that know the live share count.
type SharesProvider interface {
	SharesOutstanding(ctx context.Context, symbol string) (float64, error)
}

// ForwardEPSProvider is implemented by price providers that carry analyst EPS estimates.
type ForwardEPSProvider interface {
	ForwardEPS(ctx context.Context, symbol string) (float64, error)
}

// PricePoint is one daily close.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// PriceSeries is a date-indexed set of daily closes.
type PriceSeries struct {
	closes map[time.Time]float64
	dates  []time.Time // ascending
}

// NewPriceSeries indexes points by calendar day. Later points for the same day
// replace earlier ones.
func NewPriceSeries(points []PricePoint) *PriceSeries {
	s := &PriceSeries{closes: make(map[time.Time]float64, len(points))}
	for _, p := range points {
		d := day(p.Date)
		if _, ok := s.closes[d]; !ok {
			s.dates = append(s.dates, d)
		}
		s.closes[d] = p.Close
	}
	sort.Slice(s.dates, func(i, j int) bool { return s.dates[i].Before(s.dates[j]) })
	return s
}

// Len returns the number of trading days in the series.
func (s *PriceSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.dates)
}

// Close returns the close on date's calendar day.
func (s *PriceSeries) Close(date time.Time) (float64, bool) {
	if s == nil {
		return 0, false
	}
	c, ok := s.closes[day(date)]
	return c, ok
}

// Latest returns the last close in the series.
func (s *PriceSeries) Latest() (PricePoint, bool) {
	if s.Len() == 0 {
		return PricePoint{}, false
	}
	d := s.dates[len(s.dates)-1]
	return PricePoint{Date: d, Close: s.closes[d]}, true
}

// NearestClose returns the close on date, or on the closest earlier trading day
// no more than maxSteps calendar days back. Weekends and holidays are covered
// this way; a gap longer than maxSteps yields false.
func (s *PriceSeries) NearestClose(date time.Time, maxSteps int) (PricePoint, bool) {
	d := day(date)
	for step := 0; step <= maxSteps; step++ {
		if c, ok := s.Close(d); ok {
			return PricePoint{Date: d, Close: c}, true
		}
		d = d.AddDate(0, 0, -1)
	}
	return PricePoint{}, false
}

// day truncates t to midnight UTC of its calendar date.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
