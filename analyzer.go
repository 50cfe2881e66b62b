package edgar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FinancialDataSource produces the dataset an Analyzer works on.
// *Aggregator satisfies it.
type FinancialDataSource interface {
	GetFinancialData(ctx context.Context, ticker string, opts DataOptions) (*FinancialDataset, error)
}

// DefaultUnitMultipliers converts the unit of a reported share count into
// shares. Filers occasionally tag share counts in USD; those are taken as-is.
// Units missing from the table count as 1.
func DefaultUnitMultipliers() map[string]float64 {
	return map[string]float64{
		"shares":      1,
		"pure":        1,
		"iso4217:usd": 1,
		"usd":         1,
	}
}

// DefaultCashAliases are summed by CashAndShortTermInvestments.
func DefaultCashAliases() []string {
	return []string{MetricCashEnd, MetricShortTermInvest}
}

// Analyzer derives valuation figures for one ticker. The dataset is fetched on
// first use and kept until Refresh; it has no expiry of its own.
type Analyzer struct {
	source      FinancialDataSource
	prices      PriceProvider
	ticker      string
	opts        DataOptions
	multipliers map[string]float64
	cashAliases []string
	lookback    int
	now         func() time.Time
	log         zerolog.Logger

	mu      sync.Mutex
	dataset *FinancialDataset
}

// AnalyzerOption customizes an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithDataOptions restricts the dataset the analyzer fetches. The date range
// also bounds a dataset supplied with WithDataset.
func WithDataOptions(opts DataOptions) AnalyzerOption {
	return func(a *Analyzer) { a.opts = opts }
}

// WithUnitMultipliers replaces the share-count unit table. Keys are matched case-insensitively.
func WithUnitMultipliers(m map[string]float64) AnalyzerOption {
	return func(a *Analyzer) {
		a.multipliers = make(map[string]float64, len(m))
		for unit, v := range m {
			a.multipliers[strings.ToLower(unit)] = v
		}
	}
}

// WithCashAliases sets which metrics CashAndShortTermInvestments adds up.
func WithCashAliases(aliases ...string) AnalyzerOption {
	return func(a *Analyzer) { a.cashAliases = aliases }
}

// WithPriceLookback sets how many calendar days a historical price lookup may step back.
func WithPriceLookback(days int) AnalyzerOption {
	return func(a *Analyzer) { a.lookback = days }
}

// WithDataset preloads the dataset so no fetch happens.
func WithDataset(ds *FinancialDataset) AnalyzerOption {
	return func(a *Analyzer) { a.dataset = ds }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

// WithAnalyzerLogger sets the logger.
func WithAnalyzerLogger(l zerolog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.log = l }
}

// NewAnalyzer binds an analyzer to ticker.
func NewAnalyzer(source FinancialDataSource, prices PriceProvider, ticker string, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		source:      source,
		prices:      prices,
		ticker:      NormalizeTicker(ticker),
		multipliers: DefaultUnitMultipliers(),
		cashAliases: DefaultCashAliases(),
		lookback:    DefaultPriceLookback,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("component", "analyzer").Str("ticker", a.ticker).Logger()
	return a
}

// Ticker returns the normalized ticker the analyzer is bound to.
func (a *Analyzer) Ticker() string {
	return a.ticker
}

// Fetch returns the bound dataset, fetching it on first use. A failed fetch is
// not kept, so the next call tries again.
func (a *Analyzer) Fetch(ctx context.Context) (*FinancialDataset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dataset != nil {
		return a.dataset, nil
	}
	if a.source == nil {
		return nil, errors.New("analyzer has no data source")
	}
	ds, err := a.source.GetFinancialData(ctx, a.ticker, a.opts)
	if err != nil {
		return ds, err
	}
	a.dataset = ds
	return ds, nil
}

// Refresh drops the bound dataset and fetches it again.
func (a *Analyzer) Refresh(ctx context.Context) (*FinancialDataset, error) {
	a.mu.Lock()
	a.dataset = nil
	a.mu.Unlock()
	return a.Fetch(ctx)
}

func (a *Analyzer) series(ctx context.Context, alias string) ([]Observation, error) {
	ds, err := a.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Query(ds.Series(alias)).Between(a.opts.Range).Get(), nil
}

func (a *Analyzer) latestPrice(ctx context.Context) (float64, error) {
	if a.prices == nil {
		return 0, errors.New("analyzer has no price provider")
	}
	price, err := a.prices.LatestPrice(ctx, a.ticker)
	if err != nil {
		return 0, fmt.Errorf("latest price for %s: %w", a.ticker, err)
	}
	if price <= 0 || math.IsNaN(price) {
		return 0, insufficient("no usable latest price for %s", a.ticker)
	}
	return price, nil
}

// restated logs the periods of metric that q resolves by picking the latest
// of several filings, and returns them.
func (a *Analyzer) restated(metric string, q *SeriesQuery) []Restatement {
	rs := q.Restatements()
	for _, r := range rs {
		a.log.Warn().Str("metric", metric).Str("restatement", r.String()).Msg("period reported by several filings, using the latest")
	}
	return rs
}

func (a *Analyzer) multiplier(unit string) float64 {
	if m, ok := a.multipliers[strings.ToLower(unit)]; ok {
		return m
	}
	return 1
}

// MarketCapResult is price times shares outstanding.
type MarketCapResult struct {
	Price             float64    `json:"latest_stock_price"`
	SharesOutstanding float64    `json:"shares_outstanding"`
	SharesSource      string     `json:"shares_source"` // "provider" or "filings"
	SharesAsOf        *time.Time `json:"shares_as_of,omitempty"`
	MarketCap         float64    `json:"market_cap"`
}

// MarketCap multiplies the latest price by shares outstanding. The live count
// from a SharesProvider is preferred; otherwise the latest filed count is used,
// scaled by the unit multiplier table.
func (a *Analyzer) MarketCap(ctx context.Context) (MarketCapResult, error) {
	price, err := a.latestPrice(ctx)
	if err != nil {
		return MarketCapResult{}, err
	}

	if sp, ok := a.prices.(SharesProvider); ok {
		shares, err := sp.SharesOutstanding(ctx, a.ticker)
		if err == nil && shares > 0 {
			return MarketCapResult{
				Price:             price,
				SharesOutstanding: shares,
				SharesSource:      "provider",
				MarketCap:         price * shares,
			}, nil
		}
		a.log.Info().Err(err).Msg("live shares outstanding unavailable, falling back to filings")
	}

	obs, err := a.series(ctx, MetricSharesOutstanding)
	if err != nil {
		return MarketCapResult{}, err
	}
	q := Query(obs).WithValue()
	a.restated(MetricSharesOutstanding, q)
	latest, err := q.MostRecent()
	if err != nil {
		return MarketCapResult{}, fmt.Errorf("shares outstanding: %w", err)
	}

	shares := *latest.Value * a.multiplier(latest.Unit)
	asOf := latest.End
	return MarketCapResult{
		Price:             price,
		SharesOutstanding: shares,
		SharesSource:      "filings",
		SharesAsOf:        &asOf,
		MarketCap:         price * shares,
	}, nil
}

// PETTMResult is price over trailing twelve months of diluted EPS.
type PETTMResult struct {
	Price    float64       `json:"latest_stock_price"`
	EPSTTM   float64       `json:"eps_ttm"`
	PE       float64       `json:"pe_ttm"`
	AsOf     time.Time     `json:"as_of_date"`
	Quarters []Observation `json:"quarters"`
	Restated []Restatement `json:"restated,omitempty"` // quarters chosen among several filings
}

// PETTM sums the four most recent quarterly diluted EPS figures and divides the
// latest price by the total. Fewer than four quarters, or a zero sum, is
// ErrInsufficientData.
func (a *Analyzer) PETTM(ctx context.Context) (PETTMResult, error) {
	obs, err := a.series(ctx, MetricEPSDiluted)
	if err != nil {
		return PETTMResult{}, err
	}

	q := Query(obs).ForPeriod(PeriodQuarterly).WithValue()
	restated := a.restated(MetricEPSDiluted, q)
	quarters, err := q.Last(4)
	if err != nil {
		a.log.Info().Int("quarters", len(quarters)).Msg("not enough quarterly EPS for PE TTM")
		return PETTMResult{}, fmt.Errorf("PE TTM: %w", err)
	}

	epsTTM, err := Query(quarters).Sum()
	if err != nil {
		return PETTMResult{}, fmt.Errorf("PE TTM: %w", err)
	}
	if epsTTM == 0 {
		return PETTMResult{}, insufficient("PE TTM: trailing EPS is zero")
	}

	price, err := a.latestPrice(ctx)
	if err != nil {
		return PETTMResult{}, err
	}

	res := PETTMResult{
		Price:    price,
		EPSTTM:   epsTTM,
		PE:       price / epsTTM,
		AsOf:     day(a.now()),
		Quarters: quarters,
	}
	first := quarters[0].End
	for _, r := range restated {
		if !r.End.Before(first) {
			res.Restated = append(res.Restated, r)
		}
	}
	return res, nil
}

// ForwardPEResult is price over the consensus forward EPS estimate.
type ForwardPEResult struct {
	Price      float64 `json:"latest_stock_price"`
	ForwardEPS float64 `json:"forward_eps"`
	PE         float64 `json:"forward_pe"`
}

// ForwardPE needs a price provider that implements ForwardEPSProvider.
func (a *Analyzer) ForwardPE(ctx context.Context) (ForwardPEResult, error) {
	fp, ok := a.prices.(ForwardEPSProvider)
	if !ok {
		return ForwardPEResult{}, insufficient("price provider has no forward EPS estimates")
	}
	eps, err := fp.ForwardEPS(ctx, a.ticker)
	if err != nil {
		return ForwardPEResult{}, fmt.Errorf("forward EPS for %s: %w", a.ticker, err)
	}
	if eps == 0 {
		return ForwardPEResult{}, insufficient("forward EPS is zero")
	}
	price, err := a.latestPrice(ctx)
	if err != nil {
		return ForwardPEResult{}, err
	}
	return ForwardPEResult{Price: price, ForwardEPS: eps, PE: price / eps}, nil
}

// PEPoint is the PE ratio at one reporting date.
type PEPoint struct {
	End          time.Time `json:"end_date"`
	FiscalYear   *int      `json:"fy"`
	FiscalPeriod *string   `json:"fp"`
	EPS          float64   `json:"eps_diluted"`
	Price        float64   `json:"stock_price"`
	PriceDate    time.Time `json:"price_date"`
	PE           float64   `json:"pe_ratio"`
}

// HistoricalPE computes price/EPS at the end of every reporting period of type
// p. The price is the close on the period end or, for a non-trading day, the
// nearest earlier close within the lookback window. Points without a price or
// with zero EPS are skipped, as are periods ending in the future.
func (a *Analyzer) HistoricalPE(ctx context.Context, p PeriodType) ([]PEPoint, error) {
	obs, err := a.series(ctx, MetricEPSDiluted)
	if err != nil {
		return nil, err
	}

	now := day(a.now())
	q := Query(obs).ForPeriod(p).WithValue().NotAfter(now)
	a.restated(MetricEPSDiluted, q)
	eps := q.LatestPerPeriod()
	if len(eps) == 0 {
		return []PEPoint{}, insufficient("no %s EPS data", p)
	}
	if a.prices == nil {
		return nil, errors.New("analyzer has no price provider")
	}

	from := eps[0].End.AddDate(0, 0, -a.lookback)
	history, err := a.prices.History(ctx, a.ticker, from, now)
	if err != nil {
		return nil, fmt.Errorf("price history for %s: %w", a.ticker, err)
	}

	points := make([]PEPoint, 0, len(eps))
	for _, o := range eps {
		end := o.End.Format(DateLayout)
		if *o.Value == 0 {
			a.log.Debug().Str("end", end).Msg("EPS is zero, skipping PE point")
			continue
		}
		value := *o.Value
		pp, ok := history.NearestClose(o.End, a.lookback)
		if !ok {
			a.log.Debug().Str("end", end).Int("lookback_days", a.lookback).Msg("no price near period end, skipping PE point")
			continue
		}
		points = append(points, PEPoint{
			End:          o.End,
			FiscalYear:   o.FiscalYear,
			FiscalPeriod: o.FiscalPeriod,
			EPS:          value,
			Price:        pp.Close,
			PriceDate:    pp.Date,
			PE:           pp.Close / value,
		})
	}
	return points, nil
}

// PERatioSeries holds the quarterly and annual PE histories.
type PERatioSeries struct {
	Quarterly []PEPoint `json:"pe_ratios_quarterly"`
	Annual    []PEPoint `json:"pe_ratios_annually"`
}

// PERatios returns both histories. It fails only when neither can be computed.
func (a *Analyzer) PERatios(ctx context.Context) (PERatioSeries, error) {
	q, qErr := a.HistoricalPE(ctx, PeriodQuarterly)
	y, yErr := a.HistoricalPE(ctx, PeriodAnnual)
	if q == nil {
		q = []PEPoint{}
	}
	if y == nil {
		y = []PEPoint{}
	}
	out := PERatioSeries{Quarterly: q, Annual: y}
	if qErr != nil && yErr != nil {
		return out, errors.Join(qErr, yErr)
	}
	return out, nil
}

// PESummary describes the spread of a PE history.
type PESummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"` // sample standard deviation, 0 for a single point
}

// SummarizePE computes summary statistics over the PE values of points.
func SummarizePE(points []PEPoint) (PESummary, error) {
	if len(points) == 0 {
		return PESummary{}, insufficient("no PE points to summarize")
	}
	xs := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.PE
	}
	sort.Float64s(xs)

	s := PESummary{
		Count:  len(xs),
		Mean:   stat.Mean(xs, nil),
		Median: median(xs),
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
	}
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	return s, nil
}

// median of sorted xs, averaging the middle pair for even lengths
func median(xs []float64) float64 {
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// PEGResult is PE TTM divided by annual EPS growth in percent.
type PEGResult struct {
	PE          float64     `json:"pe_ttm"`
	GrowthPct   float64     `json:"eps_growth_pct"`
	PEG         float64     `json:"peg"`
	PreviousEPS Observation `json:"previous_eps"`
	LatestEPS   Observation `json:"latest_eps"`
}

// PEG uses the growth between the two most recent annual diluted EPS figures,
// annualized when they are more than a year apart. Non-positive growth or a
// non-positive base year makes the ratio meaningless and is ErrInsufficientData.
func (a *Analyzer) PEG(ctx context.Context) (PEGResult, error) {
	obs, err := a.series(ctx, MetricEPSDiluted)
	if err != nil {
		return PEGResult{}, err
	}
	q := Query(obs).ForPeriod(PeriodAnnual).WithValue()
	a.restated(MetricEPSDiluted, q)
	annual, err := q.Last(2)
	if err != nil {
		return PEGResult{}, fmt.Errorf("PEG: %w", err)
	}
	prev, last := annual[0], annual[1]
	if *prev.Value <= 0 {
		return PEGResult{}, insufficient("PEG: base year EPS %.2f is not positive", *prev.Value)
	}

	years := last.End.Sub(prev.End).Hours() / 24 / 365.25
	if years < 1 {
		years = 1
	}
	ratio := *last.Value / *prev.Value
	growth := (math.Pow(ratio, 1/years) - 1) * 100
	if growth <= 0 || math.IsNaN(growth) {
		return PEGResult{}, insufficient("PEG: EPS growth %.2f%% is not positive", growth)
	}

	pe, err := a.PETTM(ctx)
	if err != nil {
		return PEGResult{}, err
	}
	return PEGResult{
		PE:          pe.PE,
		GrowthPct:   growth,
		PEG:         pe.PE / growth,
		PreviousEPS: prev,
		LatestEPS:   last,
	}, nil
}
