package edgar

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource is a FinancialDataSource serving a fixed dataset.
type stubSource struct {
	ds    *FinancialDataset
	err   error
	calls int
}

func (s *stubSource) GetFinancialData(ctx context.Context, ticker string, opts DataOptions) (*FinancialDataset, error) {
	s.calls++
	if s.err != nil {
		return &FinancialDataset{GeneralInfo: GeneralInfo{Ticker: ticker}}, s.err
	}
	return s.ds, nil
}

func dataset(metrics map[string][]Observation) *FinancialDataset {
	return &FinancialDataset{
		GeneralInfo: GeneralInfo{Ticker: "TEST", CompanyName: "Test Corp", CIK: "0000000001"},
		Metrics:     metrics,
	}
}

var fixedNow = time.Date(2022, 3, 15, 14, 0, 0, 0, time.UTC)

func newTestAnalyzer(ds *FinancialDataset, prices PriceProvider, opts ...AnalyzerOption) *Analyzer {
	base := []AnalyzerOption{WithDataset(ds), WithClock(func() time.Time { return fixedNow })}
	return NewAnalyzer(nil, prices, "test", append(base, opts...)...)
}

func quarterlyEPS(t *testing.T, vals ...float64) []Observation {
	t.Helper()
	ends := []string{"2021-03-31", "2021-06-30", "2021-09-30", "2021-12-31"}
	starts := []string{"2021-01-01", "2021-04-01", "2021-07-01", "2021-10-01"}
	var obs []Observation
	for i, v := range vals {
		obs = append(obs, testObs(t, starts[i], ends[i], v))
	}
	return obs
}

func TestPETTM(t *testing.T) {
	eps := quarterlyEPS(t, 1.0, 1.1, 1.2, 1.3)
	// An older quarter and an annual figure must not be summed.
	eps = append(eps,
		testObs(t, "2020-10-01", "2020-12-31", 9),
		testObs(t, "2021-01-01", "2021-12-31", 4.6),
	)
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), &fakePrices{latest: 150})

	res, err := a.PETTM(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 4.6, res.EPSTTM, 1e-9)
	assert.InDelta(t, 32.6087, res.PE, 1e-4)
	assert.Equal(t, 150.0, res.Price)
	assert.Equal(t, mustDate(t, "2022-03-15"), res.AsOf)
	require.Len(t, res.Quarters, 4)
	assert.Equal(t, mustDate(t, "2021-03-31"), res.Quarters[0].End)
	assert.Empty(t, res.Restated)
}

func TestPETTMReportsRestatedQuarter(t *testing.T) {
	eps := quarterlyEPS(t, 1.0, 1.1, 1.2, 1.3)
	amended := eps[3]
	amended.AccessionID = "0000000000-22-amended"
	amended.Value = fptr(1.6)
	amended.Filed = amended.Filed.AddDate(0, 2, 0)
	eps = append(eps, amended)
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), &fakePrices{latest: 150})

	res, err := a.PETTM(context.Background())
	require.NoError(t, err)
	// The amended figure replaces the original rather than adding to it.
	assert.InDelta(t, 4.9, res.EPSTTM, 1e-9)
	require.Len(t, res.Restated, 1)
	assert.Equal(t, mustDate(t, "2021-12-31"), res.Restated[0].End)
	assert.Equal(t, "0000000000-22-amended", res.Restated[0].Kept)
	assert.Equal(t, []string{eps[3].AccessionID}, res.Restated[0].Superseded)
}

func TestPETTMInsufficientQuarters(t *testing.T) {
	a := newTestAnalyzer(dataset(map[string][]Observation{
		MetricEPSDiluted: quarterlyEPS(t, 1.0, 1.1, 1.2),
	}), &fakePrices{latest: 150})

	_, err := a.PETTM(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData), "got %v", err)
}

func TestPETTMZeroEarnings(t *testing.T) {
	a := newTestAnalyzer(dataset(map[string][]Observation{
		MetricEPSDiluted: quarterlyEPS(t, 1, -1, 1, -1),
	}), &fakePrices{latest: 150})

	_, err := a.PETTM(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestPETTMBadPrice(t *testing.T) {
	ds := dataset(map[string][]Observation{MetricEPSDiluted: quarterlyEPS(t, 1, 1, 1, 1)})

	_, err := newTestAnalyzer(ds, &fakePrices{latest: 0}).PETTM(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))

	boom := errors.New("yahoo down")
	_, err = newTestAnalyzer(ds, &fakePrices{latestErr: boom}).PETTM(context.Background())
	assert.True(t, errors.Is(err, boom))

	_, err = newTestAnalyzer(ds, nil).PETTM(context.Background())
	assert.Error(t, err)
}

func sharesSeries(t *testing.T) []Observation {
	older := testObs(t, "", "2020-09-26", 16976763000)
	newer := testObs(t, "", "2021-09-25", 16426786000)
	older.Unit, newer.Unit = "shares", "shares"
	return []Observation{newer, older}
}

func TestMarketCapFromProvider(t *testing.T) {
	prices := &fakeSharesPrices{fakePrices: fakePrices{latest: 150}, shares: 1e9}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricSharesOutstanding: sharesSeries(t)}), prices)

	res, err := a.MarketCap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "provider", res.SharesSource)
	assert.Equal(t, 1.5e11, res.MarketCap)
	assert.Nil(t, res.SharesAsOf)
}

func TestMarketCapFromFilings(t *testing.T) {
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricSharesOutstanding: sharesSeries(t)}), &fakePrices{latest: 150})

	res, err := a.MarketCap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "filings", res.SharesSource)
	assert.Equal(t, 16426786000.0, res.SharesOutstanding)
	assert.Equal(t, 150*16426786000.0, res.MarketCap)
	require.NotNil(t, res.SharesAsOf)
	assert.Equal(t, mustDate(t, "2021-09-25"), *res.SharesAsOf)
}

func TestMarketCapProviderFailureFallsBack(t *testing.T) {
	prices := &fakeSharesPrices{fakePrices: fakePrices{latest: 150}, sharesErr: errors.New("no info")}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricSharesOutstanding: sharesSeries(t)}), prices)

	res, err := a.MarketCap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "filings", res.SharesSource)
}

func TestMarketCapUnitMultiplier(t *testing.T) {
	obs := []Observation{testObs(t, "", "2021-09-25", 16426786)}
	obs[0].Unit = "kshares"
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricSharesOutstanding: obs}), &fakePrices{latest: 2},
		WithUnitMultipliers(map[string]float64{"KShares": 1000}))

	res, err := a.MarketCap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16426786000.0, res.SharesOutstanding)
}

func TestMarketCapNoShares(t *testing.T) {
	a := newTestAnalyzer(dataset(map[string][]Observation{}), &fakePrices{latest: 150})
	_, err := a.MarketCap(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestForwardPE(t *testing.T) {
	prices := &fakeSharesPrices{fakePrices: fakePrices{latest: 150}, forwardEPS: 6}
	a := newTestAnalyzer(dataset(nil), prices)

	res, err := a.ForwardPE(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25.0, res.PE)

	_, err = newTestAnalyzer(dataset(nil), &fakePrices{latest: 150}).ForwardPE(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func annualEPS(t *testing.T) []Observation {
	return []Observation{
		testObs(t, "2019-09-29", "2020-09-26", 3.28), // Saturday
		testObs(t, "2020-09-27", "2021-09-25", 5.61), // Saturday
	}
}

func TestHistoricalPEWalksBackToTradingDay(t *testing.T) {
	prices := &fakePrices{closes: map[string]float64{
		"2020-09-25": 112.28,
		"2021-09-24": 146.92,
	}}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: annualEPS(t)}), prices)

	points, err := a.HistoricalPE(context.Background(), PeriodAnnual)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, mustDate(t, "2020-09-25"), points[0].PriceDate)
	assert.InDelta(t, 112.28/3.28, points[0].PE, 1e-9)
	assert.Equal(t, mustDate(t, "2021-09-24"), points[1].PriceDate)
	assert.InDelta(t, 146.92/5.61, points[1].PE, 1e-9)

	assert.Equal(t, mustDate(t, "2020-09-16"), prices.from, "history starts one lookback window before the first period end")
	assert.Equal(t, mustDate(t, "2022-03-15"), prices.to)
}

func TestHistoricalPESkipsGapsZeroEPSAndFuture(t *testing.T) {
	eps := quarterlyEPS(t, 1.0, 0, 1.2, 1.3)
	eps = append(eps, testObs(t, "2022-01-01", "2022-03-31", 1.5)) // ends after the clock
	prices := &fakePrices{closes: map[string]float64{
		"2021-03-31": 120,
		"2021-06-30": 130,
		"2021-09-19": 140, // eleven days before 2021-09-30
		"2021-12-31": 150,
	}}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), prices)

	points, err := a.HistoricalPE(context.Background(), PeriodQuarterly)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, mustDate(t, "2021-03-31"), points[0].End)
	assert.Equal(t, mustDate(t, "2021-12-31"), points[1].End)
	assert.InDelta(t, 150/1.3, points[1].PE, 1e-9)
}

func TestHistoricalPELookbackOption(t *testing.T) {
	eps := []Observation{testObs(t, "2021-07-01", "2021-09-30", 1)}
	prices := &fakePrices{closes: map[string]float64{"2021-09-19": 140}}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), prices, WithPriceLookback(11))

	points, err := a.HistoricalPE(context.Background(), PeriodQuarterly)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 140.0, points[0].Price)
}

func TestHistoricalPENoEPS(t *testing.T) {
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: annualEPS(t)}), &fakePrices{})
	points, err := a.HistoricalPE(context.Background(), PeriodQuarterly)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Empty(t, points)
}

func TestPERatios(t *testing.T) {
	prices := &fakePrices{closes: map[string]float64{"2020-09-25": 112.28, "2021-09-24": 146.92}}
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: annualEPS(t)}), prices)

	ratios, err := a.PERatios(context.Background())
	require.NoError(t, err, "one missing series is not an error")
	assert.Empty(t, ratios.Quarterly)
	assert.NotNil(t, ratios.Quarterly)
	assert.Len(t, ratios.Annual, 2)

	empty := newTestAnalyzer(dataset(map[string][]Observation{}), prices)
	_, err = empty.PERatios(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestSummarizePE(t *testing.T) {
	points := []PEPoint{{PE: 40}, {PE: 10}, {PE: 30}, {PE: 20}}
	s, err := SummarizePE(points)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 25, s.Mean, 1e-9)
	assert.InDelta(t, 25, s.Median, 1e-9)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 40.0, s.Max)
	assert.InDelta(t, math.Sqrt(500.0/3), s.StdDev, 1e-9)

	one, err := SummarizePE([]PEPoint{{PE: 12}})
	require.NoError(t, err)
	assert.Equal(t, 12.0, one.Median)
	assert.Zero(t, one.StdDev)

	_, err = SummarizePE(nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestPEG(t *testing.T) {
	eps := append(quarterlyEPS(t, 1.0, 1.1, 1.2, 1.3), annualEPS(t)...)
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), &fakePrices{latest: 150})

	res, err := a.PEG(context.Background())
	require.NoError(t, err)

	growth := (5.61/3.28 - 1) * 100
	assert.InDelta(t, growth, res.GrowthPct, 1e-9)
	assert.InDelta(t, 150/4.6, res.PE, 1e-9)
	assert.InDelta(t, (150/4.6)/growth, res.PEG, 1e-9)
	assert.Equal(t, 3.28, res.PreviousEPS.ValueOr(0))
	assert.Equal(t, 5.61, res.LatestEPS.ValueOr(0))
}

func TestPEGCompoundsMultiYearGrowth(t *testing.T) {
	eps := append(quarterlyEPS(t, 1, 1, 1, 1),
		testObs(t, "2019-01-01", "2019-12-31", 1.00),
		testObs(t, "2021-01-01", "2021-12-31", 1.21),
	)
	a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), &fakePrices{latest: 40})

	res, err := a.PEG(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10, res.GrowthPct, 0.05)
}

func TestPEGRejectsNonPositiveGrowth(t *testing.T) {
	tests := []struct {
		name       string
		prev, last float64
	}{
		{"falling", 5.61, 3.28},
		{"flat", 2, 2},
		{"loss base year", -1, 2},
		{"zero base year", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eps := append(quarterlyEPS(t, 1, 1, 1, 1),
				testObs(t, "2019-09-29", "2020-09-26", tt.prev),
				testObs(t, "2020-09-27", "2021-09-25", tt.last),
			)
			a := newTestAnalyzer(dataset(map[string][]Observation{MetricEPSDiluted: eps}), &fakePrices{latest: 150})
			_, err := a.PEG(context.Background())
			assert.True(t, errors.Is(err, ErrInsufficientData), "got %v", err)
		})
	}
}

func TestAnalyzerDateRangeBoundsSuppliedDataset(t *testing.T) {
	eps := append(quarterlyEPS(t, 1.0, 1.1, 1.2, 1.3), testObs(t, "2020-10-01", "2020-12-31", 9))
	ds := dataset(map[string][]Observation{
		MetricEPSDiluted:         eps,
		MetricOperatingCashFlow:  {testObs(t, "2020-01-01", "2020-12-31", 90e6), testObs(t, "2021-01-01", "2021-12-31", 100e6)},
		MetricCapitalExpenditure: {testObs(t, "2020-01-01", "2020-12-31", 10e6), testObs(t, "2021-01-01", "2021-12-31", 20e6)},
	})
	r, err := NewDateRange("", "2021-09-30")
	require.NoError(t, err)
	a := newTestAnalyzer(ds, &fakePrices{latest: 150}, WithDataOptions(DataOptions{Range: r}))

	res, err := a.PETTM(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 12.3, res.EPSTTM, 1e-9, "the quarter ending after the range is excluded")
	assert.Equal(t, mustDate(t, "2020-12-31"), res.Quarters[0].End)

	fcf, err := a.FreeCashFlow(context.Background())
	require.NoError(t, err)
	require.Len(t, fcf, 1)
	assert.Equal(t, 80e6, fcf[0].FreeCashFlow)
}

func TestAnalyzerFetch(t *testing.T) {
	src := &stubSource{ds: dataset(map[string][]Observation{MetricEPSDiluted: quarterlyEPS(t, 1, 1, 1, 1)})}
	a := NewAnalyzer(src, &fakePrices{latest: 10}, " aapl ")
	assert.Equal(t, "AAPL", a.Ticker())

	ctx := context.Background()
	_, err := a.PETTM(ctx)
	require.NoError(t, err)
	_, err = a.PEG(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, src.calls, "the dataset is fetched once")

	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestAnalyzerFailedFetchIsRetried(t *testing.T) {
	src := &stubSource{err: ErrNotFound}
	a := NewAnalyzer(src, &fakePrices{latest: 10}, "ZZZZ")
	ctx := context.Background()

	_, err := a.PETTM(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	src.err = nil
	src.ds = dataset(map[string][]Observation{MetricEPSDiluted: quarterlyEPS(t, 1, 1, 1, 1)})
	_, err = a.PETTM(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestAnalyzerEndToEnd(t *testing.T) {
	srv, _ := newFakeSEC(t, factsHandler(t))
	c := newTestClient(srv)

	prices := &fakePrices{
		latest: 150,
		closes: map[string]float64{
			"2020-09-25": 112.28,
			"2021-09-24": 146.92,
			"2020-12-24": 131.97,
			"2021-03-26": 121.21,
			"2021-06-25": 133.11,
		},
	}
	a := NewAnalyzer(c.Aggregator(), prices, "AAPL", WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()

	ds, err := a.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", ds.GeneralInfo.CompanyName)

	pe, err := a.PETTM(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.68+1.40+1.30+1.24, pe.EPSTTM, 1e-9)

	mc, err := a.MarketCap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150*16426786000.0, mc.MarketCap)

	quarterly, err := a.HistoricalPE(ctx, PeriodQuarterly)
	require.NoError(t, err)
	require.Len(t, quarterly, 4)
	assert.Equal(t, mustDate(t, "2020-12-24"), quarterly[0].PriceDate)

	peg, err := a.PEG(ctx)
	require.NoError(t, err)
	assert.InDelta(t, (5.61/3.28-1)*100, peg.GrowthPct, 1e-9)

	recon, err := a.EndingCashBalance(ctx)
	require.NoError(t, err)
	require.Len(t, recon, 2)
	for _, r := range recon {
		require.NotNil(t, r.Difference)
		assert.InDelta(t, 0, *r.Difference, 1, "Apple's cash flow statement reconciles")
	}
}
