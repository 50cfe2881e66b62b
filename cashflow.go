package edgar

import (
	"context"
	"sort"
	"time"
)

// FreeCashFlowPoint is operating cash flow minus capital expenditures for one period.
type FreeCashFlowPoint struct {
	Start               *time.Time `json:"start,omitempty"`
	End                 time.Time  `json:"end"`
	PeriodType          PeriodType `json:"period_type"`
	FiscalYear          *int       `json:"fy"`
	FiscalPeriod        *string    `json:"fp"`
	OperatingCashFlow   float64    `json:"operating_cash_flow"`
	CapitalExpenditures float64    `json:"capital_expenditures"`
	FreeCashFlow        float64    `json:"free_cash_flow"`
}

type periodKey struct {
	end    time.Time
	period PeriodType
}

func keyOf(o Observation) periodKey {
	return periodKey{o.End, o.PeriodType}
}

// FreeCashFlow pairs operating cash flow with capital expenditures reported for
// the same end date and period type. A period present in only one series is
// skipped and logged; nothing is interpolated.
func (a *Analyzer) FreeCashFlow(ctx context.Context) ([]FreeCashFlowPoint, error) {
	ds, err := a.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	ocf := a.latestPerPeriod(ds, MetricOperatingCashFlow, false)
	capex := a.latestPerPeriod(ds, MetricCapitalExpenditure, false)

	byKey := make(map[periodKey]Observation, len(capex))
	for _, c := range capex {
		byKey[keyOf(c)] = c
	}

	points := make([]FreeCashFlowPoint, 0, len(ocf))
	for _, o := range ocf {
		k := keyOf(o)
		c, ok := byKey[k]
		if !ok {
			a.log.Debug().Str("end", o.End.Format(DateLayout)).Str("period", string(o.PeriodType)).
				Msg("no capital expenditures for period, skipping free cash flow")
			continue
		}
		delete(byKey, k)
		points = append(points, FreeCashFlowPoint{
			Start:               o.Start,
			End:                 o.End,
			PeriodType:          o.PeriodType,
			FiscalYear:          o.FiscalYear,
			FiscalPeriod:        o.FiscalPeriod,
			OperatingCashFlow:   *o.Value,
			CapitalExpenditures: *c.Value,
			FreeCashFlow:        *o.Value - *c.Value,
		})
	}
	for k := range byKey {
		a.log.Debug().Str("end", k.end.Format(DateLayout)).Str("period", string(k.period)).
			Msg("no operating cash flow for period, skipping free cash flow")
	}

	if len(points) == 0 {
		return points, insufficient("no period has both operating cash flow and capital expenditures")
	}
	return points, nil
}

// CashPosition is the sum of the cash-like balances reported at one date.
type CashPosition struct {
	End       time.Time          `json:"end"`
	Total     float64            `json:"cash_and_short_term_investments"`
	Breakdown map[string]float64 `json:"breakdown"`
}

// CashAndShortTermInvestments adds up the configured cash aliases per end date.
// A date appears when at least one alias reports a value there; the breakdown
// shows which ones did.
func (a *Analyzer) CashAndShortTermInvestments(ctx context.Context) ([]CashPosition, error) {
	ds, err := a.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	byDate := make(map[time.Time]*CashPosition)
	for _, alias := range a.cashAliases {
		for _, o := range a.latestPerPeriod(ds, alias, true) {
			pos, ok := byDate[o.End]
			if !ok {
				pos = &CashPosition{End: o.End, Breakdown: make(map[string]float64)}
				byDate[o.End] = pos
			}
			pos.Breakdown[alias] = *o.Value
			pos.Total += *o.Value
		}
	}

	positions := make([]CashPosition, 0, len(byDate))
	for _, p := range byDate {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].End.Before(positions[j].End) })

	if len(positions) == 0 {
		return positions, insufficient("no cash balances reported for %v", a.cashAliases)
	}
	return positions, nil
}

// CashReconciliation rebuilds a period's ending cash from its opening balance
// and the three cash flow totals.
type CashReconciliation struct {
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	PeriodType PeriodType `json:"period_type"`
	Beginning  float64    `json:"beginning_cash"`
	Operating  float64    `json:"operating_cash_flow"`
	Investing  float64    `json:"investing_cash_flow"`
	Financing  float64    `json:"financing_cash_flow"`
	Calculated float64    `json:"calculated_ending_cash"`
	Reported   *float64   `json:"reported_ending_cash"`
	Difference *float64   `json:"difference"` // reported minus calculated
}

// reconciliationCashAliases are tried in order for opening and closing balances.
var reconciliationCashAliases = []string{MetricCashEnd, MetricCash}

// EndingCashBalance computes ending = beginning + operating + investing + financing
// for every period that reports all three cash flows. The beginning balance is
// the cash reported on the day before the period starts, or on the start date.
// When an ending balance is reported too, Difference shows how far off the
// arithmetic is. A mismatch is a data-quality signal, not an error.
func (a *Analyzer) EndingCashBalance(ctx context.Context) ([]CashReconciliation, error) {
	ds, err := a.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	var balances map[time.Time]float64
	for _, alias := range reconciliationCashAliases {
		obs := a.latestPerPeriod(ds, alias, true)
		if len(obs) == 0 {
			continue
		}
		balances = make(map[time.Time]float64, len(obs))
		for _, o := range obs {
			balances[o.End] = *o.Value
		}
		break
	}
	if balances == nil {
		return []CashReconciliation{}, insufficient("no cash balance reported")
	}

	investing := indexByPeriod(a.latestPerPeriod(ds, MetricInvestingCashFlow, false))
	financing := indexByPeriod(a.latestPerPeriod(ds, MetricFinancingCashFlow, false))

	var out []CashReconciliation
	for _, op := range a.latestPerPeriod(ds, MetricOperatingCashFlow, false) {
		if op.Start == nil {
			continue
		}
		end := op.End.Format(DateLayout)
		inv, okInv := investing[keyOf(op)]
		fin, okFin := financing[keyOf(op)]
		if !okInv || !okFin {
			a.log.Debug().Str("end", end).Msg("cash flow statement incomplete, skipping reconciliation")
			continue
		}

		begin, ok := balances[op.Start.AddDate(0, 0, -1)]
		if !ok {
			begin, ok = balances[*op.Start]
		}
		if !ok {
			a.log.Debug().Str("end", end).Msg("no opening cash balance, skipping reconciliation")
			continue
		}

		r := CashReconciliation{
			Start:      *op.Start,
			End:        op.End,
			PeriodType: op.PeriodType,
			Beginning:  begin,
			Operating:  *op.Value,
			Investing:  *inv.Value,
			Financing:  *fin.Value,
		}
		r.Calculated = r.Beginning + r.Operating + r.Investing + r.Financing
		if reported, ok := balances[op.End]; ok {
			diff := reported - r.Calculated
			r.Reported = &reported
			r.Difference = &diff
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		return []CashReconciliation{}, insufficient("no period with opening balance and all three cash flows")
	}
	return out, nil
}

// latestPerPeriod selects one valued observation per period of alias, logging
// any period several filings report.
func (a *Analyzer) latestPerPeriod(ds *FinancialDataset, alias string, instant bool) []Observation {
	q := Query(ds.Series(alias)).Between(a.opts.Range).WithValue()
	if instant {
		q = q.InstantOnly()
	}
	a.restated(alias, q)
	return q.LatestPerPeriod()
}

func indexByPeriod(latest []Observation) map[periodKey]Observation {
	m := make(map[periodKey]Observation, len(latest))
	for _, o := range latest {
		m[keyOf(o)] = o
	}
	return m
}
