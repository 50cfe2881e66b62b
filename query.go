package edgar

import (
	"fmt"
	"sort"
	"time"
)

// SeriesQuery provides a fluent interface for narrowing a metric series
type SeriesQuery struct {
	obs       []Observation
	period    PeriodType
	r         DateRange
	notAfter  time.Time
	withValue bool
}

// Query returns a new SeriesQuery over obs. The input slice is not modified.
func Query(obs []Observation) *SeriesQuery {
	return &SeriesQuery{obs: obs}
}

// ForPeriod keeps observations of period type p
func (q *SeriesQuery) ForPeriod(p PeriodType) *SeriesQuery {
	q.period = p
	return q
}

// InstantOnly keeps balance-sheet (point in time) observations
func (q *SeriesQuery) InstantOnly() *SeriesQuery {
	return q.ForPeriod(PeriodInstant)
}

// Between keeps observations whose end date falls in r
func (q *SeriesQuery) Between(r DateRange) *SeriesQuery {
	q.r = r
	return q
}

// NotAfter drops observations ending after t
func (q *SeriesQuery) NotAfter(t time.Time) *SeriesQuery {
	q.notAfter = t
	return q
}

// WithValue drops observations whose value could not be parsed
func (q *SeriesQuery) WithValue() *SeriesQuery {
	q.withValue = true
	return q
}

// Get returns all matching observations, ascending by end date
func (q *SeriesQuery) Get() []Observation {
	var results []Observation
	for _, o := range q.obs {
		if q.period != "" && o.PeriodType != q.period {
			continue
		}
		if !q.r.Contains(o.End) {
			continue
		}
		if !q.notAfter.IsZero() && o.End.After(q.notAfter) {
			continue
		}
		if q.withValue && o.Value == nil {
			continue
		}
		results = append(results, o)
	}
	SortByEnd(results)
	return results
}

// Restatements lists the periods where LatestPerPeriod picks one filing over
// others.
func (q *SeriesQuery) Restatements() []Restatement {
	return FindRestatements(q.Get())
}

// LatestPerPeriod returns one observation per (end date, period type): the one
// filed most recently. Restatements in later filings therefore win over the
// original figure. The result is ascending by end date.
func (q *SeriesQuery) LatestPerPeriod() []Observation {
	type key struct {
		end    time.Time
		period PeriodType
	}
	best := make(map[key]Observation)
	for _, o := range q.Get() {
		k := key{o.End, o.PeriodType}
		cur, ok := best[k]
		if !ok || o.Filed.After(cur.Filed) {
			best[k] = o
		}
	}

	results := make([]Observation, 0, len(best))
	for _, o := range best {
		results = append(results, o)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].End.Equal(results[j].End) {
			return results[i].End.Before(results[j].End)
		}
		return results[i].PeriodType < results[j].PeriodType
	})
	return results
}

// Last returns the n most recent observations from LatestPerPeriod, ascending.
// Fewer than n matches is ErrInsufficientData, together with what was found.
func (q *SeriesQuery) Last(n int) ([]Observation, error) {
	results := q.LatestPerPeriod()
	if len(results) < n {
		return results, insufficient("need %d observations, have %d", n, len(results))
	}
	return results[len(results)-n:], nil
}

// MostRecent returns the observation with the latest end date
func (q *SeriesQuery) MostRecent() (Observation, error) {
	results := q.LatestPerPeriod()
	if len(results) == 0 {
		return Observation{}, insufficient("no observations found")
	}
	return results[len(results)-1], nil
}

// Sum returns the sum of all matching values
func (q *SeriesQuery) Sum() (float64, error) {
	results := q.Get()
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: nothing to sum", ErrInsufficientData)
	}
	var total float64
	for _, o := range results {
		total += o.ValueOr(0)
	}
	return total, nil
}
