package edgar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the date format used by the companyfacts API.
const DateLayout = "2006-01-02"

// PeriodType classifies an observation by the length of its reporting period.
type PeriodType string

const (
	PeriodInstant    PeriodType = "Instant"
	PeriodQuarterly  PeriodType = "Quarterly"
	PeriodHalfYear   PeriodType = "Half-Year"
	PeriodYearToDate PeriodType = "Year-to-Date"
	PeriodAnnual     PeriodType = "Annual"
)

// Upper bounds, in days, of each duration class.
const (
	quarterlyMaxDays  = 95
	halfYearMaxDays   = 185
	yearToDateMaxDays = 280
)

// ParsePeriodType accepts the canonical names case-insensitively, plus a few
// short forms ("q", "annual", "fy", "ytd", "half").
func ParsePeriodType(s string) (PeriodType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "instant", "i":
		return PeriodInstant, nil
	case "quarterly", "quarter", "q":
		return PeriodQuarterly, nil
	case "half-year", "halfyear", "half", "h":
		return PeriodHalfYear, nil
	case "year-to-date", "ytd":
		return PeriodYearToDate, nil
	case "annual", "year", "fy", "a":
		return PeriodAnnual, nil
	}
	return "", fmt.Errorf("unknown period type %q", s)
}

// ClassifyPeriod derives the period type from the span between start and end.
// A nil start is an instant (balance-sheet) fact.
func ClassifyPeriod(start *time.Time, end time.Time) PeriodType {
	if start == nil {
		return PeriodInstant
	}
	days := int(end.Sub(*start).Hours() / 24)
	switch {
	case days <= quarterlyMaxDays:
		return PeriodQuarterly
	case days <= halfYearMaxDays:
		return PeriodHalfYear
	case days <= yearToDateMaxDays:
		return PeriodYearToDate
	default:
		return PeriodAnnual
	}
}

// Observation is one typed, dated value of a metric.
type Observation struct {
	Start        *time.Time
	End          time.Time
	Value        *float64 // nil when the upstream value is not numeric
	Unit         string
	AccessionID  string
	FiscalYear   *int
	FiscalPeriod *string
	Form         string
	Filed        time.Time
	PeriodType   PeriodType
	Namespace    string
	Frame        string
}

type observationJSON struct {
	Start        *string    `json:"start"`
	End          string     `json:"end"`
	Value        *float64   `json:"value"`
	Unit         string     `json:"unit"`
	AccessionID  string     `json:"accn"`
	FiscalYear   *int       `json:"fy"`
	FiscalPeriod *string    `json:"fp"`
	Form         string     `json:"form"`
	Filed        string     `json:"filed,omitempty"`
	PeriodType   PeriodType `json:"period_type"`
	Namespace    string     `json:"namespace,omitempty"`
	Frame        string     `json:"frame,omitempty"`
}

// MarshalJSON writes dates in the upstream YYYY-MM-DD form.
func (o Observation) MarshalJSON() ([]byte, error) {
	out := observationJSON{
		End:          o.End.Format(DateLayout),
		Value:        o.Value,
		Unit:         o.Unit,
		AccessionID:  o.AccessionID,
		FiscalYear:   o.FiscalYear,
		FiscalPeriod: o.FiscalPeriod,
		Form:         o.Form,
		PeriodType:   o.PeriodType,
		Namespace:    o.Namespace,
		Frame:        o.Frame,
	}
	if o.Start != nil {
		s := o.Start.Format(DateLayout)
		out.Start = &s
	}
	if !o.Filed.IsZero() {
		out.Filed = o.Filed.Format(DateLayout)
	}
	return json.Marshal(out)
}

// ValueOr returns the value, or def when it is nil.
func (o Observation) ValueOr(def float64) float64 {
	if o.Value == nil {
		return def
	}
	return *o.Value
}

// DateRange is an inclusive filter on an observation's end date.
// A zero From or To leaves that side open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// NewDateRange parses YYYY-MM-DD bounds; empty strings leave a side open.
func NewDateRange(from, to string) (DateRange, error) {
	var r DateRange
	var err error
	if from != "" {
		if r.From, err = time.Parse(DateLayout, from); err != nil {
			return r, fmt.Errorf("invalid start date %q: %w", from, err)
		}
	}
	if to != "" {
		if r.To, err = time.Parse(DateLayout, to); err != nil {
			return r, fmt.Errorf("invalid end date %q: %w", to, err)
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return r, fmt.Errorf("end date %s is before start date %s", to, from)
	}
	return r, nil
}

// Contains reports whether d falls within the range, bounds included.
func (r DateRange) Contains(d time.Time) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// Extract pulls every observation of tag out of facts. Namespaces are visited in
// sorted order, then units; raw facts keep their upstream order. Records without
// a parseable end date are skipped, non-numeric values are kept as nil, and
// nothing is deduplicated.
func Extract(facts *CompanyFacts, tag string, r DateRange) []Observation {
	if facts.IsEmpty() || tag == "" {
		return nil
	}

	var out []Observation
	for _, ns := range facts.Namespaces() {
		concept, ok := facts.Facts[ns][tag]
		if !ok {
			continue
		}

		units := make([]string, 0, len(concept.Units))
		for u := range concept.Units {
			units = append(units, u)
		}
		sort.Strings(units)

		for _, unit := range units {
			for _, raw := range concept.Units[unit] {
				obs, ok := newObservation(raw, unit, ns)
				if !ok || !r.Contains(obs.End) {
					continue
				}
				out = append(out, obs)
			}
		}
	}
	return out
}

func newObservation(raw RawFact, unit, namespace string) (Observation, bool) {
	end, err := parseDate(raw.End)
	if err != nil {
		return Observation{}, false
	}

	obs := Observation{
		End:          end,
		Value:        coerceNumber(raw.Val),
		Unit:         unit,
		AccessionID:  raw.Accn,
		FiscalYear:   coerceInt(raw.FY),
		FiscalPeriod: raw.FP,
		Form:         raw.Form,
		Namespace:    namespace,
		Frame:        raw.Frame,
	}
	if start, err := parseDate(raw.Start); err == nil {
		obs.Start = &start
	}
	if filed, err := parseDate(raw.Filed); err == nil {
		obs.Filed = filed
	}
	obs.PeriodType = ClassifyPeriod(obs.Start, obs.End)
	return obs, true
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	return time.Parse(DateLayout, s)
}

// coerceNumber accepts a JSON number or a numeric string. Anything else,
// including NaN and infinities, is nil.
func coerceNumber(v json.RawMessage) *float64 {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func coerceInt(v json.RawMessage) *int {
	f := coerceNumber(v)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	i := int(*f)
	return &i
}

// SortByEnd orders observations ascending by end date, then by filing date.
func SortByEnd(obs []Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if !obs[i].End.Equal(obs[j].End) {
			return obs[i].End.Before(obs[j].End)
		}
		return obs[i].Filed.Before(obs[j].Filed)
	})
}

// Duplicate is a group of observations sharing an accession number, end date
// and period type.
type Duplicate struct {
	AccessionID string
	End         time.Time
	PeriodType  PeriodType
	Count       int
	Namespaces  []string
}

func (d Duplicate) String() string {
	return fmt.Sprintf("accession %s %s period ending %s reported %d times (%s)",
		d.AccessionID, d.PeriodType, d.End.Format(DateLayout), d.Count, strings.Join(d.Namespaces, ", "))
}

// FindDuplicates reports facts that occur more than once for the same filing
// and period. The same fact filed under two taxonomies, or under two units,
// shows up here. A 10-Q's three-month and nine-month figures ending on the same
// date differ in period type and are not duplicates. Observations are left
// untouched; callers decide what to do.
func FindDuplicates(obs []Observation) []Duplicate {
	type key struct {
		accn   string
		end    time.Time
		period PeriodType
	}
	groups := make(map[key]*Duplicate)
	var order []key
	for _, o := range obs {
		k := key{o.AccessionID, o.End, o.PeriodType}
		d, ok := groups[k]
		if !ok {
			d = &Duplicate{AccessionID: o.AccessionID, End: o.End, PeriodType: o.PeriodType}
			groups[k] = d
			order = append(order, k)
		}
		d.Count++
		if !containsString(d.Namespaces, o.Namespace) {
			d.Namespaces = append(d.Namespaces, o.Namespace)
		}
	}

	var dups []Duplicate
	for _, k := range order {
		if d := groups[k]; d.Count > 1 {
			sort.Strings(d.Namespaces)
			dups = append(dups, *d)
		}
	}
	sort.Slice(dups, func(i, j int) bool {
		if !dups[i].End.Equal(dups[j].End) {
			return dups[i].End.Before(dups[j].End)
		}
		return dups[i].AccessionID < dups[j].AccessionID
	})
	return dups
}

// Restatement is a period reported by more than one filing. Kept is the
// accession LatestPerPeriod selects; Superseded are the others.
type Restatement struct {
	End        time.Time  `json:"end"`
	PeriodType PeriodType `json:"period_type"`
	Kept       string     `json:"kept_accn"`
	Superseded []string   `json:"superseded_accns"`
}

func (r Restatement) String() string {
	return fmt.Sprintf("%s period ending %s reported by %d filings, using %s over %s",
		r.PeriodType, r.End.Format(DateLayout), len(r.Superseded)+1, r.Kept, strings.Join(r.Superseded, ", "))
}

// FindRestatements reports every (end date, period type) that more than one
// filing covers. Selection follows LatestPerPeriod: the most recent filing wins
// and on a tie the first one seen is kept. Repeats within one filing are
// FindDuplicates' concern.
func FindRestatements(obs []Observation) []Restatement {
	type key struct {
		end    time.Time
		period PeriodType
	}
	type group struct {
		best  Observation
		accns []string
	}
	groups := make(map[key]*group)
	for _, o := range obs {
		k := key{o.End, o.PeriodType}
		g, ok := groups[k]
		if !ok {
			groups[k] = &group{best: o, accns: []string{o.AccessionID}}
			continue
		}
		if !containsString(g.accns, o.AccessionID) {
			g.accns = append(g.accns, o.AccessionID)
		}
		if o.Filed.After(g.best.Filed) {
			g.best = o
		}
	}

	var out []Restatement
	for k, g := range groups {
		if len(g.accns) < 2 {
			continue
		}
		r := Restatement{End: k.end, PeriodType: k.period, Kept: g.best.AccessionID}
		for _, a := range g.accns {
			if a != r.Kept {
				r.Superseded = append(r.Superseded, a)
			}
		}
		sort.Strings(r.Superseded)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].End.Equal(out[j].End) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].PeriodType < out[j].PeriodType
	})
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
