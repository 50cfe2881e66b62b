package edgar

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// NotAvailable fills general info fields the facts document does not carry.
const NotAvailable = "N/A"

// CIKResolver turns a ticker into a zero-padded CIK.
type CIKResolver interface {
	Resolve(ctx context.Context, ticker string) (string, error)
}

// FactsFetcher returns the companyfacts document for a CIK.
type FactsFetcher interface {
	GetFacts(ctx context.Context, cik string) (*CompanyFacts, error)
}

// GeneralInfo identifies the company a dataset belongs to.
type GeneralInfo struct {
	Ticker      string `json:"ticker"`
	CompanyName string `json:"company_name"`
	CIK         string `json:"cik"`
}

// FinancialDataset maps metric aliases to their observations, sorted by end date.
type FinancialDataset struct {
	GeneralInfo GeneralInfo              `json:"general_info"`
	Metrics     map[string][]Observation `json:"metrics"`
	Warnings    []string                 `json:"warnings,omitempty"`
}

// Series returns the observations for alias, or nil.
func (ds *FinancialDataset) Series(alias string) []Observation {
	if ds == nil {
		return nil
	}
	return ds.Metrics[alias]
}

// IsEmpty reports whether no metric has any observation.
func (ds *FinancialDataset) IsEmpty() bool {
	if ds == nil {
		return true
	}
	for _, obs := range ds.Metrics {
		if len(obs) > 0 {
			return false
		}
	}
	return true
}

func (ds *FinancialDataset) warnf(format string, args ...any) {
	ds.Warnings = append(ds.Warnings, fmt.Sprintf(format, args...))
}

// DataOptions narrows a GetFinancialData call. Zero values mean "all".
type DataOptions struct {
	Range   DateRange
	Metrics []string // aliases; empty selects every known alias
}

// Aggregator combines identifier resolution, the facts fetch and extraction.
type Aggregator struct {
	resolver CIKResolver
	facts    FactsFetcher
	log      zerolog.Logger
}

// NewAggregator creates an aggregator over the given resolver and facts source.
func NewAggregator(resolver CIKResolver, facts FactsFetcher, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		resolver: resolver,
		facts:    facts,
		log:      log.With().Str("component", "aggregator").Logger(),
	}
}

// Aggregator returns an Aggregator sharing the client's resolver and facts client.
func (c *Client) Aggregator() *Aggregator {
	return NewAggregator(c.Resolver, c.Facts, c.log)
}

// GetFinancialData builds the dataset for ticker. The dataset is never nil: when
// resolution or the facts fetch fails, it still carries the ticker and an empty
// series for every requested alias, and the error says why. Unknown aliases are
// reported in Warnings, not as an error.
func (a *Aggregator) GetFinancialData(ctx context.Context, ticker string, opts DataOptions) (*FinancialDataset, error) {
	ticker = NormalizeTicker(ticker)
	log := a.log.With().Str("ticker", ticker).Logger()

	ds := &FinancialDataset{
		GeneralInfo: GeneralInfo{Ticker: ticker, CompanyName: NotAvailable, CIK: NotAvailable},
		Metrics:     make(map[string][]Observation),
	}

	aliases := opts.Metrics
	if len(aliases) == 0 {
		aliases = AvailableMetrics()
	}

	tags := make(map[string]string, len(aliases))
	var selected []string
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if _, seen := tags[alias]; seen {
			continue
		}
		tag, ok := TagForAlias(alias)
		if !ok {
			log.Warn().Str("metric", alias).Msg("no tag mapping for metric, skipping")
			ds.warnf("unknown metric %q", alias)
			continue
		}
		tags[alias] = tag
		selected = append(selected, alias)
		ds.Metrics[alias] = []Observation{}
	}

	cik, err := a.resolver.Resolve(ctx, ticker)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve ticker")
		return ds, fmt.Errorf("resolve %s: %w", ticker, err)
	}
	ds.GeneralInfo.CIK = cik

	facts, err := a.facts.GetFacts(ctx, cik)
	if err != nil {
		log.Warn().Err(err).Str("cik", cik).Msg("could not fetch company facts")
		return ds, fmt.Errorf("facts for %s: %w", ticker, err)
	}

	if facts.CIK != "" {
		ds.GeneralInfo.CIK = PadCIK(facts.CIK)
	}
	if facts.EntityName != "" {
		ds.GeneralInfo.CompanyName = facts.EntityName
	}

	for _, alias := range selected {
		obs := Extract(facts, tags[alias], opts.Range)
		if len(obs) == 0 {
			if facts.HasTag(tags[alias]) {
				log.Debug().Str("metric", alias).Msg("no observations in range")
			} else {
				log.Debug().Str("metric", alias).Str("tag", tags[alias]).Msg("tag not reported by filer")
			}
			continue
		}
		SortByEnd(obs)
		ds.Metrics[alias] = obs

		if dups := FindDuplicates(obs); len(dups) > 0 {
			for _, d := range dups {
				log.Debug().Str("metric", alias).Str("duplicate", d.String()).Msg("duplicate fact")
			}
			log.Warn().Str("metric", alias).Int("duplicates", len(dups)).Msg("facts reported more than once")
			ds.warnf("%s: %d fact(s) reported more than once, first: %s", alias, len(dups), dups[0])
		}
		if rs := FindRestatements(obs); len(rs) > 0 {
			log.Warn().Str("metric", alias).Int("periods", len(rs)).Msg("periods reported by several filings, latest filing used")
			ds.warnf("%s: %d period(s) reported by more than one filing, latest filing used, first: %s", alias, len(rs), rs[0])
		}
	}

	return ds, nil
}

// FilterFinancialData returns a copy of ds restricted to aliases.
// General info is always kept; aliases absent from ds are ignored.
func FilterFinancialData(ds *FinancialDataset, aliases []string) *FinancialDataset {
	if ds == nil {
		return nil
	}
	out := &FinancialDataset{
		GeneralInfo: ds.GeneralInfo,
		Metrics:     make(map[string][]Observation, len(aliases)),
		Warnings:    append([]string(nil), ds.Warnings...),
	}
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if obs, ok := ds.Metrics[alias]; ok {
			cp := make([]Observation, len(obs))
			copy(cp, obs)
			out.Metrics[alias] = cp
		}
	}
	return out
}
