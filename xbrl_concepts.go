package edgar

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

//go:embed metric_aliases.json
var metricAliasesJSON []byte

// Aliases used by the analyzer.
const (
	MetricSharesOutstanding  = "shares_outstanding"
	MetricEPSDiluted         = "eps_diluted"
	MetricOperatingCashFlow  = "operating_cash_flow"
	MetricInvestingCashFlow  = "investing_cash_flow"
	MetricFinancingCashFlow  = "financing_cash_flow"
	MetricCapitalExpenditure = "capital_expenditures"
	MetricCash               = "cash_and_cash_equivalents"
	MetricCashEnd            = "cash_and_cash_equivalents_end"
	MetricShortTermInvest    = "short_term_investments"
	MetricMarketableSecCurr  = "marketable_securities_current"
)

// metricAliasFile represents the structure of metric_aliases.json
type metricAliasFile struct {
	Description string                     `json:"description"`
	Version     string                     `json:"version"`
	Metrics     map[string]aliasDefinition `json:"metrics"`
}

type aliasDefinition struct {
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// MetricAlias maps a stable, human-readable metric name to a companyfacts tag.
type MetricAlias struct {
	Alias       string `json:"alias"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// aliasTable provides lookups in both directions
type aliasTable struct {
	byAlias map[string]MetricAlias
	byTag   map[string]string // tag -> alias
	sorted  []MetricAlias
}

var globalAliases *aliasTable

func init() {
	var err error
	globalAliases, err = loadMetricAliases(metricAliasesJSON)
	if err != nil {
		panic(fmt.Sprintf("Failed to load metric aliases: %v", err))
	}
}

// loadMetricAliases parses the alias file and builds lookup tables.
// Two aliases sharing a tag is an error.
func loadMetricAliases(data []byte) (*aliasTable, error) {
	var file metricAliasFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse metric_aliases.json: %w", err)
	}

	t := &aliasTable{
		byAlias: make(map[string]MetricAlias, len(file.Metrics)),
		byTag:   make(map[string]string, len(file.Metrics)),
	}
	for alias, def := range file.Metrics {
		if def.Tag == "" {
			return nil, fmt.Errorf("metric %q has no tag", alias)
		}
		if other, dup := t.byTag[def.Tag]; dup {
			return nil, fmt.Errorf("tag %s mapped by both %q and %q", def.Tag, other, alias)
		}
		m := MetricAlias{Alias: alias, Tag: def.Tag, Description: def.Description}
		t.byAlias[alias] = m
		t.byTag[def.Tag] = alias
		t.sorted = append(t.sorted, m)
	}
	sort.Slice(t.sorted, func(i, j int) bool { return t.sorted[i].Alias < t.sorted[j].Alias })
	return t, nil
}

func (t *aliasTable) tagFor(alias string) (string, bool) {
	m, ok := t.byAlias[strings.ToLower(strings.TrimSpace(alias))]
	return m.Tag, ok
}

func (t *aliasTable) aliasFor(tag string) (string, bool) {
	// Strip a namespace prefix such as "us-gaap:"
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		tag = tag[i+1:]
	}
	if alias, ok := t.byTag[tag]; ok {
		return alias, true
	}

	// Try case-insensitive match (some filings vary in capitalization)
	for concept, alias := range t.byTag {
		if strings.EqualFold(concept, tag) {
			return alias, true
		}
	}
	return "", false
}

// DefaultMetricAliases returns a copy of the alias table sorted by alias.
func DefaultMetricAliases() []MetricAlias {
	out := make([]MetricAlias, len(globalAliases.sorted))
	copy(out, globalAliases.sorted)
	return out
}

// TagForAlias returns the companyfacts tag for a metric alias.
func TagForAlias(alias string) (string, bool) {
	return globalAliases.tagFor(alias)
}

// AliasForTag returns the metric alias for a tag, with or without namespace prefix.
func AliasForTag(tag string) (string, bool) {
	return globalAliases.aliasFor(tag)
}

// AvailableMetrics returns every known alias, sorted.
func AvailableMetrics() []string {
	out := make([]string, len(globalAliases.sorted))
	for i, m := range globalAliases.sorted {
		out[i] = m.Alias
	}
	return out
}
