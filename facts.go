package edgar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const factsKeyPrefix = "facts:"

// CompanyFacts is the companyfacts document for one registrant.
// Facts is keyed by namespace (us-gaap, dei, ifrs-full, ...) and then by tag.
type CompanyFacts struct {
	CIK        string                        `json:"cik"`
	EntityName string                        `json:"entityName"`
	Facts      map[string]map[string]Concept `json:"facts"`
}

// Concept holds every reported value of one tag, grouped by unit.
type Concept struct {
	Label       string               `json:"label"`
	Description string               `json:"description"`
	Units       map[string][]RawFact `json:"units"`
}

// RawFact is one upstream observation, kept close to the wire format.
// Val and FY stay raw because filers are not consistent about their types.
type RawFact struct {
	Start string          `json:"start,omitempty"`
	End   string          `json:"end"`
	Val   json.RawMessage `json:"val"`
	Accn  string          `json:"accn"`
	FY    json.RawMessage `json:"fy,omitempty"`
	FP    *string         `json:"fp,omitempty"`
	Form  string          `json:"form"`
	Filed string          `json:"filed"`
	Frame string          `json:"frame,omitempty"`
}

// IsEmpty reports whether the document carries no facts.
func (cf *CompanyFacts) IsEmpty() bool {
	return cf == nil || len(cf.Facts) == 0
}

// Namespaces returns the taxonomies present, sorted.
func (cf *CompanyFacts) Namespaces() []string {
	if cf == nil {
		return nil
	}
	ns := make([]string, 0, len(cf.Facts))
	for n := range cf.Facts {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}

// HasTag reports whether any namespace defines tag.
func (cf *CompanyFacts) HasTag(tag string) bool {
	if cf == nil {
		return false
	}
	for _, tags := range cf.Facts {
		if _, ok := tags[tag]; ok {
			return true
		}
	}
	return false
}

// ParseCompanyFacts decodes a companyfacts document (for local files or testing).
// The body must be a JSON object with a non-null "facts" member; anything else
// is ErrMalformedResponse.
func ParseCompanyFacts(r io.Reader) (*CompanyFacts, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse company facts JSON: %v", ErrMalformedResponse, err)
	}

	factsRaw, ok := raw["facts"]
	if !ok || bytes.Equal(bytes.TrimSpace(factsRaw), []byte("null")) {
		return nil, fmt.Errorf("%w: company facts document has no facts key", ErrMalformedResponse)
	}

	cf := &CompanyFacts{}
	if err := json.Unmarshal(factsRaw, &cf.Facts); err != nil {
		return nil, fmt.Errorf("%w: unexpected facts shape: %v", ErrMalformedResponse, err)
	}
	if cf.Facts == nil {
		cf.Facts = make(map[string]map[string]Concept)
	}

	cf.CIK = rawScalar(raw["cik"])
	if name, ok := raw["entityName"]; ok {
		_ = json.Unmarshal(name, &cf.EntityName)
	}
	return cf, nil
}

// rawScalar renders a JSON number or string as a plain string; null and absent become "".
func rawScalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// FactsClient fetches and caches companyfacts documents.
type FactsClient struct {
	transport *Transport
	cache     *TTLCache
	urlFormat string
	log       zerolog.Logger
}

// NewFactsClient creates a client. urlFormat must contain one %s for the padded CIK.
func NewFactsClient(t *Transport, cache *TTLCache, urlFormat string, log zerolog.Logger) *FactsClient {
	if urlFormat == "" {
		urlFormat = DefaultCompanyFactsURL
	}
	return &FactsClient{
		transport: t,
		cache:     cache,
		urlFormat: urlFormat,
		log:       log.With().Str("component", "facts").Logger(),
	}
}

// GetFacts returns the facts document for cik. On any failure it returns an
// empty, non-nil document together with the reason:
//   - blank cik: ErrEmptyIdentifier, no request made
//   - HTTP 404: ErrNotFound (the company has no XBRL facts)
//   - bad body: ErrMalformedResponse (never cached)
//   - anything else: *TransportError
func (c *FactsClient) GetFacts(ctx context.Context, cik string) (*CompanyFacts, error) {
	cik = PadCIK(cik)
	if cik == "" {
		return &CompanyFacts{}, ErrEmptyIdentifier
	}

	key := factsKeyPrefix + cik
	if v, ok := c.cache.Get(key); ok {
		if cf, ok := v.(*CompanyFacts); ok {
			return cf, nil
		}
	}

	url := fmt.Sprintf(c.urlFormat, cik)
	resp, err := c.transport.Get(ctx, url)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			c.log.Info().Str("cik", cik).Msg("no company facts for CIK")
			return &CompanyFacts{CIK: cik}, fmt.Errorf("company facts for CIK %s: %w", cik, ErrNotFound)
		}
		c.log.Warn().Err(err).Str("cik", cik).Msg("failed to fetch company facts")
		return &CompanyFacts{CIK: cik}, fmt.Errorf("failed to fetch company facts: %w", err)
	}
	defer resp.Body.Close()

	cf, err := ParseCompanyFacts(resp.Body)
	if err != nil {
		c.log.Warn().Err(err).Str("cik", cik).Msg("discarding malformed company facts")
		return &CompanyFacts{CIK: cik}, err
	}
	if cf.CIK == "" {
		cf.CIK = cik
	}

	c.cache.Set(key, cf)
	return cf, nil
}
