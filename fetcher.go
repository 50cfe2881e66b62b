package edgar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	VERSION = "0.4.0"

	// SecEmailEnvVar is the environment variable name for SEC email
	SecEmailEnvVar = "SEC_EMAIL"

	// SEC endpoints
	DefaultTickerFileURL   = "https://www.sec.gov/include/ticker.txt"
	DefaultCompanySearch   = "https://www.sec.gov/cgi-bin/browse-edgar"
	DefaultCompanyFactsURL = "https://data.sec.gov/api/xbrl/companyfacts/CIK%s.json"
)

var (
	emailRegex         = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	embeddedEmailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// GetSecEmail retrieves email from environment variable or returns error
func GetSecEmail() (string, error) {
	email := os.Getenv(SecEmailEnvVar)
	if email == "" {
		return "", fmt.Errorf("SEC email required: set %s environment variable or use --email flag", SecEmailEnvVar)
	}
	if err := ValidateEmail(email); err != nil {
		return "", err
	}
	return email, nil
}

// ValidateEmail checks that email looks like a real, contactable address.
func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	if strings.HasSuffix(email, "example.com") {
		return fmt.Errorf("use a real email address, not example.com: %s", email)
	}
	return nil
}

// BuildUserAgent creates a proper SEC User-Agent string
func BuildUserAgent(email string) string {
	return fmt.Sprintf("edgar-facts/%s (%s)", VERSION, email)
}

// ValidateUserAgent reports whether ua carries a contact email as SEC requires.
func ValidateUserAgent(ua string) bool {
	return embeddedEmailRegex.MatchString(ua)
}

// Client bundles the shared infrastructure (limiter, cache, transport) with the
// resolver and facts client built on top of it.
type Client struct {
	Limiter  *RateLimiter
	Cache    *TTLCache
	Resolver *Resolver
	Facts    *FactsClient

	transport *Transport
	log       zerolog.Logger
}

type clientSettings struct {
	userAgent      string
	rateLimit      float64
	cacheTTL       time.Duration
	timeout        time.Duration
	maxAttempts    int
	backoffFactor  time.Duration
	httpClient     *http.Client
	tickerFileURL  string
	searchURL      string
	factsURLFormat string
	disableSearch  bool
	log            zerolog.Logger
}

// Option customizes a Client.
type Option func(*clientSettings)

// WithUserAgent sets the User-Agent sent on every request. It must contain an email.
func WithUserAgent(ua string) Option {
	return func(s *clientSettings) { s.userAgent = ua }
}

// WithEmail sets the User-Agent to BuildUserAgent(email).
func WithEmail(email string) Option {
	return func(s *clientSettings) { s.userAgent = BuildUserAgent(email) }
}

// WithRateLimit sets the maximum number of requests per second.
func WithRateLimit(perSecond float64) Option {
	return func(s *clientSettings) { s.rateLimit = perSecond }
}

// WithCacheTTL sets how long identifiers and facts documents are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *clientSettings) { s.cacheTTL = ttl }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *clientSettings) { s.timeout = d }
}

// WithRetry sets the total attempt count and the backoff base.
func WithRetry(maxAttempts int, backoffFactor time.Duration) Option {
	return func(s *clientSettings) {
		s.maxAttempts = maxAttempts
		s.backoffFactor = backoffFactor
	}
}

// WithHTTPClient sets the underlying http.Client (its Timeout is replaced).
func WithHTTPClient(c *http.Client) Option {
	return func(s *clientSettings) { s.httpClient = c }
}

// WithEndpoints overrides the SEC endpoints. Empty values keep the defaults.
// factsURLFormat must contain one %s for the padded CIK.
func WithEndpoints(tickerFileURL, searchURL, factsURLFormat string) Option {
	return func(s *clientSettings) {
		if tickerFileURL != "" {
			s.tickerFileURL = tickerFileURL
		}
		if searchURL != "" {
			s.searchURL = searchURL
		}
		if factsURLFormat != "" {
			s.factsURLFormat = factsURLFormat
		}
	}
}

// WithoutSearchFallback disables the HTML company-search fallback.
func WithoutSearchFallback() Option {
	return func(s *clientSettings) { s.disableSearch = true }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *clientSettings) { s.log = l }
}

// NewClient wires one limiter, cache and transport and shares them between the
// resolver and the facts client. A User-Agent without an email is logged as a
// warning, not rejected.
func NewClient(opts ...Option) *Client {
	s := clientSettings{
		rateLimit:      DefaultRateLimit,
		cacheTTL:       DefaultCacheTTL,
		timeout:        DefaultRequestTimeout,
		maxAttempts:    DefaultMaxAttempts,
		backoffFactor:  DefaultBackoffFactor,
		tickerFileURL:  DefaultTickerFileURL,
		searchURL:      DefaultCompanySearch,
		factsURLFormat: DefaultCompanyFactsURL,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	if s.userAgent == "" {
		if email, err := GetSecEmail(); err == nil {
			s.userAgent = BuildUserAgent(email)
		}
	}
	if !ValidateUserAgent(s.userAgent) {
		s.log.Warn().
			Str("user_agent", s.userAgent).
			Msg("User-Agent has no contact email; SEC may block these requests")
	}

	limiter := NewRateLimiter(s.rateLimit)
	cache := NewTTLCache(s.cacheTTL)
	transport := NewTransport(TransportOptions{
		UserAgent:     s.userAgent,
		Timeout:       s.timeout,
		MaxAttempts:   s.maxAttempts,
		BackoffFactor: s.backoffFactor,
		Limiter:       limiter,
		HTTPClient:    s.httpClient,
		Logger:        s.log,
	})

	lookups := []IdentifierLookup{NewBulkLookup(transport, cache, s.tickerFileURL, s.log)}
	if !s.disableSearch {
		lookups = append(lookups, NewSearchLookup(transport, s.searchURL, s.log))
	}

	return &Client{
		Limiter:   limiter,
		Cache:     cache,
		Resolver:  NewResolver(cache, s.log, lookups...),
		Facts:     NewFactsClient(transport, cache, s.factsURLFormat, s.log),
		transport: transport,
		log:       s.log,
	}
}

// Transport returns the shared retrying transport.
func (c *Client) Transport() *Transport {
	return c.transport
}

// fetchBody GETs url through t and returns the full body.
func fetchBody(ctx context.Context, t *Transport, url string) ([]byte, error) {
	resp, err := t.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, nil
}

const cikWidth = 10

// PadCIK left-pads a CIK with zeros to the 10-digit canonical width.
func PadCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if cik == "" {
		return ""
	}
	if len(cik) >= cikWidth {
		return cik
	}
	return strings.Repeat("0", cikWidth-len(cik)) + cik
}
