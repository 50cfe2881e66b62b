package edgar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultRequestTimeout bounds every single attempt.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxAttempts is the total number of attempts per request, first try included.
	DefaultMaxAttempts = 3

	// DefaultBackoffFactor is the base of the exponential wait between attempts.
	DefaultBackoffFactor = 500 * time.Millisecond

	maxBackoff = 30 * time.Second
)

// retryableStatus lists the statuses worth another attempt. Anything else is final.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether the transport retries on code.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// TransportOptions configures a Transport. Zero values pick the defaults.
type TransportOptions struct {
	UserAgent     string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffFactor time.Duration
	Limiter       *RateLimiter
	HTTPClient    *http.Client // base client; its Timeout is overridden
	Logger        zerolog.Logger
}

// Transport performs GET requests with a fixed per-attempt timeout, bounded
// exponential-backoff retries and the shared rate limiter.
type Transport struct {
	client    *retryablehttp.Client
	userAgent string
	log       zerolog.Logger
}

// NewTransport builds a Transport from opts.
func NewTransport(opts TransportOptions) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = DefaultBackoffFactor
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	httpClient := &http.Client{
		Transport:     &limitedRoundTripper{next: next, limiter: opts.Limiter},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       opts.Timeout,
	}

	log := opts.Logger.With().Str("component", "transport").Logger()

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = opts.MaxAttempts - 1
	rc.RetryWaitMin = opts.BackoffFactor
	rc.RetryWaitMax = maxBackoff
	rc.CheckRetry = checkRetry
	rc.Backoff = exponentialBackoff
	rc.ErrorHandler = exhaustedHandler
	rc.Logger = leveledLogger{log: log}

	return &Transport{
		client:    rc,
		userAgent: opts.UserAgent,
		log:       log,
	}
}

// Get issues a GET for url. A nil error means the response status is 200 and the
// caller owns the body. Every other outcome is a *TransportError.
func (t *Transport) Get(ctx context.Context, url string) (*http.Response, error) {
	var attempts int32
	ctx = context.WithValue(ctx, attemptCounterKey{}, &attempts)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var ex *exhaustedError
		if errors.As(err, &ex) {
			te := &TransportError{URL: url, Attempts: int(atomic.LoadInt32(&attempts)), Err: ex.err}
			if resp != nil {
				te.StatusCode = resp.StatusCode
				resp.Body.Close()
			}
			if te.Err == nil {
				te.Err = fmt.Errorf("giving up after %d attempt(s)", ex.attempts)
			}
			return nil, te
		}
		return nil, &TransportError{URL: url, Attempts: int(atomic.LoadInt32(&attempts)), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Attempts:   int(atomic.LoadInt32(&attempts)),
			Err:        fmt.Errorf("SEC returned status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

type attemptCounterKey struct{}

// limitedRoundTripper makes every attempt, retries included, pass the rate limiter.
type limitedRoundTripper struct {
	next    http.RoundTripper
	limiter *RateLimiter
}

func (l *limitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if n, ok := req.Context().Value(attemptCounterKey{}).(*int32); ok {
		atomic.AddInt32(n, 1)
	}
	if err := l.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return l.next.RoundTrip(req)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		// Connection errors are retried unless the default policy calls them permanent
		// (bad scheme, bad headers, untrusted certificate).
		return retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	}
	return IsRetryableStatus(resp.StatusCode), nil
}

// exponentialBackoff waits factor*2^attempt, or Retry-After when the server sends one.
func exponentialBackoff(factor, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if s, ok := resp.Header["Retry-After"]; ok {
			if secs, err := strconv.Atoi(s[0]); err == nil {
				wait := time.Duration(secs) * time.Second
				if wait > max {
					wait = max
				}
				return wait
			}
		}
	}

	wait := time.Duration(float64(factor) * math.Pow(2, float64(attemptNum)))
	if wait <= 0 || wait > max {
		wait = max
	}
	return wait
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("giving up after %d attempt(s): %v", e.attempts, e.err)
	}
	return fmt.Sprintf("giving up after %d attempt(s)", e.attempts)
}

func (e *exhaustedError) Unwrap() error {
	return e.err
}

// exhaustedHandler keeps the last response so Get can report its status code.
func exhaustedHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	return resp, &exhaustedError{attempts: numTries, err: err}
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
