package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Request is one outbound call. Body is replayed unchanged on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the final backend answer after the policy chain has settled.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Attempt describes one try of a call, reported before it is sent.
type Attempt struct {
	Number int
	Method string
	URL    string
}

// AttemptObserver is notified of every attempt.
type AttemptObserver func(ctx context.Context, a Attempt)

// Pipeline wraps outbound calls with, outermost first: admission, overall
// timeout, retry, per-host circuit breaker and per-attempt timeout.
type Pipeline struct {
	cfg       Config
	admission *Admission
	breakers  *BreakerRegistry
	client    *retryablehttp.Client
	logger    zerolog.Logger
	observers []AttemptObserver
	transport http.RoundTripper
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTransport sets the transport used for the raw call.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pipeline) {
		p.transport = rt
	}
}

// WithAttemptObserver registers a callback run before each attempt.
func WithAttemptObserver(o AttemptObserver) Option {
	return func(p *Pipeline) {
		p.observers = append(p.observers, o)
	}
}

// WithLogger sets the logger for retry and breaker events.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline validates cfg and assembles the policy chain.
func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resilience config: %w", err)
	}

	p := &Pipeline{
		cfg:       cfg,
		admission: NewAdmission(cfg.PermitLimit, cfg.QueueLimit),
		logger:    zerolog.Nop(),
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breakers = NewBreakerRegistry(cfg.Breaker, p.logger)

	rt := &breakerTransport{
		registry: p.breakers,
		next:     &attemptTimeoutTransport{timeout: cfg.AttemptTimeout, next: p.transport},
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: rt,
		// 3xx is returned to the caller unfollowed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	client.Logger = leveledLogger{logger: p.logger}
	client.RetryMax = cfg.Retry.MaxRetries
	client.RetryWaitMin = cfg.Retry.Delay
	client.RetryWaitMax = maxWait(cfg)
	client.CheckRetry = checkRetry
	client.Backoff = jitteredBackoff(cfg.Retry.Exponential)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = p.onAttempt
	p.client = client

	return p, nil
}

func maxWait(cfg Config) time.Duration {
	w := cfg.Retry.Delay
	if cfg.Retry.Exponential {
		for i := 0; i < cfg.Retry.MaxRetries; i++ {
			w *= 2
		}
	}
	if cfg.TotalTimeout > 0 && w > cfg.TotalTimeout {
		w = cfg.TotalTimeout
	}
	return w
}

type attemptCounterKey struct{}

func (p *Pipeline) onAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if n, ok := req.Context().Value(attemptCounterKey{}).(*atomic.Int32); ok {
		n.Add(1)
	}
	a := Attempt{Number: attempt + 1, Method: req.Method, URL: req.URL.String()}
	p.logger.Debug().
		Int("attempt", a.Number).
		Str("method", a.Method).
		Str("url", a.URL).
		Msg("outbound attempt")
	for _, o := range p.observers {
		o(req.Context(), a)
	}
}

// Do runs one call through the chain and reads the whole response body while
// the overall deadline is still in force.
func (p *Pipeline) Do(ctx context.Context, r Request) (*Response, error) {
	release, err := p.admission.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if p.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TotalTimeout)
		defer cancel()
	}

	var attempts atomic.Int32
	ctx = context.WithValue(ctx, attemptCounterKey{}, &attempts)

	var body interface{}
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %d attempt(s): %v", ErrTimeout, attempts.Load(), err)
		}
		return nil, fmt.Errorf("%s %s after %d attempt(s): %w", r.Method, r.URL, attempts.Load(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		Attempts:   int(attempts.Load()),
	}, nil
}

// Admission exposes the limiter for health reporting.
func (p *Pipeline) Admission() *Admission {
	return p.admission
}

// Breakers exposes the breaker registry for health reporting.
func (p *Pipeline) Breakers() *BreakerRegistry {
	return p.breakers
}
