package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerRegistry keeps one circuit breaker per outbound host.
type BreakerRegistry struct {
	cfg      BreakerConfig
	logger   zerolog.Logger
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerRegistry(cfg BreakerConfig, logger zerolog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for host, creating it on first use.
func (r *BreakerRegistry) Get(host string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[host]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(r.settings(host))
	r.breakers[host] = cb
	return cb
}

// State reports the breaker state for host; hosts never called are closed.
func (r *BreakerRegistry) State(host string) gobreaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cb, ok := r.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (r *BreakerRegistry) settings(host string) gobreaker.Settings {
	minThroughput := uint32(r.cfg.MinimumThroughput)
	if minThroughput == 0 {
		minThroughput = 1
	}
	ratio := r.cfg.FailureRatio

	return gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    r.cfg.SamplingDuration,
		Timeout:     r.cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minThroughput {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: func(err error) bool {
			// A caller walking away is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().
				Str("target", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
}

// IsBreakerOpen reports whether err was produced by a breaker refusing a call.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// failureStatusError carries a response the breaker must count as a failure
// while still handing it back to the retry stage.
type failureStatusError struct {
	resp *http.Response
}

func (e *failureStatusError) Error() string {
	return fmt.Sprintf("backend responded %d", e.resp.StatusCode)
}

func isBreakerFailureStatus(code int) bool {
	return code == http.StatusRequestTimeout || code >= http.StatusInternalServerError
}

// breakerTransport routes each attempt through the breaker of its host.
type breakerTransport struct {
	registry *BreakerRegistry
	next     http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.registry.Get(req.URL.Host)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if isBreakerFailureStatus(resp.StatusCode) {
			return resp, &failureStatusError{resp: resp}
		}
		return resp, nil
	})

	var statusErr *failureStatusError
	if errors.As(err, &statusErr) {
		return statusErr.resp, nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}
