package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAttemptTimeout marks a single attempt that ran out of its own budget.
var ErrAttemptTimeout = errors.New("resilience: attempt timed out")

// ErrTimeout marks a call whose overall budget ran out, retries included.
var ErrTimeout = errors.New("resilience: operation timed out")

// attemptTimeoutTransport bounds one round trip, body included. The body is
// buffered under the attempt deadline so a stalled read fails the attempt
// rather than the call.
type attemptTimeoutTransport struct {
	timeout time.Duration
	next    http.RoundTripper
}

func (t *attemptTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.next.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	defer cancel()

	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, t.attemptError(ctx, req, err)
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, t.attemptError(ctx, req, fmt.Errorf("read response body: %w", err))
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp, nil
}

// attemptError reports ErrAttemptTimeout when only this attempt's deadline
// expired; a cancelled or expired caller context is passed through.
func (t *attemptTimeoutTransport) attemptError(ctx context.Context, req *http.Request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && req.Context().Err() == nil {
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, t.timeout)
	}
	return err
}
