package resilience

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether a backend status triggers another attempt.
func IsRetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// checkRetry retries transport errors, attempt timeouts and the retryable
// statuses. It stops once the overall deadline has passed or the breaker is
// refusing calls.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		if IsBreakerOpen(err) {
			return false, err
		}
		return true, nil
	}
	return IsRetryableStatus(resp.StatusCode), nil
}

// jitteredBackoff returns a fixed or exponential delay with jitter over the
// upper half of the interval. A Retry-After on 429/503 wins when it is shorter
// than max.
func jitteredBackoff(exponential bool) retryablehttp.Backoff {
	return func(base, max time.Duration, attempt int, resp *http.Response) time.Duration {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
			if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s >= 0 {
				if d := time.Duration(s) * time.Second; d <= max {
					return d
				}
			}
		}

		d := base
		if exponential {
			for i := 0; i < attempt && d < max; i++ {
				d *= 2
			}
		}
		if d > max {
			d = max
		}
		if d <= 0 {
			return 0
		}
		half := d / 2
		return half + time.Duration(rand.Int63n(int64(d-half)+1))
	}
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
