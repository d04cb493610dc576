package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

// Outcome renders every error returned by the handler chain as a FHIR
// OperationOutcome. It is the only place failures are written to the wire.
func Outcome(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if c.Response().Committed {
				logger.Warn().Err(err).Msg("error after response was committed")
				return nil
			}
			return WriteOutcome(c, logger, err)
		}
	}
}

// HTTPErrorHandler is installed as echo's error handler so errors raised
// outside the middleware chain use the same envelope.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if werr := WriteOutcome(c, logger, err); werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

// ToErrorResponse classifies any error into the taxonomy.
func ToErrorResponse(err error) *fhir.ErrorResponse {
	var resp *fhir.ErrorResponse
	if errors.As(err, &resp) {
		return resp
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		switch {
		case he.Code == http.StatusTooManyRequests:
			return fhir.NewErrorResponse(he.Code, fhir.TooManyRequestsError(msg)).WithCause(err)
		case he.Code >= 400 && he.Code < 500:
			return fhir.NewErrorResponse(he.Code, fhir.RequestError(msg)).WithCause(err)
		}
	}

	return fhir.NewErrorResponse(http.StatusInternalServerError, fhir.UnexpectedError(err.Error())).WithCause(err)
}

// WriteOutcome logs err and writes its envelope.
func WriteOutcome(c echo.Context, logger zerolog.Logger, err error) error {
	resp := ToErrorResponse(err)

	evt := logger.Warn()
	if resp.Status >= http.StatusInternalServerError {
		evt = logger.Error()
	}
	rid, _ := c.Get("request_id").(string)
	evt.Err(err).
		Str("request_id", rid).
		Int("status", resp.Status).
		Int("issues", len(resp.Errors)).
		Msg("request failed")

	body, merr := json.Marshal(resp.Outcome())
	if merr != nil {
		return merr
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(resp.Status)
	}
	return c.Blob(resp.Status, fhir.MediaType, body)
}
