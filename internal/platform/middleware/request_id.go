package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Tracing headers.
const (
	RequestIDHeader     = "X-Request-Id"
	CorrelationIDHeader = "X-Correlation-Id"
	OperationIDHeader   = "X-Operation-Id"
)

// RequestID echoes the caller's request and correlation ids on the response
// and stamps a fresh operation id. The inbound headers are never rewritten, so
// a missing X-Request-Id is still reported by header validation.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response().Header()

			opID := strings.ReplaceAll(uuid.NewString(), "-", "")
			res.Set(OperationIDHeader, opID)
			c.Set("operation_id", opID)

			rid := req.Header.Get(RequestIDHeader)
			if rid != "" {
				res.Set(RequestIDHeader, rid)
			} else {
				rid = opID
			}
			c.Set("request_id", rid)

			if cid := req.Header.Get(CorrelationIDHeader); cid != "" {
				res.Set(CorrelationIDHeader, cid)
				c.Set("correlation_id", cid)
			}

			return next(c)
		}
	}
}
