package main

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/wccg/ereferrals/internal/platform/db"
)

type admissionStatus struct {
	InFlight int64 `json:"in_flight"`
	Queued   int64 `json:"queued"`
}

type breakerStatus struct {
	Host  string `json:"host"`
	State string `json:"state"`
}

type healthReport struct {
	Status    string          `json:"status"`
	Admission admissionStatus `json:"admission"`
	Breaker   breakerStatus   `json:"breaker"`
	AuditDB   *db.PoolStats   `json:"audit_db,omitempty"`
}

// health reports liveness with the outbound pipeline state. An unreachable
// audit database turns the report into a 503.
func (g *gateway) health(pasBaseURL string) echo.HandlerFunc {
	host := ""
	if u, err := url.Parse(pasBaseURL); err == nil {
		host = u.Host
	}

	return func(c echo.Context) error {
		report := healthReport{
			Status: "ok",
			Admission: admissionStatus{
				InFlight: g.pipeline.Admission().InFlight(),
				Queued:   g.pipeline.Admission().Queued(),
			},
			Breaker: breakerStatus{
				Host:  host,
				State: g.pipeline.Breakers().State(host).String(),
			},
		}

		status := http.StatusOK
		if g.pool != nil {
			report.AuditDB = db.Check(c.Request().Context(), g.pool)
			if !report.AuditDB.Healthy {
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		return c.JSON(status, report)
	}
}
