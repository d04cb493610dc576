package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

func TestRequestID_EchoesCallerIDs(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	req.Header.Set(CorrelationIDHeader, "corr-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		if cid := c.Get("correlation_id").(string); cid != "corr-1" {
			t.Errorf("expected corr-1, got %s", cid)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != "corr-1" {
		t.Errorf("expected corr-1 in response header, got %s", got)
	}
}

func TestRequestID_StampsOperationID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	handler := func(c echo.Context) error {
		seen = c.Get("request_id").(string)
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opID := rec.Header().Get(OperationIDHeader)
	if len(opID) != 32 {
		t.Fatalf("expected 32 character operation id, got %q", opID)
	}
	if seen != opID {
		t.Errorf("expected request_id to fall back to operation id, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != "" {
		t.Error("expected no X-Request-Id response header when caller sent none")
	}
	if req.Header.Get(RequestIDHeader) != "" {
		t.Error("expected inbound headers to be left untouched")
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Logger(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	resp, ok := err.(*fhir.ErrorResponse)
	if !ok {
		t.Fatalf("expected *fhir.ErrorResponse, got %T", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.Status)
	}
	if resp.Errors[0].Code() != fhir.CodeReceiverServerError {
		t.Errorf("expected REC_SERVER_ERROR, got %s", resp.Errors[0].Code())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOutcome_RendersErrorResponse(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/$process-message", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return fhir.NewErrorResponse(http.StatusBadRequest,
			fhir.MissingRequiredHeaderError("Missing required header: X-Request-Id"),
			fhir.InvalidHeaderError("bad header"))
	}

	if err := Outcome(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != fhir.MediaType {
		t.Errorf("expected %s content type, got %q", fhir.MediaType, ct)
	}

	outcome := decodeOutcome(t, rec)
	if len(outcome.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(outcome.Issue))
	}
	if outcome.Issue[0].Code != fhir.IssueTypeRequired {
		t.Errorf("expected first issue code required, got %s", outcome.Issue[0].Code)
	}
	if outcome.Issue[1].Details.Coding[0].Code != "SEND_BAD_REQUEST" {
		t.Errorf("expected SEND_BAD_REQUEST, got %s", outcome.Issue[1].Details.Coding[0].Code)
	}
}

func TestOutcome_PassesSuccessThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.Blob(http.StatusOK, fhir.MediaType, []byte(`{"resourceType":"Bundle"}`))
	}

	if err := Outcome(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != `{"resourceType":"Bundle"}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestOutcome_IgnoresErrorAfterCommit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		_ = c.String(http.StatusOK, "partial")
		return errors.New("late failure")
	}

	if err := Outcome(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "partial" {
		t.Errorf("expected committed response to be left alone, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestToErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   fhir.ErrorCode
	}{
		{"not found", echo.ErrNotFound, http.StatusNotFound, fhir.CodeSenderBadRequest},
		{"method not allowed", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, fhir.CodeSenderBadRequest},
		{"too many requests", echo.NewHTTPError(http.StatusTooManyRequests, "slow down"), http.StatusTooManyRequests, fhir.CodeTooManyRequests},
		{"echo 5xx", echo.NewHTTPError(http.StatusBadGateway), http.StatusInternalServerError, fhir.CodeReceiverServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, fhir.CodeReceiverServerError},
		{"error response", fhir.NewErrorResponse(http.StatusServiceUnavailable, fhir.APICallError("down")), http.StatusServiceUnavailable, fhir.CodeReceiverUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ToErrorResponse(tt.err)
			if resp.Status != tt.status {
				t.Errorf("status = %d, want %d", resp.Status, tt.status)
			}
			if got := resp.Errors[0].Code(); got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestHTTPErrorHandler_UnknownRoute(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(zerolog.Nop())
	e.GET("/api/v1/ServiceRequest/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/Nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	outcome := decodeOutcome(t, rec)
	if outcome.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %q", outcome.ResourceType)
	}
	if len(outcome.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(outcome.Issue))
	}
}

func TestHTTPErrorHandler_HeadHasNoBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodHead, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(echo.ErrNotFound, c)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

// ---- Helpers ----

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) fhir.OperationOutcome {
	t.Helper()
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("failed to decode outcome: %v", err)
	}
	return outcome
}
