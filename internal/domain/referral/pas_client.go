package referral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wccg/ereferrals/internal/platform/fhir"
	"github.com/wccg/ereferrals/internal/platform/resilience"
)

// PASConfig locates the PAS referral endpoints. GetReferralEndpoint carries an
// {id} placeholder.
type PASConfig struct {
	BaseURL                string
	CreateReferralEndpoint string
	GetReferralEndpoint    string
}

// Forwarder sends a validated payload to the PAS and classifies the result.
type Forwarder interface {
	CreateReferral(ctx context.Context, headers http.Header, body []byte) Outcome
	GetReferral(ctx context.Context, headers http.Header, id string) Outcome
}

// PASClient forwards calls through the resilience pipeline.
type PASClient struct {
	cfg      PASConfig
	pipeline *resilience.Pipeline
}

func NewPASClient(cfg PASConfig, pipeline *resilience.Pipeline) *PASClient {
	return &PASClient{cfg: cfg, pipeline: pipeline}
}

func (c *PASClient) CreateReferral(ctx context.Context, headers http.Header, body []byte) Outcome {
	h := headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", fhir.MediaType)
	return c.call(ctx, resilience.Request{
		Method: http.MethodPost,
		URL:    joinURL(c.cfg.BaseURL, c.cfg.CreateReferralEndpoint),
		Header: h,
		Body:   body,
	})
}

func (c *PASClient) GetReferral(ctx context.Context, headers http.Header, id string) Outcome {
	endpoint := strings.NewReplacer("{id}", id, "{0}", id).Replace(c.cfg.GetReferralEndpoint)
	return c.call(ctx, resilience.Request{
		Method: http.MethodGet,
		URL:    joinURL(c.cfg.BaseURL, endpoint),
		Header: headers,
	})
}

func (c *PASClient) call(ctx context.Context, req resilience.Request) Outcome {
	resp, err := c.pipeline.Do(ctx, req)
	if err != nil {
		return classifyCallError(err)
	}
	return classifyResponse(resp.StatusCode, resp.Body, resp.Attempts)
}

func joinURL(base, endpoint string) string {
	if base == "" {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func classifyCallError(err error) Outcome {
	if errors.Is(err, resilience.ErrRateLimited) {
		return Outcome{
			Kind:   OutcomeThrottled,
			Status: http.StatusTooManyRequests,
			Errors: []fhir.HTTPError{fhir.TooManyRequestsError("Too many concurrent calls to the Receiver. Retry later.")},
			Cause:  err,
		}
	}
	return Outcome{
		Kind:   OutcomeTransportFailure,
		Status: http.StatusServiceUnavailable,
		Errors: []fhir.HTTPError{fhir.APICallError(err.Error())},
		Cause:  err,
	}
}

// classifyResponse maps a final backend response. A backend 500 is reported
// outward as 503.
func classifyResponse(status int, body []byte, attempts int) Outcome {
	if status >= 200 && status < 300 {
		return Outcome{Kind: OutcomeSuccess, Status: status, Body: body, Attempts: attempts}
	}

	outward := status
	if status == http.StatusInternalServerError {
		outward = http.StatusServiceUnavailable
	}
	errs := BackendErrors(status, body)
	return Outcome{
		Kind:     OutcomeBackendRejected,
		Status:   outward,
		Errors:   errs,
		Attempts: attempts,
		Cause:    fmt.Errorf("PAS responded %d", status),
	}
}

// problemDetails is an RFC 7807 body with extension members kept in order.
type problemDetails struct {
	Detail     *string
	Extensions []extension
}

type extension struct {
	Key   string
	Value json.RawMessage
}

var problemMembers = map[string]bool{"type": true, "title": true, "status": true, "detail": true, "instance": true}

func parseProblemDetails(body []byte) (*problemDetails, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("problem details: expected object")
	}

	pd := &problemDetails{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if key == "detail" {
			var s *string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("problem details: detail: %w", err)
			}
			pd.Detail = s
			continue
		}
		if problemMembers[key] {
			continue
		}
		pd.Extensions = append(pd.Extensions, extension{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pd, nil
}

// BackendErrors turns a non-success backend body into taxonomy entries. A body
// that is not problem details is reported under the status table code.
func BackendErrors(status int, body []byte) []fhir.HTTPError {
	pd, err := parseProblemDetails(body)
	if err != nil {
		raw := strings.TrimSpace(string(body))
		if raw == "" {
			raw = statusMessage(status)
		}
		return []fhir.HTTPError{fhir.BackendResponseError(backendCode(status), raw)}
	}

	for _, ext := range pd.Extensions {
		if ext.Key != "validationErrors" {
			continue
		}
		var messages []string
		if err := json.Unmarshal(ext.Value, &messages); err != nil {
			break
		}
		if len(messages) == 0 {
			return []fhir.HTTPError{fhir.BackendResponseError(fhir.CodeReceiverBadRequest, statusMessage(status))}
		}
		errs := make([]fhir.HTTPError, 0, len(messages))
		for _, m := range messages {
			errs = append(errs, fhir.BackendResponseError(fhir.CodeReceiverBadRequest, m))
		}
		return errs
	}

	if len(pd.Extensions) > 0 {
		parts := make([]string, 0, len(pd.Extensions))
		for _, ext := range pd.Extensions {
			var compact bytes.Buffer
			if err := json.Compact(&compact, ext.Value); err != nil {
				compact.Write(ext.Value)
			}
			parts = append(parts, ext.Key+": "+compact.String())
		}
		return []fhir.HTTPError{fhir.BackendResponseError(fhir.CodeReceiverUnavailable, strings.Join(parts, ";"))}
	}

	if pd.Detail == nil {
		return []fhir.HTTPError{fhir.BackendResponseError(fhir.CodeReceiverUnavailable, "Unexpected error")}
	}

	return []fhir.HTTPError{fhir.BackendResponseError(backendCode(status), *pd.Detail)}
}

func statusMessage(status int) string {
	return fmt.Sprintf("PAS API call failed with status %d", status)
}

func backendCode(status int) fhir.ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return fhir.CodeReceiverBadRequest
	case http.StatusTooManyRequests:
		return fhir.CodeTooManyRequests
	default:
		return fhir.CodeReceiverUnavailable
	}
}
