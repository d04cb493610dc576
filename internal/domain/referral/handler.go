package referral

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wccg/ereferrals/internal/platform/fhir"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/$process-message", h.ProcessMessage)
	api.GET("/ServiceRequest/:id", h.GetServiceRequest)
}

// ProcessMessage accepts a referral message bundle and relays the PAS
// response body on success.
func (h *Handler) ProcessMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var resp *fhir.ErrorResponse
		if errors.As(err, &resp) {
			return resp
		}
		return fhir.NewErrorResponse(http.StatusBadRequest,
			fhir.BundleDeserializationError(err.Error())).WithCause(err)
	}

	o := h.svc.ProcessMessage(c.Request().Context(), HeadersFromHTTP(c.Request().Header), body)
	return respond(c, o)
}

func (h *Handler) GetServiceRequest(c echo.Context) error {
	o := h.svc.GetReferral(c.Request().Context(), HeadersFromHTTP(c.Request().Header), c.Param("id"))
	return respond(c, o)
}

func respond(c echo.Context, o Outcome) error {
	if !o.OK() {
		return o.ErrorResponse()
	}
	return c.Blob(http.StatusOK, fhir.MediaType, o.Body)
}
