package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/pkg/pagination"
)

// Handler exposes the patient listing endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
}

// ListPatients handles GET /patients. Upstream FHIR HTTP failures keep
// their status code; anything else maps to 502.
func (h *Handler) ListPatients(c echo.Context) error {
	params := pagination.FromContext(c)

	raw, err := h.svc.List(c.Request().Context(), params.Count)
	if err != nil {
		var te *tokenError
		if errors.As(err, &te) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, te.Error())
		}
		var he *fhir.HTTPError
		if errors.As(err, &he) {
			return echo.NewHTTPError(he.StatusCode, he.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, "FHIR list failed: "+err.Error())
	}
	return c.JSONBlob(http.StatusOK, raw)
}
