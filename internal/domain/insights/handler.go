package insights

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

// Handler exposes the insights endpoint.
type Handler struct {
	svc     *Service
	metrics *telemetry.PipelineMetricsRecorder
}

func NewHandler(svc *Service, metrics *telemetry.PipelineMetricsRecorder) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/insights", h.GetInsights)
}

// GetInsights handles GET /patients/:id/insights. Enrichment failures come
// back inside the document as status "partial"; only token acquisition (504)
// and patient resolution (404) map to error responses.
func (h *Handler) GetInsights(c echo.Context) error {
	opts := Options{
		Strict:   boolParam(c.QueryParam("strict"), true),
		MaxFDA:   intParam(c.QueryParam("max_fda"), 3),
		MaxLabs:  intParam(c.QueryParam("max_labs"), 10),
		DemoMeds: splitCSV(c.QueryParam("demo_meds")),
	}

	doc, err := h.svc.Compose(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		h.count("error")
		var nf *notFoundError
		if errors.As(err, &nf) {
			return echo.NewHTTPError(http.StatusNotFound, nf.Error())
		}
		var te *tokenError
		if errors.As(err, &te) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, te.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	h.count(doc.Status)
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) count(status string) {
	if h.metrics != nil {
		h.metrics.InsightsRequest(status)
	}
}

func boolParam(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
