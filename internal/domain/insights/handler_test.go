package insights

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

func newTestAPI(t *testing.T) (*echo.Echo, *upstreams, *telemetry.TelemetryProvider) {
	t.Helper()
	svc, u := newTestService(t)
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{ServiceName: "test"})
	e := echo.New()
	NewHandler(svc, tp.Pipeline()).RegisterRoutes(e.Group(""))
	return e, u, tp
}

func TestHandler_InsightsOK(t *testing.T) {
	e, u, tp := newTestAPI(t)
	serveToken(u.fhir)
	servePatient(u.fhir, "p1", map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	serveJSON(u.fhir, "/fhir/MedicationRequest", searchset())
	serveJSON(u.fhir, "/fhir/Observation", searchset())
	serveJSON(u.feed, "/hl7/messages", []map[string]interface{}{})
	serveJSON(u.ai, "/ai/knowledge-search", []map[string]interface{}{})
	serveJSON(u.ai, "/ai/analyze", "Consider hydration.")

	req := httptest.NewRequest(http.MethodGet, "/patients/p1/insights", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var doc Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Status != "ok" {
		t.Errorf("status = %q, unavailable = %v", doc.Status, doc.UnavailableSources)
	}
	if doc.AIInsights.Summary != "Consider hydration." {
		t.Errorf("ai summary = %q", doc.AIInsights.Summary)
	}
	if doc.UnavailableSources == nil || doc.Citations == nil {
		t.Error("empty collections must serialize as [], not null")
	}
	if n := tp.GetCounter("insights.requests.total", "ok"); n != 1 {
		t.Errorf("ok counter = %d, want 1", n)
	}
}

func TestHandler_InsightsQueryParams(t *testing.T) {
	e, u, _ := newTestAPI(t)
	serveToken(u.fhir)
	servePatient(u.fhir, "p1", map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	serveJSON(u.fhir, "/fhir/MedicationRequest", searchset())
	serveJSON(u.fhir, "/fhir/Observation", searchset())
	serveJSON(u.feed, "/hl7/messages", []map[string]interface{}{})
	serveJSON(u.fda, "/drug/interactions.json", map[string]interface{}{"results": []string{"r"}})
	serveJSON(u.ai, "/ai/knowledge-search", []map[string]interface{}{})
	serveJSON(u.ai, "/ai/analyze", map[string]interface{}{"summary": "demo"})

	req := httptest.NewRequest(http.MethodGet, "/patients/p1/insights?demo_meds=warfarin,%20aspirin&max_fda=1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var doc Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Citations) == 0 || doc.Citations[0]["source"] != "DemoOverride" {
		t.Errorf("citations = %v, want DemoOverride first", doc.Citations)
	}
	if len(doc.DrugInteractions) != 2 {
		t.Errorf("interactions = %+v, want both demo meds", doc.DrugInteractions)
	}
}

func TestHandler_InsightsMismatch404(t *testing.T) {
	e, u, tp := newTestAPI(t)
	serveToken(u.fhir)
	servePatient(u.fhir, "alias", map[string]interface{}{"resourceType": "Patient", "id": "real"})

	req := httptest.NewRequest(http.MethodGet, "/patients/alias/insights", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if n := tp.GetCounter("insights.requests.total", "error"); n != 1 {
		t.Errorf("error counter = %d, want 1", n)
	}
}

func TestHandler_InsightsNonStrict200(t *testing.T) {
	e, u, _ := newTestAPI(t)
	serveToken(u.fhir)
	servePatient(u.fhir, "alias", map[string]interface{}{"resourceType": "Patient", "id": "real"})
	serveJSON(u.fhir, "/fhir/MedicationRequest", searchset())
	serveJSON(u.fhir, "/fhir/Observation", searchset())
	serveJSON(u.feed, "/hl7/messages", []map[string]interface{}{})
	serveJSON(u.ai, "/ai/knowledge-search", []map[string]interface{}{})
	serveJSON(u.ai, "/ai/analyze", map[string]interface{}{"summary": "s"})

	req := httptest.NewRequest(http.MethodGet, "/patients/alias/insights?strict=false", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with strict=false", rec.Code)
	}
}

func TestHandler_InsightsTokenFailure504(t *testing.T) {
	e, u, _ := newTestAPI(t)
	u.fhir.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/patients/p1/insights", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestParamHelpers(t *testing.T) {
	if !boolParam("", true) || boolParam("", false) {
		t.Error("empty bool must keep default")
	}
	if boolParam("false", true) || !boolParam("1", false) {
		t.Error("explicit bool must win")
	}
	if !boolParam("nope", true) {
		t.Error("unparseable bool must keep default")
	}
	if intParam("", 3) != 3 || intParam("7", 3) != 7 || intParam("x", 3) != 3 {
		t.Error("int param defaults")
	}
	got := splitCSV(" warfarin, aspirin ,,")
	if len(got) != 2 || got[0] != "warfarin" || got[1] != "aspirin" {
		t.Errorf("splitCSV = %v", got)
	}
	if splitCSV("") != nil {
		t.Error("empty CSV should be nil")
	}
}
