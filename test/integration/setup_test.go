// Package integration wires real workers and the insights API against
// miniredis and httptest upstreams.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oncopulse/pulse/internal/domain/insights"
	"github.com/oncopulse/pulse/internal/domain/normalize"
	"github.com/oncopulse/pulse/internal/platform/ai"
	"github.com/oncopulse/pulse/internal/platform/broker"
	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/internal/platform/hl7feed"
	"github.com/oncopulse/pulse/internal/platform/openfda"
	"github.com/oncopulse/pulse/internal/platform/telemetry"
)

func testBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewFromClient(rdb)
}

// runNormalizer starts a normalize worker with a short block timeout and
// registers a cleanup that stops it.
func runNormalizer(t *testing.T, br *broker.Client) *normalize.Worker {
	t.Helper()
	w := normalize.NewWorker(br, nil, zerolog.Nop())
	w.Block = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("normalize worker did not stop after cancel")
		}
	})
	return w
}

func waitForStreamLen(t *testing.T, br *broker.Client, stream string, want int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := br.Len(context.Background(), stream)
		if err == nil && n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := br.Len(context.Background(), stream)
	t.Fatalf("stream %s did not reach length %d in %v (at %d)", stream, want, timeout, n)
}

// upstreams bundles one mux per external source; tests register handlers on
// whichever sources the scenario touches.
type upstreams struct {
	fhir *http.ServeMux
	feed *http.ServeMux
	fda  *http.ServeMux
	ai   *http.ServeMux
}

// newInsightsAPI builds the full echo app: insights handler over real clients
// pointed at per-test upstream servers.
func newInsightsAPI(t *testing.T) (*echo.Echo, *upstreams, *telemetry.TelemetryProvider) {
	t.Helper()
	u := &upstreams{
		fhir: http.NewServeMux(),
		feed: http.NewServeMux(),
		fda:  http.NewServeMux(),
		ai:   http.NewServeMux(),
	}
	fhirSrv := httptest.NewServer(u.fhir)
	feedSrv := httptest.NewServer(u.feed)
	fdaSrv := httptest.NewServer(u.fda)
	aiSrv := httptest.NewServer(u.ai)
	t.Cleanup(func() {
		fhirSrv.Close()
		feedSrv.Close()
		fdaSrv.Close()
		aiSrv.Close()
	})

	tm := fhir.NewTokenManager(fhirSrv.URL, "", "cid", "sec", zerolog.Nop())
	svc := insights.NewService(
		fhir.NewClient(fhirSrv.URL, tm, zerolog.Nop()),
		hl7feed.NewClient(feedSrv.URL, zerolog.Nop()),
		openfda.NewClient(fdaSrv.URL, zerolog.Nop()),
		ai.NewClient(aiSrv.URL, zerolog.Nop()),
		zerolog.Nop(),
	)

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{ServiceName: "integration"})
	e := echo.New()
	insights.NewHandler(svc, tp.Pipeline()).RegisterRoutes(e.Group(""))
	return e, u, tp
}

func serveJSON(mux *http.ServeMux, pattern string, v interface{}) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	})
}

func serveToken(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok",
			"expires_in":   3600,
		})
	})
}

func patientResource(id string, identifiers ...string) map[string]interface{} {
	ids := make([]map[string]interface{}, 0, len(identifiers))
	for _, v := range identifiers {
		ids = append(ids, map[string]interface{}{"value": v})
	}
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"identifier":   ids,
		"name":         []map[string]interface{}{{"given": []string{"Jane"}, "family": "Doe"}},
		"birthDate":    "1980-01-01",
		"gender":       "female",
	}
}

func searchset(resources ...map[string]interface{}) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(resources),
		"entry":        entries,
	}
}

// getInsights performs one GET against the app and decodes the response body.
func getInsights(t *testing.T, e *echo.Echo, target string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response (%d): %v: %s", rec.Code, err, rec.Body.String())
	}
	return rec.Code, body
}
