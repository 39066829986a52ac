// Package ai talks to the analysis sidecar. Upstream responses arrive in
// loosely agreed shapes, so both entry points normalize aggressively:
// knowledge search always yields a flat hit list and analyze always yields a
// stable Response, whatever the model returned.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	searchTimeout  = 30 * time.Second
	analyzeTimeout = 60 * time.Second
)

// listContainers are the envelope keys a knowledge-search response may bury
// its hit list under, probed in order.
var listContainers = []string{"results", "hits", "items", "data"}

// insightKeys are the projected analyze fields. A dict carrying any of them
// is treated as structured insights.
var insightKeys = []string{"key_findings", "next_best_actions", "patient_friendly_advice", "risk_score"}

// Kind tags the shape CoerceInsights resolved an analyze payload to.
type Kind int

const (
	KindEmpty Kind = iota
	KindInsights
	KindSummary
	KindBullets
	KindRaw
)

// Response is the stable analyze payload. Only the fields matching its Kind
// are populated; Status is "ok" for every coerced shape and "degraded" when
// the aggregator substitutes a failure placeholder.
type Response struct {
	Kind Kind `json:"-"`

	Status                string            `json:"status"`
	Reason                string            `json:"reason,omitempty"`
	KeyFindings           json.RawMessage   `json:"key_findings,omitempty"`
	NextBestActions       json.RawMessage   `json:"next_best_actions,omitempty"`
	PatientFriendlyAdvice json.RawMessage   `json:"patient_friendly_advice,omitempty"`
	RiskScore             json.RawMessage   `json:"risk_score,omitempty"`
	Summary               string            `json:"summary,omitempty"`
	Bullets               []json.RawMessage `json:"bullets,omitempty"`
	Raw                   json.RawMessage   `json:"raw,omitempty"`
}

// Degraded is the placeholder emitted when analyze fails.
func Degraded(reason string) Response {
	return Response{Kind: KindEmpty, Status: "degraded", Reason: reason}
}

// Hit is one knowledge-search result. Raw preserves the full upstream object
// for context passing; the typed fields drive filtering and citations.
type Hit struct {
	Score  float64
	Source string
	Title  string
	URL    string
	Raw    json.RawMessage
}

// Client wraps the sidecar behind a circuit breaker so a flapping model
// service fails fast instead of stalling every insights request.
type Client struct {
	base       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

func NewClient(base string, logger zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: analyzeTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		logger: logger.With().Str("component", "ai-client").Logger(),
	}
}

// KnowledgeSearch posts the query and normalizes the response to a hit list:
// a bare array is taken as-is, an enveloped list is unwrapped, anything else
// is an empty result.
func (c *Client) KnowledgeSearch(ctx context.Context, query string, k int) ([]Hit, error) {
	raw, err := c.post(ctx, "/ai/knowledge-search", map[string]interface{}{
		"query":       query,
		"max_results": k,
	}, searchTimeout)
	if err != nil {
		return nil, err
	}
	return coerceHits(raw), nil
}

// Analyze runs the given task over the prepared patient context.
func (c *Client) Analyze(ctx context.Context, contextPayload interface{}, task string) (Response, error) {
	raw, err := c.post(ctx, "/ai/analyze", map[string]interface{}{
		"task":    task,
		"context": contextPayload,
	}, analyzeTimeout)
	if err != nil {
		return Response{}, err
	}
	return CoerceInsights(raw), nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ai: marshal payload: %w", err)
		}
		req, err := http.NewRequestWithContext(pctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("ai: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ai: post %s: %w", path, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("ai: read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("ai: %s returned %d", path, resp.StatusCode)
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

// CoerceInsights maps an arbitrary analyze payload onto a Response. Dicts
// carrying any insight key are projected; other dicts are wrapped whole under
// raw; strings become a clipped summary; arrays become clipped bullets;
// everything else is empty.
func CoerceInsights(raw json.RawMessage) Response {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Response{Kind: KindEmpty, Status: "ok"}
	}

	switch trimmed[0] {
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			break
		}
		r := Response{Kind: KindInsights, Status: "ok"}
		found := false
		if v, ok := m["key_findings"]; ok {
			r.KeyFindings = v
			found = true
		}
		if v, ok := m["next_best_actions"]; ok {
			r.NextBestActions = v
			found = true
		}
		if v, ok := m["patient_friendly_advice"]; ok {
			r.PatientFriendlyAdvice = v
			found = true
		}
		if v, ok := m["risk_score"]; ok {
			r.RiskScore = v
			found = true
		}
		if found {
			return r
		}
		return Response{Kind: KindRaw, Status: "ok", Raw: trimmed}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Response{Kind: KindSummary, Status: "ok", Summary: clipRunes(s, 1200)}
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil {
			if len(items) > 10 {
				items = items[:10]
			}
			return Response{Kind: KindBullets, Status: "ok", Bullets: items}
		}
	}
	return Response{Kind: KindEmpty, Status: "ok"}
}

func coerceHits(raw json.RawMessage) []Hit {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil
		}
		for _, key := range listContainers {
			v, ok := m[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(v, &items); err == nil {
				break
			}
			items = nil
		}
	default:
		return nil
	}

	hits := make([]Hit, 0, len(items))
	for _, it := range items {
		hits = append(hits, parseHit(it))
	}
	return hits
}

func parseHit(raw json.RawMessage) Hit {
	h := Hit{Raw: raw}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	// relevance_score wins over score when both appear.
	h.Score = numberField(m, "relevance_score", "score")
	h.Source = stringField(m, "source")
	h.Title = stringField(m, "title", "name")
	h.URL = stringField(m, "url", "link")
	return h
}

func numberField(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v != 0 {
				return v
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil && f != 0 {
				return f
			}
		}
	}
	return 0
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
