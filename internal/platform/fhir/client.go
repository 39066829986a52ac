package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPError is an upstream FHIR failure carrying the response status so
// callers can pass it through or branch on it. Outcome is set when the error
// body was an OperationOutcome.
type HTTPError struct {
	StatusCode int
	Message    string
	Outcome    *OperationOutcome
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fhir: upstream %d: %s", e.StatusCode, e.Message)
}

// retryableMedicationSearch are statuses that move fetch medications on to
// its next parameter shape instead of failing the call.
var retryableMedicationSearch = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusNotFound:            true,
	http.StatusConflict:            true,
	http.StatusUnprocessableEntity: true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// Client is an authenticated FHIR R4 search client. All calls acquire tokens
// through the shared TokenManager and recover from a single 401 per request.
type Client struct {
	base       string
	tokens     *TokenManager
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(base string, tokens *TokenManager, logger zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(base, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "fhir-client").Logger(),
	}
}

// Token exposes the manager so request handlers can fail fast when the FHIR
// server is unreachable.
func (c *Client) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return c.tokens.Token(ctx, forceRefresh)
}

// Get performs an authenticated GET of a server-relative path or an absolute
// URL (page-follow links). `_format=json` is always requested. On 401 the
// token is refreshed once and the same URL retried. Error responses carrying
// an OperationOutcome surface its diagnostics; a 5xx OperationOutcome on a
// search path degrades to an empty searchset instead.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := path
	if !strings.HasPrefix(path, "http") {
		endpoint = c.base + path
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("fhir: parse url %q: %w", endpoint, err)
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	if q.Get("_format") == "" {
		q.Set("_format", "json")
	}
	u.RawQuery = q.Encode()

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("fhir: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/fhir+json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fhir: get %s: %w", u.Path, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("fhir: read response: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			continue
		}
		if resp.StatusCode >= 400 {
			var oo OperationOutcome
			if json.Unmarshal(body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
				if resp.StatusCode >= 500 && isSearchPath(u.Path) {
					c.logger.Warn().Int("status", resp.StatusCode).Str("path", u.Path).
						Msg("search degraded to empty bundle")
					return json.Marshal(NewEmptySearchBundle())
				}
				return nil, &HTTPError{
					StatusCode: resp.StatusCode,
					Message:    "OperationOutcome: " + outcomeDiagnostics(&oo),
					Outcome:    &oo,
				}
			}
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return body, nil
	}
	return nil, &HTTPError{StatusCode: http.StatusUnauthorized, Message: "unauthorized after token refresh"}
}

// GetBundle is Get plus Bundle decoding.
func (c *Client) GetBundle(ctx context.Context, path string, params url.Values) (*Bundle, error) {
	raw, err := c.Get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("fhir: decode bundle: %w", err)
	}
	return &b, nil
}

// ListPatients returns the raw upstream bundle so the HTTP layer can pass it
// through untouched.
func (c *Client) ListPatients(ctx context.Context, count int) (json.RawMessage, error) {
	return c.Get(ctx, "/fhir/Patient", url.Values{"_count": {fmt.Sprint(count)}})
}

// FetchPatient reads a Patient by id, falling back to an `_id` search when
// the direct read 404s. A 404 with an empty fallback propagates.
func (c *Client) FetchPatient(ctx context.Context, id string) (*Patient, error) {
	raw, err := c.Get(ctx, "/fhir/Patient/"+url.PathEscape(id), nil)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			bundle, berr := c.GetBundle(ctx, "/fhir/Patient", url.Values{"_id": {id}})
			if berr != nil {
				return nil, berr
			}
			if len(bundle.Entry) > 0 {
				return parsePatient(bundle.Entry[0].Resource)
			}
		}
		return nil, err
	}
	return parsePatient(raw)
}

// FetchMedications searches MedicationRequest with three parameter shapes in
// order, filtering entries to the requested subject while passing included
// resources through. When no shape yields a MedicationRequest it falls back
// to MedicationStatement, and finally to an empty bundle.
func (c *Client) FetchMedications(ctx context.Context, patientID string) (*Bundle, error) {
	want := "Patient/" + patientID
	shapes := []url.Values{
		{"subject": {want}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
		{"patient": {patientID}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
		{"subject": {patientID}, "_include": {"MedicationRequest:medication"}, "_count": {"50"}},
	}

	for _, params := range shapes {
		b, err := c.GetBundle(ctx, "/fhir/MedicationRequest", params)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) && retryableMedicationSearch[he.StatusCode] {
				continue
			}
			return nil, err
		}

		var entries []BundleEntry
		found := false
		for _, e := range b.Entry {
			p := probeResource(e.Resource)
			if p.ResourceType != "MedicationRequest" {
				entries = append(entries, e)
				continue
			}
			if p.Subject.Reference == want {
				entries = append(entries, e)
				found = true
			}
		}
		if found {
			b.Entry = entries
			return b, nil
		}
	}

	if b, err := c.GetBundle(ctx, "/fhir/MedicationStatement", url.Values{"subject": {want}, "_count": {"50"}}); err == nil {
		var kept []BundleEntry
		for _, e := range b.Entry {
			p := probeResource(e.Resource)
			if p.ResourceType == "MedicationStatement" && p.Subject.Reference == want {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			return &Bundle{ResourceType: "Bundle", Type: "searchset", Entry: kept}, nil
		}
	}

	return NewEmptySearchBundle(), nil
}

// FetchObservations page-follows the Observation search, keeping only
// non-cancelled entries that belong to the requested patient. Paging stops at
// maxItems kept entries, pageLimit pages, a missing next link, or an
// OperationOutcome (returning what was kept so far).
func (c *Client) FetchObservations(ctx context.Context, patientID string, maxItems, pageLimit int) (*Bundle, error) {
	want := "Patient/" + patientID
	next := "/fhir/Observation"
	params := url.Values{"subject": {want}, "_count": {"100"}}

	var kept []BundleEntry
	pages := 0
	for next != "" && pages < pageLimit && len(kept) < maxItems {
		raw, err := c.Get(ctx, next, params)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) && he.Outcome != nil {
				break
			}
			return nil, err
		}
		var b Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("fhir: decode observation page: %w", err)
		}

		for _, e := range b.Entry {
			p := probeResource(e.Resource)
			if p.ResourceType != "Observation" {
				continue
			}
			if p.Subject.Reference != want {
				continue
			}
			if strings.EqualFold(p.Status, "cancelled") {
				continue
			}
			kept = append(kept, e)
			if len(kept) >= maxItems {
				break
			}
		}

		next = ""
		for _, l := range b.Link {
			rel := l.Relation
			if rel == "" {
				rel = l.Rel
			}
			if rel == "next" {
				next = l.URL
				break
			}
		}
		params = nil
		pages++
	}

	total := len(kept)
	return &Bundle{ResourceType: "Bundle", Type: "searchset", Total: &total, Entry: kept}, nil
}

// Patient is the slice of a FHIR Patient the aggregator works with.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Gender       string       `json:"gender,omitempty"`
}

// DisplayName prefers the composed text, then "given family".
func (p *Patient) DisplayName() string {
	if len(p.Name) == 0 {
		return ""
	}
	n := p.Name[0]
	if n.Text != "" {
		return n.Text
	}
	given := ""
	if len(n.Given) > 0 {
		given = n.Given[0]
	}
	return strings.TrimSpace(given + " " + n.Family)
}

func parsePatient(raw json.RawMessage) (*Patient, error) {
	var p Patient
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fhir: decode patient: %w", err)
	}
	return &p, nil
}

// resourceProbe reads just enough of an entry resource to route it.
type resourceProbe struct {
	ResourceType string    `json:"resourceType"`
	Status       string    `json:"status"`
	Subject      Reference `json:"subject"`
}

func probeResource(raw json.RawMessage) resourceProbe {
	var p resourceProbe
	_ = json.Unmarshal(raw, &p)
	return p
}

// NewEmptySearchBundle is the degraded result for failed searches.
func NewEmptySearchBundle() *Bundle {
	total := 0
	return &Bundle{ResourceType: "Bundle", Type: "searchset", Total: &total, Entry: []BundleEntry{}}
}

func isSearchPath(path string) bool {
	return strings.HasSuffix(path, "/fhir/Patient") ||
		strings.HasSuffix(path, "/fhir/Observation") ||
		strings.HasSuffix(path, "/fhir/MedicationRequest")
}

// outcomeDiagnostics flattens OperationOutcome issues into one readable line.
func outcomeDiagnostics(oo *OperationOutcome) string {
	parts := make([]string, 0, len(oo.Issue))
	for _, i := range oo.Issue {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Code, i.Diagnostics))
	}
	return strings.Join(parts, "; ")
}
