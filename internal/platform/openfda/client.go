// Package openfda queries the drug-label service, trying the interactions
// endpoint first and falling back to the general label search.
package openfda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

const retryPause = 300 * time.Millisecond

// Fragment is one drug's query result: the endpoint that answered and its
// raw payload. Both stay empty when every endpoint failed.
type Fragment struct {
	Drug     string          `json:"drug"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Client struct {
	base       string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(base string, logger zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "openfda-client").Logger(),
	}
}

// QueryDrug normalizes the drug name and probes the candidate endpoints in
// order. A 5xx pauses briefly before the next endpoint; other failures move
// on immediately. The first success wins; when nothing answers the returned
// Fragment carries only the drug name.
func (c *Client) QueryDrug(ctx context.Context, drug string) (Fragment, error) {
	q := NormalizeDrugName(drug)
	frag := Fragment{Drug: drug}

	for _, kind := range []string{"interactions", "label"} {
		endpoint := fmt.Sprintf("/drug/%s.json?search=%s", kind, q)
		reqURL := c.base + fmt.Sprintf("/drug/%s.json?", kind) + url.Values{"search": {q}}.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return frag, fmt.Errorf("openfda: build request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return frag, ctx.Err()
			}
			c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("endpoint unreachable")
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			if !pause(ctx, retryPause) {
				return frag, ctx.Err()
			}
			continue
		}
		if resp.StatusCode >= 400 || readErr != nil {
			continue
		}
		if !json.Valid(body) {
			return frag, fmt.Errorf("openfda: %s returned invalid JSON", endpoint)
		}

		frag.Endpoint = endpoint
		frag.Payload = body
		return frag, nil
	}
	return frag, nil
}

// NormalizeDrugName folds a drug name for querying: NFKD decomposition,
// non-ASCII stripped, trimmed, lowercased. Distinct from the alphanumeric
// fold used for PID-3 matching.
func NormalizeDrugName(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
