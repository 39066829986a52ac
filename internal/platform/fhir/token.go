package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// candidateTokenPaths are probed in order when no explicit token URL is
// configured.
var candidateTokenPaths = []string{"/oauth/token", "/token", "/auth/token", "/oauth2/token"}

const (
	tokenExpirySkew    = 60 * time.Second
	defaultTokenTTL    = 1800 * time.Second
	tokenRetryAttempts = 3
	tokenRetryBase     = 400 * time.Millisecond
)

// TokenManager owns the process-wide FHIR access token. Reads are served from
// cache while the token has more than a minute of life left; concurrent
// refreshes collapse to a single upstream call.
type TokenManager struct {
	base         string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       zerolog.Logger

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

// NewTokenManager builds a manager for the FHIR server at base. tokenURL may
// be empty (candidate paths are probed), absolute, or path-relative.
func NewTokenManager(base, tokenURL, clientID, clientSecret string, logger zerolog.Logger) *TokenManager {
	return &TokenManager{
		base:         strings.TrimRight(base, "/"),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With().Str("component", "fhir-token").Logger(),
	}
}

// Token returns a valid access token, refreshing when the cached one is
// missing, expiring within the skew window, or forceRefresh is set.
func (tm *TokenManager) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		tm.mu.RLock()
		if tok, ok := tm.cachedLocked(); ok {
			tm.mu.RUnlock()
			return tok, nil
		}
		tm.mu.RUnlock()
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	// Another caller may have refreshed while we waited on the lock.
	if !forceRefresh {
		if tok, ok := tm.cachedLocked(); ok {
			return tok, nil
		}
	}
	return tm.refreshLocked(ctx)
}

func (tm *TokenManager) cachedLocked() (string, bool) {
	if tm.token != "" && time.Now().Before(tm.expiry.Add(-tokenExpirySkew)) {
		return tm.token, true
	}
	return "", false
}

func (tm *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	tm.warmUp(ctx)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tm.clientID},
		"client_secret": {tm.clientSecret},
	}

	var paths []string
	if tm.tokenURL != "" {
		paths = []string{tm.tokenURL}
	} else {
		paths = candidateTokenPaths
	}

	for _, p := range paths {
		endpoint := p
		if !strings.HasPrefix(p, "http") {
			endpoint = tm.base + p
		}
		tok, ttl, err := tm.tryEndpoint(ctx, endpoint, form)
		if err == nil {
			tm.token = tok
			tm.expiry = time.Now().Add(ttl)
			tm.logger.Debug().Str("endpoint", endpoint).Dur("ttl", ttl).Msg("token refreshed")
			return tok, nil
		}
		if errNextPath(err) {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("fhir: token acquisition failed against all endpoints")
}

// tryEndpoint POSTs the client-credentials form, retrying transport errors
// and 5xx with exponential backoff. A 404 signals the caller to move to the
// next candidate path; other 4xx propagate.
func (tm *TokenManager) tryEndpoint(ctx context.Context, endpoint string, form url.Values) (string, time.Duration, error) {
	delay := tokenRetryBase
	var lastErr error
	for attempt := 0; attempt < tokenRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", 0, fmt.Errorf("fhir: build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := tm.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fhir: token post %s: %w", endpoint, err)
			if !sleepCtx(ctx, delay) {
				return "", 0, ctx.Err()
			}
			delay *= 2
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("fhir: read token response: %w", readErr)
			if !sleepCtx(ctx, delay) {
				return "", 0, ctx.Err()
			}
			delay *= 2
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Message: "token endpoint error"}
			if !sleepCtx(ctx, delay) {
				return "", 0, ctx.Err()
			}
			delay *= 2
			continue
		case resp.StatusCode == http.StatusNotFound:
			return "", 0, errTryNextPath
		case resp.StatusCode >= 400:
			return "", 0, &HTTPError{StatusCode: resp.StatusCode, Message: "token request rejected"}
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", 0, fmt.Errorf("fhir: decode token response: %w", err)
		}
		tok := tr.AccessToken
		if tok == "" {
			tok = tr.AccessTokenAlt
		}
		if tok == "" {
			return "", 0, fmt.Errorf("fhir: token endpoint returned no access_token")
		}
		return tok, tokenTTL(tok, tr.ExpiresIn), nil
	}
	return "", 0, lastErr
}

// warmUp issues a best-effort health probe before the token exchange. Some
// sandboxes cold-start on first contact; the result is ignored.
func (tm *TokenManager) warmUp(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(wctx, http.MethodGet, tm.base+"/health", nil)
	if err != nil {
		return
	}
	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

type tokenResponse struct {
	AccessToken    string      `json:"access_token"`
	AccessTokenAlt string      `json:"accessToken"`
	ExpiresIn      json.Number `json:"expires_in"`
}

// tokenTTL resolves the token lifetime: expires_in when present, otherwise
// the JWT exp claim, otherwise a 30 minute default.
func tokenTTL(tok string, expiresIn json.Number) time.Duration {
	if expiresIn.String() != "" {
		if n, err := expiresIn.Int64(); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if ttl := time.Until(exp.Time); ttl > 0 {
				return ttl
			}
		}
	}
	return defaultTokenTTL
}

var errTryNextPath = fmt.Errorf("fhir: token path not found")

func errNextPath(err error) bool {
	return err == errTryNextPath
}

// sleepCtx sleeps for d unless the context is cancelled first. It reports
// whether the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
