package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func TestTokenManager_CandidatePathFallback(t *testing.T) {
	var tokenPosts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenPosts, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "sec" {
			t.Errorf("credentials not forwarded: %v", r.Form)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-1", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "", "cid", "sec", zerolog.Nop())
	tok, err := tm.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q", tok)
	}
	// /oauth/token 404s and is skipped without burning retries.
	if n := atomic.LoadInt32(&tokenPosts); n != 1 {
		t.Errorf("expected exactly 1 POST to /token, got %d", n)
	}
}

func TestTokenManager_CachesUntilForced(t *testing.T) {
	var tokenPosts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenPosts, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "", "cid", "sec", zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tm.Token(ctx, false); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if n := atomic.LoadInt32(&tokenPosts); n != 1 {
		t.Fatalf("expected 1 POST while cached, got %d", n)
	}

	if _, err := tm.Token(ctx, true); err != nil {
		t.Fatalf("forced Token: %v", err)
	}
	if n := atomic.LoadInt32(&tokenPosts); n != 2 {
		t.Errorf("expected forced refresh to POST again, got %d", n)
	}
}

func TestTokenManager_AltTokenKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "alt-tok", "expires_in": 600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "", "cid", "sec", zerolog.Nop())
	tok, err := tm.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "alt-tok" {
		t.Errorf("token = %q, want alt-tok", tok)
	}
}

func TestTokenManager_ExplicitTokenURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/custom/issue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "custom", "expires_in": 600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "/custom/issue", "cid", "sec", zerolog.Nop())
	tok, err := tm.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "custom" {
		t.Errorf("token = %q, want custom", tok)
	}
}

func TestTokenManager_RetriesServerErrors(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "", "cid", "sec", zerolog.Nop())
	tok, err := tm.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok" {
		t.Errorf("token = %q", tok)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestTokenManager_Propagates4xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tm := NewTokenManager(srv.URL, "", "cid", "sec", zerolog.Nop())
	_, err := tm.Token(context.Background(), false)
	if err == nil {
		t.Fatal("expected error on 400")
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want HTTPError 400", err)
	}
}

func TestTokenTTL_JWTExpFallback(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).
		SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ttl := tokenTTL(signed, "")
	if ttl < 115*time.Minute || ttl > 2*time.Hour {
		t.Errorf("ttl = %v, want ~2h from exp claim", ttl)
	}

	// Opaque token without expires_in falls back to the default.
	if ttl := tokenTTL("opaque-token", ""); ttl != defaultTokenTTL {
		t.Errorf("ttl = %v, want default %v", ttl, defaultTokenTTL)
	}

	// expires_in wins over the claim.
	if ttl := tokenTTL(signed, json.Number("900")); ttl != 900*time.Second {
		t.Errorf("ttl = %v, want 900s", ttl)
	}
}
