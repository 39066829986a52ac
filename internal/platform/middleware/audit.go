package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessEntry is one recorded access to patient-scoped data.
type AccessEntry struct {
	PatientID  string
	Action     string
	Path       string
	Method     string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AccessRecorder persists access entries beyond the structured log. Recorder
// failures never fail the request.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc adapts a function to AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// Audit returns middleware that records every access to patient-scoped
// routes. Entries always go to the structured log; optional recorders receive
// them as well.
func Audit(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			path := c.Request().URL.Path
			if !strings.HasPrefix(path, "/patients") {
				return err
			}

			// The error handler writes after middleware returns, so the
			// response status is stale when the handler errored.
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			rid, _ := c.Get("request_id").(string)
			entry := AccessEntry{
				PatientID:  c.Param("id"),
				Action:     classifyAccess(path),
				Path:       path,
				Method:     c.Request().Method,
				IPAddress:  c.RealIP(),
				UserAgent:  c.Request().UserAgent(),
				RequestID:  rid,
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			logger.Info().
				Str("event", "phi_access").
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Str("request_id", entry.RequestID).
				Str("remote_ip", entry.IPAddress).
				Msg("access")

			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Msg("audit recorder failed")
				}
			}
			return err
		}
	}
}

func classifyAccess(path string) string {
	switch {
	case strings.HasSuffix(path, "/insights"):
		return "compose"
	case strings.TrimSuffix(path, "/") == "/patients":
		return "search"
	default:
		return "read"
	}
}
