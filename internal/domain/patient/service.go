// Package patient proxies patient listing to the upstream FHIR sandbox.
package patient

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/oncopulse/pulse/internal/platform/fhir"
)

// Service lists patients from the upstream FHIR server.
type Service struct {
	fhir   *fhir.Client
	logger zerolog.Logger
}

func NewService(fhirClient *fhir.Client, logger zerolog.Logger) *Service {
	return &Service{
		fhir:   fhirClient,
		logger: logger.With().Str("component", "patient").Logger(),
	}
}

// tokenError marks a failure to obtain the upstream OAuth token before the
// list call was attempted.
type tokenError struct{ err error }

func (e *tokenError) Error() string { return "FHIR token failed: " + e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// List returns the upstream Patient search bundle untouched. Token acquisition
// is a distinct failure class so the HTTP layer can map it to 504.
func (s *Service) List(ctx context.Context, count int) (json.RawMessage, error) {
	if _, err := s.fhir.Token(ctx, false); err != nil {
		return nil, &tokenError{err: err}
	}
	raw, err := s.fhir.ListPatients(ctx, count)
	if err != nil {
		s.logger.Warn().Err(err).Int("count", count).Msg("patient list failed")
		return nil, err
	}
	return raw, nil
}
