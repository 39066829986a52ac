// Package event defines the canonical normalized observation event emitted by
// the HL7 pipeline and the total validator that guards the norm stream.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the only schema version this pipeline emits.
const SchemaVersion = "v1"

// Stable rejection tags. Every message or OBX the pipeline refuses is
// dead-lettered under exactly one of these.
const (
	ReasonIdentityMissing     = "identity_missing"
	ReasonMissingCode         = "missing_code"
	ReasonInvalidTS           = "invalid_ts"
	ReasonSchemaValidation    = "schema_validation_failed"
	ReasonEncodingError       = "encoding_error"
	ReasonEmptyMessage        = "empty_message"
	ReasonUnsupportedVersion  = "unsupported_or_mixed_version"
	ReasonMalformedHL7        = "malformed_hl7"
	ReasonMissingRequired     = "missing_required_fields"
)

// classifiable is the tag set matched by substring in ClassifyReason. Order
// matters: more specific tags first.
var classifiable = []string{
	ReasonIdentityMissing,
	ReasonSchemaValidation,
	ReasonMissingCode,
	ReasonInvalidTS,
	ReasonEncodingError,
	ReasonEmptyMessage,
	ReasonUnsupportedVersion,
	ReasonMissingRequired,
}

var validSources = map[string]bool{
	"hl7":      true,
	"fhir":     true,
	"wearable": true,
}

var validTypes = map[string]bool{
	"lab":   true,
	"vital": true,
	"pro":   true,
}

// EventCommon is the canonical lab/vital event. One is emitted per OBX
// segment; the JSON encoding is the wire format on the norm stream.
type EventCommon struct {
	SchemaVersion  string `json:"schema_version"`
	PatientID      string `json:"patient_id,omitempty"`
	MRN            string `json:"mrn,omitempty"`
	DOB            string `json:"dob,omitempty"`
	Source         string `json:"source"`
	Type           string `json:"type"`
	Code           string `json:"code"`
	RawCode        string `json:"raw_code,omitempty"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	TS             int64  `json:"ts"`
	IngestTS       int64  `json:"ingest_ts"`
	NormalizedTS   int64  `json:"normalized_ts"`
	IdempotencyKey string `json:"idempotency_key"`
	HL7Version     string `json:"hl7_version,omitempty"`
}

// ValidationError is a rejection with a stable tag. Its Error text starts
// with the tag so substring classification of wrapped errors stays exact.
type ValidationError struct {
	Tag string
	Msg string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Tag
	}
	return e.Tag + ": " + e.Msg
}

// NewValidationError builds a tagged rejection.
func NewValidationError(tag, msg string) *ValidationError {
	return &ValidationError{Tag: tag, Msg: msg}
}

// Validate is total: it returns nil for a valid event and exactly one tagged
// *ValidationError otherwise.
func (e *EventCommon) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return NewValidationError(ReasonSchemaValidation, fmt.Sprintf("schema_version must be %q, got %q", SchemaVersion, e.SchemaVersion))
	}
	if e.PatientID == "" && (e.MRN == "" || e.DOB == "") {
		return NewValidationError(ReasonIdentityMissing, "require patient_id or (mrn and dob)")
	}
	if !validSources[e.Source] {
		return NewValidationError(ReasonSchemaValidation, fmt.Sprintf("invalid source: %q", e.Source))
	}
	if !validTypes[e.Type] {
		return NewValidationError(ReasonSchemaValidation, fmt.Sprintf("invalid type: %q", e.Type))
	}
	if strings.TrimSpace(e.Code) == "" {
		return NewValidationError(ReasonMissingCode, "code is required")
	}
	if e.TS <= 0 {
		return NewValidationError(ReasonInvalidTS, "ts must be epoch milliseconds")
	}
	return nil
}

// ClassifyReason maps an arbitrary error to exactly one rejection tag for DLQ
// routing. Tagged validation errors keep their tag; anything else is matched
// by substring, defaulting to malformed_hl7.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonMalformedHL7
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Tag
	}
	text := strings.ToLower(err.Error())
	for _, tag := range classifiable {
		if strings.Contains(text, tag) {
			return tag
		}
	}
	return ReasonMalformedHL7
}

// IdempotencyKey derives the downstream dedup key: MSH-10 when present,
// otherwise a content hash of the raw message that is stable across restarts.
func IdempotencyKey(controlID, raw string) string {
	if cid := strings.TrimSpace(controlID); cid != "" {
		return cid
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
