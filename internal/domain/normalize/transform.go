package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oncopulse/pulse/internal/domain/event"
	"github.com/oncopulse/pulse/internal/platform/hl7v2"
)

// rawCandidates is the priority order for locating the raw message payload in
// a stream entry's fields.
var rawCandidates = []string{"message", "m", "raw", "raw_message", "payload", "hl7"}

// envelopeKeys is the unwrap order when the payload itself is a JSON object.
var envelopeKeys = []string{"message", "raw_message", "raw"}

// reject is one DLQ-bound failure: a stable reason tag plus diagnostic text.
type reject struct {
	reason string
	err    string
}

// extractRaw picks the raw message payload out of a stream entry. Missing or
// empty candidates are skipped; no candidate at all yields "".
func extractRaw(fields map[string]string) string {
	for _, k := range rawCandidates {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// unwrapEnvelope resolves a payload down to the HL7 text it carries. JSON
// objects are unwrapped to their first non-empty message|raw_message|raw
// string, falling back to the payload itself; anything else passes through.
func unwrapEnvelope(payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return payload, nil
	}
	var outer map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &outer); err != nil {
		return "", fmt.Errorf("unwrap envelope: %w", err)
	}
	for _, k := range envelopeKeys {
		if s, ok := outer[k].(string); ok && s != "" {
			return s, nil
		}
	}
	return payload, nil
}

// transform turns one raw payload into norm-bound events and DLQ-bound
// rejects. For a message that parses, the two slices together cover every OBX
// segment exactly once; failures before OBX extraction yield a single reject.
func transform(payload string, ingestTS int64) ([]event.EventCommon, []reject) {
	raw, err := unwrapEnvelope(payload)
	if err != nil {
		return nil, []reject{{reason: event.ReasonMalformedHL7, err: err.Error()}}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, rejectFrom(event.NewValidationError(event.ReasonEmptyMessage, "no message body"))
	}
	if !utf8.ValidString(raw) {
		return nil, rejectFrom(event.NewValidationError(event.ReasonEncodingError, "message is not valid UTF-8"))
	}

	msg, perr := hl7v2.Parse([]byte(raw))
	if perr != nil {
		return nil, rejectFrom(perr)
	}
	if verr := checkVersion(msg); verr != nil {
		return nil, rejectFrom(verr)
	}

	obxSegs := msg.GetSegments("OBX")
	if len(obxSegs) == 0 {
		return nil, rejectFrom(event.NewValidationError(event.ReasonMissingRequired, "OBX"))
	}

	normTS := time.Now().UnixMilli()
	patientID, mrn := splitIdentity(msg)
	dob := formatDOB(msg.DateOfBirth())
	idem := event.IdempotencyKey(msg.ControlID, raw)

	var events []event.EventCommon
	var rejects []reject
	for i := range obxSegs {
		ev := buildEvent(msg, &obxSegs[i], identity{patientID, mrn, dob}, idem, ingestTS, normTS)
		if verr := ev.Validate(); verr != nil {
			rejects = append(rejects, reject{reason: event.ClassifyReason(verr), err: verr.Error()})
			continue
		}
		events = append(events, ev)
	}
	return events, rejects
}

func rejectFrom(err error) []reject {
	return []reject{{reason: event.ClassifyReason(err), err: err.Error()}}
}

// checkVersion rejects multi-MSH batches and versions outside the 2.x family.
// Single messages of any 2.x version pass, 2.3/2.5 mixes across messages
// included.
func checkVersion(msg *hl7v2.Message) error {
	if len(msg.GetSegments("MSH")) > 1 {
		return event.NewValidationError(event.ReasonUnsupportedVersion, "batched message with multiple MSH segments")
	}
	if v := strings.TrimSpace(msg.Version); v != "" && !strings.HasPrefix(v, "2") {
		return event.NewValidationError(event.ReasonUnsupportedVersion, fmt.Sprintf("hl7 version %q", v))
	}
	return nil
}

type identity struct {
	patientID string
	mrn       string
	dob       string
}

// splitIdentity resolves the identity pair from PID-3 repetitions: patient_id
// is the first identifier not typed SSN, mrn is the MR-typed identifier when
// it differs from patient_id, otherwise the next distinct non-SSN value. SSN
// values never populate mrn.
func splitIdentity(msg *hl7v2.Message) (patientID, mrn string) {
	ids := msg.PatientIdentifiers()
	for _, id := range ids {
		if strings.EqualFold(id.Type, "SSN") {
			continue
		}
		patientID = id.Value
		break
	}
	if patientID == "" && len(ids) > 0 {
		patientID = ids[0].Value
	}
	for _, id := range ids {
		if strings.EqualFold(id.Type, "MR") && id.Value != patientID {
			mrn = id.Value
			break
		}
	}
	if mrn == "" {
		for _, id := range ids {
			if id.Value != patientID && !strings.EqualFold(id.Type, "SSN") {
				mrn = id.Value
				break
			}
		}
	}
	return patientID, mrn
}

// formatDOB renders PID-7 as YYYY-MM-DD when it leads with an 8-digit date.
// Anything else is kept as written.
func formatDOB(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return s
	}
	d := s[:8]
	for _, r := range d {
		if r < '0' || r > '9' {
			return s
		}
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:8]
}

// buildEvent maps one OBX segment to the canonical event. The observation
// timestamp prefers OBX-14, then MSH-7, then the normalize-time clock.
func buildEvent(msg *hl7v2.Message, obx *hl7v2.Segment, id identity, idem string, ingestTS, normTS int64) event.EventCommon {
	rawCode := strings.TrimSpace(obx.GetComponent(3, 1))

	unit := strings.TrimSpace(obx.GetComponent(6, 2))
	if unit == "" {
		unit = strings.TrimSpace(obx.GetComponent(6, 1))
	}

	tsStr := strings.TrimSpace(obx.GetField(14))
	if tsStr == "" {
		if msh := msg.GetSegment("MSH"); msh != nil {
			tsStr = strings.TrimSpace(msh.GetField(7))
		}
	}
	ts, ok := hl7v2.EpochMS(tsStr)
	if !ok {
		ts = normTS
	}

	return event.EventCommon{
		SchemaVersion:  event.SchemaVersion,
		PatientID:      id.patientID,
		MRN:            id.mrn,
		DOB:            id.dob,
		Source:         "hl7",
		Type:           "lab",
		Code:           strings.ToLower(rawCode),
		RawCode:        rawCode,
		Value:          obx.GetField(5),
		Unit:           unit,
		TS:             ts,
		IngestTS:       ingestTS,
		NormalizedTS:   normTS,
		IdempotencyKey: idem,
		HL7Version:     msg.Version,
	}
}
