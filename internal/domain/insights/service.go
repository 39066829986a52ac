// Package insights composes the per-patient enrichment document: FHIR
// demographics, medications and observations under strict subject filtering,
// HL7 observations cross-matched by PID-3, FDA drug evidence, and AI analysis.
// Every enrichment source degrades independently; only token acquisition and
// patient resolution fail the request.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oncopulse/pulse/internal/platform/ai"
	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/internal/platform/hl7feed"
	"github.com/oncopulse/pulse/internal/platform/hl7v2"
	"github.com/oncopulse/pulse/internal/platform/openfda"
)

const (
	maxHL7Messages = 100
	maxHL7OBX      = 12
	maxContextLabs = 20
	summaryLabCap  = 10
	maxHits        = 5
	minHitScore    = 0.40

	// Observation paging bounds for the aggregate fetch.
	maxObservationItems = 200
	maxObservationPages = 5
)

// trustedSources bypass the relevance-score threshold on knowledge hits.
var trustedSources = []string{"ASCO", "NCCN", "ESMO", "NIH", "NCI", "WHO", "PUBMED", "UPTODATE"}

// Options are the per-request knobs. Zero numeric values fall back to the
// documented defaults.
type Options struct {
	Strict   bool
	MaxFDA   int
	MaxLabs  int
	DemoMeds []string
}

func (o Options) withDefaults() Options {
	if o.MaxFDA <= 0 {
		o.MaxFDA = 3
	}
	if o.MaxLabs <= 0 {
		o.MaxLabs = 10
	}
	return o
}

// StructuredSummary is the medication and lab digest in the response.
type StructuredSummary struct {
	Medications  []string `json:"medications"`
	AbnormalLabs []Lab    `json:"abnormal_labs"`
}

// HL7Counters tracks the HL7 cross-match funnel. The keys differ from the
// FHIR subject-filter counters and never feed the overall merge.
type HL7Counters struct {
	MessagesTotal int `json:"messages_total"`
	Parsed        int `json:"parsed"`
	Matched       int `json:"matched"`
	OBXKept       int `json:"obx_kept"`
}

// DataQuality carries per-source counters plus the merged FHIR totals.
type DataQuality struct {
	ByResource map[string]interface{} `json:"by_resource"`
	Overall    fhir.Counters          `json:"overall"`
	Notes      []string               `json:"notes"`
}

// Document is the composite insights response.
type Document struct {
	Status             string            `json:"status"`
	UnavailableSources []string          `json:"unavailable_sources"`
	Patient            PatientSummary    `json:"patient"`
	StructuredSummary  StructuredSummary `json:"structured_summary"`
	DrugInteractions   []Interaction     `json:"drug_interactions"`
	AIInsights         ai.Response       `json:"ai_insights"`
	Citations          []Citation        `json:"citations"`
	DataQuality        DataQuality       `json:"data_quality"`
}

// tokenError marks a failed FHIR token acquisition; the HTTP layer maps it to
// a gateway timeout.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return fmt.Sprintf("FHIR token failed: %v", e.err) }
func (e *tokenError) Unwrap() error { return e.err }

// notFoundError marks a patient that could not be resolved, including strict
// id mismatches.
type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }

type Service struct {
	fhir   *fhir.Client
	feed   *hl7feed.Client
	fda    *openfda.Client
	ai     *ai.Client
	logger zerolog.Logger
}

func NewService(fhirClient *fhir.Client, feed *hl7feed.Client, fda *openfda.Client, aiClient *ai.Client, logger zerolog.Logger) *Service {
	return &Service{
		fhir:   fhirClient,
		feed:   feed,
		fda:    fda,
		ai:     aiClient,
		logger: logger.With().Str("component", "insights").Logger(),
	}
}

// Compose runs the full fan-out for one patient. Enrichment failures are
// recorded in unavailable_sources and the document is still returned; only
// token acquisition and patient resolution return an error.
func (s *Service) Compose(ctx context.Context, patientID string, opts Options) (*Document, error) {
	opts = opts.withDefaults()

	unavailable := []string{}
	byResource := make(map[string]interface{})

	if _, err := s.fhir.Token(ctx, false); err != nil {
		return nil, &tokenError{err}
	}

	patient, err := s.fhir.FetchPatient(ctx, patientID)
	if err != nil {
		return nil, &notFoundError{fmt.Sprintf("patient %q not found via search", patientID)}
	}
	if opts.Strict && patient.ID != patientID {
		return nil, &notFoundError{fmt.Sprintf("patient %q not found (mismatch: %q)", patientID, patient.ID)}
	}

	okSubjects := map[string]bool{"Patient/" + patient.ID: true}
	var mrnsOK []string
	for _, id := range patient.Identifier {
		if id.Value != "" {
			mrnsOK = append(mrnsOK, id.Value)
		}
	}

	// Medications and observations in parallel. Each branch captures its own
	// failure so one degrading never cancels the other.
	var (
		medsRaw, obsRaw *fhir.Bundle
		medsErr, obsErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		medsRaw, medsErr = s.fhir.FetchMedications(gctx, patient.ID)
		return nil
	})
	g.Go(func() error {
		obsRaw, obsErr = s.fhir.FetchObservations(gctx, patient.ID, maxObservationItems, maxObservationPages)
		return nil
	})
	_ = g.Wait()

	if medsErr != nil {
		s.logger.Warn().Err(medsErr).Str("patient", patient.ID).Msg("medication fetch degraded")
		medsRaw = fhir.NewEmptySearchBundle()
		unavailable = append(unavailable, "FHIR:MedicationRequest")
	}
	if obsErr != nil {
		s.logger.Warn().Err(obsErr).Str("patient", patient.ID).Msg("observation fetch degraded")
		obsRaw = fhir.NewEmptySearchBundle()
		unavailable = append(unavailable, "FHIR:Observation")
	}

	medsBundle, qMeds := fhir.FilterBundleBySubject(medsRaw, okSubjects)
	obsBundle, qObs := fhir.FilterBundleBySubject(obsRaw, okSubjects)
	byResource["MedicationRequest"] = qMeds
	byResource["Observation"] = qObs

	hl7Obs, hl7Quality, err := s.crossMatchHL7(ctx, patientID, mrnsOK)
	if err != nil {
		s.logger.Warn().Err(err).Msg("hl7 cross-match degraded")
		unavailable = append(unavailable, "HL7")
	}
	byResource["HL7"] = hl7Quality

	// FDA per medication name; demo_meds substitutes when the bundle gave
	// nothing, with its own citation so the override is visible.
	citations := []Citation{}
	allMedNames := extractMedNames(medsBundle)
	fdaNames := allMedNames
	if len(fdaNames) > opts.MaxFDA {
		fdaNames = fdaNames[:opts.MaxFDA]
	}
	if len(fdaNames) == 0 && len(opts.DemoMeds) > 0 {
		fdaNames = opts.DemoMeds
		citations = append(citations, Citation{"source": "DemoOverride", "title": "medications"})
	}
	frags := []openfda.Fragment{}
	if len(fdaNames) > 0 {
		for _, drug := range fdaNames {
			frag, err := s.fda.QueryDrug(ctx, drug)
			if err != nil {
				s.logger.Debug().Err(err).Str("drug", drug).Msg("fda query skipped")
				continue
			}
			frags = append(frags, frag)
		}
		if len(frags) == 0 {
			unavailable = append(unavailable, "FDA")
		}
	}

	labs := fhirLabs(obsBundle)
	query := ragQuery(fdaNames, labs)

	ragHits := []ai.Hit{}
	if hits, err := s.ai.KnowledgeSearch(ctx, query, maxHits); err != nil {
		s.logger.Warn().Err(err).Msg("knowledge search degraded")
		unavailable = append(unavailable, "AI:knowledge-search")
	} else {
		ragHits = filterHits(hits)
	}

	hitPayloads := make([]json.RawMessage, 0, len(ragHits))
	for _, h := range ragHits {
		hitPayloads = append(hitPayloads, h.Raw)
	}

	combinedLabs := make([]Lab, 0, len(labs)+len(hl7Obs))
	combinedLabs = append(combinedLabs, labs...)
	combinedLabs = append(combinedLabs, hl7Obs...)

	pctx := buildPatientContext(patient, allMedNames, combinedLabs, frags, hitPayloads)
	aiInsights, err := s.ai.Analyze(ctx, pctx, "adherence_and_interactions")
	if err != nil {
		s.logger.Warn().Err(err).Msg("analyze degraded")
		aiInsights = ai.Degraded("AI failed: " + err.Error())
		unavailable = append(unavailable, "AI:analyze")
	}

	abnormal := combinedLabs
	if len(abnormal) > summaryLabCap {
		abnormal = abnormal[:summaryLabCap]
	}
	if len(abnormal) > opts.MaxLabs {
		abnormal = abnormal[:opts.MaxLabs]
	}

	citations = append(citations, fdaCitations(frags)...)
	for _, h := range ragHits {
		title := h.Title
		if title == "" {
			title = "doc"
		}
		citations = append(citations, Citation{"source": "KnowledgeSearch", "title": title, "url": h.URL})
	}

	overall := fhir.MergeQuality(map[string]fhir.Counters{
		"MedicationRequest": qMeds,
		"Observation":       qObs,
	})

	status := "partial"
	if len(unavailable) == 0 && overall.WrongSubject == 0 {
		status = "ok"
	}

	s.logger.Info().
		Str("patient", patient.ID).
		Str("status", status).
		Strs("unavailable", unavailable).
		Int("meds", len(allMedNames)).
		Int("labs", len(combinedLabs)).
		Msg("insights composed")

	return &Document{
		Status:             status,
		UnavailableSources: unavailable,
		Patient:            minPatient(patient),
		StructuredSummary:  StructuredSummary{Medications: allMedNames, AbnormalLabs: abnormal},
		DrugInteractions:   distillInteractions(frags),
		AIInsights:         aiInsights,
		Citations:          citations,
		DataQuality: DataQuality{
			ByResource: byResource,
			Overall:    overall,
			Notes: []string{
				"Strict subject filtering applied to FHIR bundles",
				"Cancelled entries dropped",
				"HL7 matched by PID-3 against patient.id/identifiers",
			},
		},
	}, nil
}

// crossMatchHL7 pulls a bounded window of feed messages and keeps numeric OBX
// rows from messages whose PID-3 identifier set intersects the patient's ids.
// Matching normalizes both sides to alphanumeric lowercase.
func (s *Service) crossMatchHL7(ctx context.Context, patientID string, mrns []string) ([]Lab, HL7Counters, error) {
	kept := []Lab{}
	var q HL7Counters

	items, err := s.feed.Fetch(ctx)
	if err != nil {
		return kept, q, err
	}
	if len(items) > maxHL7Messages {
		items = items[:maxHL7Messages]
	}

	okIDs := make(map[string]bool)
	if n := normalizeID(patientID); n != "" {
		okIDs[n] = true
	}
	for _, m := range mrns {
		if n := normalizeID(m); n != "" {
			okIDs[n] = true
		}
	}

	seen := make(map[string]bool)
	for _, item := range items {
		if len(kept) >= maxHL7OBX {
			break
		}
		if id := item.ID(); id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}

		q.MessagesTotal++
		raw := item.Body()
		if raw == "" {
			continue
		}

		msg, err := hl7v2.Parse([]byte(raw))
		if err != nil {
			continue
		}
		q.Parsed++

		if !intersects(okIDs, pid3IDs(msg)) {
			continue
		}
		q.Matched++

		obs := hl7Labs(msg)
		if room := maxHL7OBX - len(kept); len(obs) > room {
			obs = obs[:room]
		}
		kept = append(kept, obs...)
		q.OBXKept += len(obs)
	}
	return kept, q, nil
}

// hl7Labs maps a message's OBX segments to lab rows, dropping values that are
// not numeric.
func hl7Labs(msg *hl7v2.Message) []Lab {
	var out []Lab
	for _, obx := range msg.GetSegments("OBX") {
		value := strings.TrimSpace(obx.GetField(5))
		num, ok := isNumber(value)
		if !ok {
			continue
		}
		unit := obx.GetComponent(6, 2)
		if unit == "" {
			unit = obx.GetComponent(6, 1)
		}
		out = append(out, Lab{
			Code:        obx.GetComponent(3, 1),
			Name:        obx.GetComponent(3, 2),
			Value:       num,
			Unit:        unit,
			EffectiveDT: obx.GetField(14),
			Flag:        obx.GetField(8),
			Source:      "HL7",
		})
	}
	return out
}

// normalizeID folds an identifier for cross-matching: alphanumeric runes
// only, lowercased. Distinct from openfda.NormalizeDrugName.
func normalizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// pid3IDs collects the normalized identifier of every PID-3 repetition.
func pid3IDs(msg *hl7v2.Message) map[string]bool {
	out := make(map[string]bool)
	for _, id := range msg.PatientIdentifiers() {
		if n := normalizeID(id.Value); n != "" {
			out[n] = true
		}
	}
	return out
}

func intersects(a, b map[string]bool) bool {
	for k := range b {
		if a[k] {
			return true
		}
	}
	return false
}

// isNumber accepts integers, decimals and exponent forms, returning the
// parsed value for the lab row.
func isNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ragQuery builds the compact knowledge-search prompt from the medication
// names and the first two FHIR labs.
func ragQuery(medNames []string, labs []Lab) string {
	if len(labs) > 2 {
		labs = labs[:2]
	}
	parts := make([]string, 0, 2)
	for _, x := range labs {
		name := x.Name
		if name == "" {
			name = x.Code
		}
		value := ""
		if x.Value != nil {
			value = fmt.Sprintf("%v", x.Value)
		}
		parts = append(parts, fmt.Sprintf("%s=%s%s", name, value, x.Unit))
	}
	q := fmt.Sprintf("oncology adherence and drug interactions; meds: %s; labs: %s",
		strings.Join(medNames, ", "), strings.Join(parts, ", "))
	return strings.Trim(q, "; ")
}

// filterHits keeps hits scoring at or above the threshold or coming from a
// trusted source, capped at five.
func filterHits(hits []ai.Hit) []ai.Hit {
	out := []ai.Hit{}
	for _, h := range hits {
		if h.Score >= minHitScore || trustedSource(h.Source) {
			out = append(out, h)
			if len(out) == maxHits {
				break
			}
		}
	}
	return out
}

func trustedSource(src string) bool {
	up := strings.ToUpper(src)
	for _, s := range trustedSources {
		if strings.Contains(up, s) {
			return true
		}
	}
	return false
}
