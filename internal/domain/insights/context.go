package insights

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/internal/platform/openfda"
)

// Lab is one observation row, shared by the structured summary and the AI
// context. Value is a JSON number for FHIR quantities and for HL7 values that
// survived the numeric filter.
type Lab struct {
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
	Unit        string      `json:"unit"`
	EffectiveDT string      `json:"effective_dt"`
	Flag        string      `json:"flag"`
	Source      string      `json:"source"`
}

// PatientSummary is the minimal patient block returned to callers and handed
// to the AI context.
type PatientSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
	Gender    string `json:"gender"`
}

func minPatient(p *fhir.Patient) PatientSummary {
	return PatientSummary{
		ID:        p.ID,
		Name:      p.DisplayName(),
		BirthDate: p.BirthDate,
		Gender:    p.Gender,
	}
}

// Citation is heterogeneous on purpose: DemoOverride carries a title, FDA
// citations an endpoint, knowledge-search hits a title and url.
type Citation map[string]string

// Interaction is one drug's distilled FDA evidence.
type Interaction struct {
	Drug     string                   `json:"drug"`
	Source   string                   `json:"source"`
	Evidence []map[string]interface{} `json:"evidence"`
}

// medicationProbe reads the fields of MedicationRequest, MedicationStatement
// and included Medication resources that name resolution needs.
type medicationProbe struct {
	ResourceType              string                `json:"resourceType"`
	ID                        string                `json:"id"`
	MedicationCodeableConcept *fhir.CodeableConcept `json:"medicationCodeableConcept"`
	MedicationReference       *fhir.Reference       `json:"medicationReference"`
	Code                      *fhir.CodeableConcept `json:"code"`
}

// conceptName resolves a display name: coding display, then coding code, then
// the concept text.
func conceptName(cc *fhir.CodeableConcept) string {
	if cc == nil {
		return ""
	}
	if len(cc.Coding) > 0 {
		if cc.Coding[0].Display != "" {
			return cc.Coding[0].Display
		}
		if cc.Coding[0].Code != "" {
			return cc.Coding[0].Code
		}
	}
	return cc.Text
}

// extractMedNames pulls medication names from MedicationRequest and
// MedicationStatement entries, resolving medicationReference against included
// Medication resources. Names are deduplicated case-insensitively, first seen
// wins.
func extractMedNames(b *fhir.Bundle) []string {
	names := []string{}
	if b == nil {
		return names
	}

	included := make(map[string]*fhir.CodeableConcept)
	for _, e := range b.Entry {
		var m medicationProbe
		_ = json.Unmarshal(e.Resource, &m)
		if m.ResourceType == "Medication" && m.ID != "" {
			included[m.ID] = m.Code
		}
	}

	seen := make(map[string]bool)
	for _, e := range b.Entry {
		var m medicationProbe
		_ = json.Unmarshal(e.Resource, &m)
		if m.ResourceType != "MedicationRequest" && m.ResourceType != "MedicationStatement" {
			continue
		}

		name := conceptName(m.MedicationCodeableConcept)
		if name == "" && m.MedicationReference != nil {
			ref := m.MedicationReference.Reference
			if strings.HasPrefix(ref, "Medication/") {
				name = conceptName(included[strings.TrimPrefix(ref, "Medication/")])
			}
		}

		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}

// observationProbe reads the Observation fields the lab mapping needs.
// interpretation mirrors the upstream demo shape (a single concept).
type observationProbe struct {
	ResourceType      string                `json:"resourceType"`
	Code              *fhir.CodeableConcept `json:"code"`
	ValueQuantity     *quantityProbe        `json:"valueQuantity"`
	EffectiveDateTime string                `json:"effectiveDateTime"`
	Issued            string                `json:"issued"`
	Interpretation    *fhir.CodeableConcept `json:"interpretation"`
}

type quantityProbe struct {
	Value interface{} `json:"value"`
	Unit  string      `json:"unit"`
}

// fhirLabs flattens a filtered Observation bundle into lab rows. Display name
// prefers coding display over the concept text; effective time prefers
// effectiveDateTime over issued.
func fhirLabs(b *fhir.Bundle) []Lab {
	out := []Lab{}
	if b == nil {
		return out
	}
	for _, e := range b.Entry {
		var o observationProbe
		_ = json.Unmarshal(e.Resource, &o)
		if o.ResourceType != "Observation" {
			continue
		}

		lab := Lab{Source: "FHIR"}
		if o.Code != nil {
			if len(o.Code.Coding) > 0 {
				lab.Code = o.Code.Coding[0].Code
				lab.Name = o.Code.Coding[0].Display
			}
			if lab.Name == "" {
				lab.Name = o.Code.Text
			}
		}
		if o.ValueQuantity != nil {
			lab.Value = o.ValueQuantity.Value
			lab.Unit = o.ValueQuantity.Unit
		}
		lab.EffectiveDT = o.EffectiveDateTime
		if lab.EffectiveDT == "" {
			lab.EffectiveDT = o.Issued
		}
		if o.Interpretation != nil && len(o.Interpretation.Coding) > 0 {
			lab.Flag = o.Interpretation.Coding[0].Code
		}
		out = append(out, lab)
	}
	return out
}

// evidenceKeys are probed in order on each FDA payload.
var evidenceKeys = []string{"interactions", "warnings", "contraindications", "results"}

// distillInteractions reduces raw FDA payloads to small evidence samples the
// response can carry: two list elements, two object entries as key/value
// pairs, or a scalar clipped to 300 runes.
func distillInteractions(frags []openfda.Fragment) []Interaction {
	out := []Interaction{}
	for _, f := range frags {
		item := Interaction{Drug: f.Drug, Source: f.Endpoint, Evidence: []map[string]interface{}{}}

		var payload map[string]json.RawMessage
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		for _, key := range evidenceKeys {
			raw, ok := payload[key]
			if !ok || !truthyJSON(raw) {
				continue
			}
			item.Evidence = append(item.Evidence, map[string]interface{}{key: sampleEvidence(raw)})
		}
		out = append(out, item)
	}
	return out
}

// fdaCitations emits one OpenFDA citation per fragment that got an answer.
func fdaCitations(frags []openfda.Fragment) []Citation {
	cites := []Citation{}
	for _, f := range frags {
		if f.Endpoint != "" {
			cites = append(cites, Citation{"source": "OpenFDA", "endpoint": f.Endpoint})
		}
	}
	return cites
}

// sampleEvidence keeps evidence small: lists are cut to two elements, objects
// to their first two entries (key order sorted for determinism), scalars
// become a single clipped string.
func sampleEvidence(raw json.RawMessage) interface{} {
	t := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(t, "["):
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil {
			if len(list) > 2 {
				list = list[:2]
			}
			return list
		}
	case strings.HasPrefix(t, "{"):
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 2 {
				keys = keys[:2]
			}
			pairs := make([]interface{}, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, []interface{}{k, m[k]})
			}
			return pairs
		}
	}
	return []string{clip(scalarText(raw), 300)}
}

// truthyJSON reports whether a raw value would count as present evidence.
// Nulls and empty containers do not.
func truthyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}", `""`, "0", "false":
		return false
	}
	return true
}

// scalarText renders a raw JSON scalar as text, unquoting strings.
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// patientContext is the compact document handed to the AI analyze call.
type patientContext struct {
	Patient     PatientSummary      `json:"patient"`
	Medications []string            `json:"medications"`
	Labs        []Lab               `json:"labs"`
	FDAEvidence []map[string]string `json:"fda_evidence"`
	RAGSources  []json.RawMessage   `json:"rag_sources"`
}

// contextEvidenceKeys are the payload fields carried into the AI context.
var contextEvidenceKeys = []string{"interactions", "warnings", "contraindications"}

// buildPatientContext assembles the analyze payload: minimal patient,
// medication names, labs clipped to 20 rows, FDA evidence values truncated to
// 500 runes, and the filtered knowledge-search hits verbatim.
func buildPatientContext(p *fhir.Patient, medNames []string, labs []Lab, frags []openfda.Fragment, hits []json.RawMessage) patientContext {
	if labs == nil {
		labs = []Lab{}
	}
	if len(labs) > maxContextLabs {
		labs = labs[:maxContextLabs]
	}
	if medNames == nil {
		medNames = []string{}
	}
	if hits == nil {
		hits = []json.RawMessage{}
	}

	evidence := []map[string]string{}
	for _, f := range frags {
		piece := map[string]string{"drug": f.Drug, "endpoint": f.Endpoint}
		var payload map[string]json.RawMessage
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		for _, key := range contextEvidenceKeys {
			raw, ok := payload[key]
			if !ok {
				continue
			}
			piece[key] = clip(scalarText(raw), 500)
		}
		evidence = append(evidence, piece)
	}

	return patientContext{
		Patient:     minPatient(p),
		Medications: medNames,
		Labs:        labs,
		FDAEvidence: evidence,
		RAGSources:  hits,
	}
}
