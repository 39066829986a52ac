package insights

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/oncopulse/pulse/internal/platform/fhir"
	"github.com/oncopulse/pulse/internal/platform/openfda"
)

func entryFor(t *testing.T, resource map[string]interface{}) fhir.BundleEntry {
	t.Helper()
	raw, err := json.Marshal(resource)
	if err != nil {
		t.Fatalf("marshal resource: %v", err)
	}
	return fhir.BundleEntry{Resource: raw}
}

func bundleOf(t *testing.T, resources ...map[string]interface{}) *fhir.Bundle {
	t.Helper()
	b := &fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
	for _, r := range resources {
		b.Entry = append(b.Entry, entryFor(t, r))
	}
	return b
}

func TestExtractMedNames_ResolutionOrder(t *testing.T) {
	b := bundleOf(t,
		map[string]interface{}{
			"resourceType": "MedicationRequest",
			"medicationCodeableConcept": map[string]interface{}{
				"text":   "tamoxifen tablets",
				"coding": []map[string]interface{}{{"code": "10324", "display": "Tamoxifen"}},
			},
		},
		map[string]interface{}{
			"resourceType": "MedicationRequest",
			"medicationCodeableConcept": map[string]interface{}{
				"coding": []map[string]interface{}{{"code": "11289"}},
			},
		},
		map[string]interface{}{
			"resourceType": "MedicationStatement",
			"medicationCodeableConcept": map[string]interface{}{
				"text": "Letrozole",
			},
		},
	)

	got := extractMedNames(b)
	want := []string{"Tamoxifen", "11289", "Letrozole"}
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractMedNames_IncludedMedicationReference(t *testing.T) {
	b := bundleOf(t,
		map[string]interface{}{
			"resourceType":        "MedicationRequest",
			"medicationReference": map[string]interface{}{"reference": "Medication/m1"},
		},
		map[string]interface{}{
			"resourceType": "Medication",
			"id":           "m1",
			"code": map[string]interface{}{
				"coding": []map[string]interface{}{{"display": "Warfarin"}},
			},
		},
	)

	got := extractMedNames(b)
	if len(got) != 1 || got[0] != "Warfarin" {
		t.Fatalf("names = %v, want [Warfarin]", got)
	}
}

func TestExtractMedNames_DedupeCaseInsensitive(t *testing.T) {
	b := bundleOf(t,
		map[string]interface{}{
			"resourceType":              "MedicationRequest",
			"medicationCodeableConcept": map[string]interface{}{"text": "Aspirin"},
		},
		map[string]interface{}{
			"resourceType":              "MedicationRequest",
			"medicationCodeableConcept": map[string]interface{}{"text": "ASPIRIN"},
		},
	)

	got := extractMedNames(b)
	if len(got) != 1 || got[0] != "Aspirin" {
		t.Fatalf("names = %v, want first-seen [Aspirin]", got)
	}
}

func TestExtractMedNames_NilBundle(t *testing.T) {
	if got := extractMedNames(nil); len(got) != 0 {
		t.Fatalf("names = %v, want empty", got)
	}
}

func TestFHIRLabs_Mapping(t *testing.T) {
	b := bundleOf(t,
		map[string]interface{}{
			"resourceType": "Observation",
			"code": map[string]interface{}{
				"coding": []map[string]interface{}{{"code": "718-7", "display": "Hemoglobin"}},
			},
			"valueQuantity":     map[string]interface{}{"value": 9.1, "unit": "g/dL"},
			"effectiveDateTime": "2025-01-01T12:30:00Z",
			"interpretation": map[string]interface{}{
				"coding": []map[string]interface{}{{"code": "L"}},
			},
		},
		map[string]interface{}{
			"resourceType": "Observation",
			"code":         map[string]interface{}{"text": "Creatinine"},
			"issued":       "2025-01-02T08:00:00Z",
		},
		map[string]interface{}{
			"resourceType": "OperationOutcome",
		},
	)

	labs := fhirLabs(b)
	if len(labs) != 2 {
		t.Fatalf("labs = %d, want 2", len(labs))
	}
	first := labs[0]
	if first.Code != "718-7" || first.Name != "Hemoglobin" || first.Unit != "g/dL" || first.Flag != "L" {
		t.Errorf("first lab = %+v", first)
	}
	if v, ok := first.Value.(float64); !ok || v != 9.1 {
		t.Errorf("first value = %v", first.Value)
	}
	if first.Source != "FHIR" {
		t.Errorf("source = %q", first.Source)
	}
	second := labs[1]
	if second.Name != "Creatinine" || second.EffectiveDT != "2025-01-02T08:00:00Z" {
		t.Errorf("second lab = %+v", second)
	}
	if second.Value != nil {
		t.Errorf("second value = %v, want nil", second.Value)
	}
}

func TestDistillInteractions_Samples(t *testing.T) {
	frags := []openfda.Fragment{
		{
			Drug:     "warfarin",
			Endpoint: "/drug/interactions.json?search=warfarin",
			Payload:  json.RawMessage(`{"interactions": ["a", "b", "c"], "results": {"z": 1, "a": 2, "m": 3}, "warnings": []}`),
		},
		{Drug: "aspirin"},
	}

	out := distillInteractions(frags)
	if len(out) != 2 {
		t.Fatalf("interactions = %d, want 2", len(out))
	}

	first := out[0]
	if first.Drug != "warfarin" || first.Source != "/drug/interactions.json?search=warfarin" {
		t.Errorf("first = %+v", first)
	}
	// warnings is empty and must not appear; interactions then results remain.
	if len(first.Evidence) != 2 {
		t.Fatalf("evidence = %v, want 2 entries", first.Evidence)
	}
	inter, ok := first.Evidence[0]["interactions"].([]json.RawMessage)
	if !ok || len(inter) != 2 {
		t.Fatalf("interactions sample = %#v, want 2 raw elements", first.Evidence[0]["interactions"])
	}
	pairs, ok := first.Evidence[1]["results"].([]interface{})
	if !ok || len(pairs) != 2 {
		t.Fatalf("results sample = %#v, want 2 pairs", first.Evidence[1]["results"])
	}
	pair := pairs[0].([]interface{})
	if pair[0].(string) != "a" {
		t.Errorf("pair keys not sorted: %v", pairs)
	}

	second := out[1]
	if second.Source != "" || len(second.Evidence) != 0 {
		t.Errorf("second = %+v, want empty evidence", second)
	}
}

func TestDistillInteractions_ScalarClipped(t *testing.T) {
	long := strings.Repeat("x", 400)
	frags := []openfda.Fragment{{
		Drug:     "tamoxifen",
		Endpoint: "/drug/label.json?search=tamoxifen",
		Payload:  json.RawMessage(`{"warnings": "` + long + `"}`),
	}}

	out := distillInteractions(frags)
	sample, ok := out[0].Evidence[0]["warnings"].([]string)
	if !ok || len(sample) != 1 {
		t.Fatalf("warnings sample = %#v", out[0].Evidence[0]["warnings"])
	}
	if len(sample[0]) != 300 {
		t.Errorf("clip = %d runes, want 300", len(sample[0]))
	}
}

func TestFDACitations_SkipUnanswered(t *testing.T) {
	frags := []openfda.Fragment{
		{Drug: "a", Endpoint: "/drug/interactions.json?search=a"},
		{Drug: "b"},
		{Drug: "c", Endpoint: "/drug/label.json?search=c"},
	}
	cites := fdaCitations(frags)
	if len(cites) != 2 {
		t.Fatalf("citations = %v, want 2", cites)
	}
	if cites[0]["source"] != "OpenFDA" || cites[0]["endpoint"] != "/drug/interactions.json?search=a" {
		t.Errorf("first citation = %v", cites[0])
	}
	if cites[1]["endpoint"] != "/drug/label.json?search=c" {
		t.Errorf("second citation = %v", cites[1])
	}
}

func TestBuildPatientContext_Clips(t *testing.T) {
	p := &fhir.Patient{ID: "p1", Name: []fhir.HumanName{{Given: []string{"Jane"}, Family: "Doe"}}, BirthDate: "1980-01-01", Gender: "female"}

	labs := make([]Lab, 25)
	for i := range labs {
		labs[i] = Lab{Code: "718-7", Source: "FHIR"}
	}
	long := strings.Repeat("w", 600)
	frags := []openfda.Fragment{{
		Drug:     "warfarin",
		Endpoint: "/drug/label.json?search=warfarin",
		Payload:  json.RawMessage(`{"warnings": "` + long + `", "interactions": ["x"]}`),
	}}

	ctx := buildPatientContext(p, []string{"warfarin"}, labs, frags, nil)

	if ctx.Patient.Name != "Jane Doe" || ctx.Patient.ID != "p1" {
		t.Errorf("patient = %+v", ctx.Patient)
	}
	if len(ctx.Labs) != maxContextLabs {
		t.Errorf("labs = %d, want %d", len(ctx.Labs), maxContextLabs)
	}
	if len(ctx.FDAEvidence) != 1 {
		t.Fatalf("fda evidence = %v", ctx.FDAEvidence)
	}
	piece := ctx.FDAEvidence[0]
	if piece["drug"] != "warfarin" {
		t.Errorf("piece drug = %q", piece["drug"])
	}
	if len(piece["warnings"]) != 500 {
		t.Errorf("warnings = %d runes, want 500", len(piece["warnings"]))
	}
	if piece["interactions"] != `["x"]` {
		t.Errorf("interactions = %q", piece["interactions"])
	}
	if ctx.RAGSources == nil {
		t.Error("rag_sources must serialize as [], not null")
	}
}
