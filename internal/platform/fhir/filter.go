package fhir

import "strings"

// Counters reports subject-filter outcomes for one bundle. Entries that pass
// through uncounted (included resources) appear in none of the fields.
type Counters struct {
	Total          int `json:"total"`
	Kept           int `json:"kept"`
	WrongSubject   int `json:"wrong_subject"`
	Cancelled      int `json:"cancelled"`
	MissingSubject int `json:"missing_subject"`
}

// Add accumulates another set of counters.
func (c *Counters) Add(o Counters) {
	c.Total += o.Total
	c.Kept += o.Kept
	c.WrongSubject += o.WrongSubject
	c.Cancelled += o.Cancelled
	c.MissingSubject += o.MissingSubject
}

// FilterBundleBySubject keeps Observation and MedicationRequest entries whose
// subject.reference is in the allow-set and whose status is not cancelled.
// Other resource types pass through without counting, preserving included
// Medication resources. Checks run in order: missing subject, wrong subject,
// cancelled. The returned bundle keeps the input's resourceType and type with
// total set to the kept count.
func FilterBundleBySubject(b *Bundle, allowed map[string]bool) (*Bundle, Counters) {
	var m Counters
	if b == nil || b.ResourceType != "Bundle" {
		return NewEmptySearchBundle(), m
	}

	out := make([]BundleEntry, 0, len(b.Entry))
	for _, e := range b.Entry {
		p := probeResource(e.Resource)
		if p.ResourceType != "Observation" && p.ResourceType != "MedicationRequest" {
			out = append(out, e)
			continue
		}

		m.Total++
		ref := p.Subject.Reference
		if ref == "" {
			m.MissingSubject++
			continue
		}
		if !allowed[ref] {
			m.WrongSubject++
			continue
		}
		if strings.EqualFold(p.Status, "cancelled") {
			m.Cancelled++
			continue
		}
		out = append(out, e)
		m.Kept++
	}

	kept := m.Kept
	filtered := &Bundle{
		ResourceType: b.ResourceType,
		ID:           b.ID,
		Type:         b.Type,
		Total:        &kept,
		Link:         b.Link,
		Entry:        out,
		Timestamp:    b.Timestamp,
	}
	return filtered, m
}

// MergeQuality sums counters across resource types.
func MergeQuality(byResource map[string]Counters) Counters {
	var overall Counters
	for _, c := range byResource {
		overall.Add(c)
	}
	return overall
}
