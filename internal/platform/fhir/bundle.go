package fhir

import (
	"encoding/json"
	"time"
)

// Bundle is the slice of a FHIR Bundle the aggregator reads: searchset
// metadata, paging links, and raw entries. Entry resources stay as
// json.RawMessage so upstream payloads pass through unmodified.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

// BundleLink carries paging links. Some servers emit "relation", others the
// older "rel"; page-following checks both.
type BundleLink struct {
	Relation string `json:"relation,omitempty"`
	Rel      string `json:"rel,omitempty"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}
