// Package hl7feed pulls raw HL7 v2 payloads from the upstream message
// feed. The feed contract is loose: a response body may be a JSON array
// of entries, a container object wrapping one, a single entry object, a
// JSON string, JSON lines, or bare pipe-delimited HL7 text. CoerceToList
// flattens every accepted shape into a list of Items so the ingest
// worker and the insights aggregator can consume them uniformly.
package hl7feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const fetchTimeout = 15 * time.Second

// bodyKeys are the entry fields checked, in order, for the HL7 payload.
var bodyKeys = []string{"message", "raw_message", "raw"}

// feedContainers are the envelope keys checked, in order, when the feed
// wraps its entry list in an object instead of returning a bare array.
var feedContainers = []string{"messages", "items", "data", "results", "entries"}

// Item is a single entry from the HL7 feed. Structured entries carry
// their decoded JSON object in Fields; unstructured entries carry the
// payload text in Raw.
type Item struct {
	Raw    string
	Fields map[string]json.RawMessage
}

// IsDict reports whether the item was decoded from a JSON object.
func (it Item) IsDict() bool { return it.Fields != nil }

// StringField returns the named field rendered as a string. JSON
// strings are unquoted; other values keep their literal JSON text.
// Missing keys and JSON null report absent.
func (it Item) StringField(key string) (string, bool) {
	raw, ok := it.Fields[key]
	if !ok {
		return "", false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, true
	}
	return string(trimmed), true
}

// ID returns the entry's id field, or "" when absent.
func (it Item) ID() string {
	v, _ := it.StringField("id")
	return v
}

// Body returns the HL7 payload text for the entry, trying message,
// raw_message and raw in that order. Unstructured items return Raw.
func (it Item) Body() string {
	if !it.IsDict() {
		return it.Raw
	}
	for _, key := range bodyKeys {
		if v, ok := it.StringField(key); ok && v != "" {
			return v
		}
	}
	return ""
}

// CoerceToList flattens a feed response body into entries. Valid JSON
// is unwrapped by shape; non-JSON text is treated as JSON lines when
// every non-blank line parses, and otherwise as a single bare HL7
// message when it mentions an MSH segment. Anything else yields nil.
func CoerceToList(data []byte) []Item {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return coerceJSON(trimmed)
	}
	if items, ok := coerceJSONLines(trimmed); ok {
		return items
	}
	if bytes.Contains(trimmed, []byte("MSH")) {
		return []Item{{Raw: string(trimmed)}}
	}
	return nil
}

func coerceJSON(trimmed []byte) []Item {
	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil
		}
		items := make([]Item, 0, len(elems))
		for _, e := range elems {
			if it, ok := coerceElement(e); ok {
				items = append(items, it)
			}
		}
		return items
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil
		}
		for _, key := range feedContainers {
			inner := bytes.TrimSpace(obj[key])
			if len(inner) > 0 && inner[0] == '[' {
				return coerceJSON(inner)
			}
		}
		return []Item{{Fields: obj}}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil || s == "" {
			return nil
		}
		return []Item{{Raw: s}}
	default:
		return nil
	}
}

// coerceElement converts one list element. Objects keep their fields,
// strings and other scalars become raw text, null is dropped.
func coerceElement(raw json.RawMessage) (Item, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Item{}, false
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Item{}, false
		}
		return Item{Fields: obj}, true
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil || s == "" {
			return Item{}, false
		}
		return Item{Raw: s}, true
	default:
		return Item{Raw: string(trimmed)}, true
	}
}

// coerceJSONLines parses newline-delimited JSON. It reports false when
// any non-blank line fails to parse, so callers can fall back to the
// bare-text path.
func coerceJSONLines(trimmed []byte) ([]Item, bool) {
	var items []Item
	any := false
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, false
		}
		any = true
		if it, ok := coerceElement(json.RawMessage(line)); ok {
			items = append(items, it)
		}
	}
	if !any {
		return nil, false
	}
	return items, true
}

// Client fetches message batches from the HL7 feed service.
type Client struct {
	base       string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient returns a feed client rooted at base.
func NewClient(base string, logger zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     logger.With().Str("component", "hl7feed").Logger(),
	}
}

// Fetch retrieves the current message batch from GET /hl7/messages.
// Error statuses and transport failures return errors; response bodies
// of any shape are coerced, so a non-JSON body is not a failure.
func (c *Client) Fetch(ctx context.Context) ([]Item, error) {
	url := c.base + "/hl7/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hl7feed: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hl7feed: fetch messages: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hl7feed: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hl7feed: feed returned %d", resp.StatusCode)
	}

	items := CoerceToList(body)
	c.logger.Debug().Int("items", len(items)).Msg("fetched HL7 feed batch")
	return items, nil
}
