package hl7feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestCoerceToList_Array(t *testing.T) {
	body := `[
		{"id":"m1","message":"MSH|^~\\&|LAB"},
		"MSH|^~\\&|BARE",
		42,
		null,
		""
	]`
	items := CoerceToList([]byte(body))
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if !items[0].IsDict() || items[0].ID() != "m1" {
		t.Errorf("first item should be a dict with id m1, got %+v", items[0])
	}
	if items[1].IsDict() || items[1].Raw != `MSH|^~\&|BARE` {
		t.Errorf("second item should be raw text, got %+v", items[1])
	}
	if items[2].Raw != "42" {
		t.Errorf("scalar element should keep its literal text, got %q", items[2].Raw)
	}
}

func TestCoerceToList_ContainerObject(t *testing.T) {
	body := `{"count":2,"messages":[{"id":"a"},{"id":"b"}],"items":[{"id":"ignored"}]}`
	items := CoerceToList([]byte(body))
	if len(items) != 2 {
		t.Fatalf("expected 2 items from messages container, got %d", len(items))
	}
	if items[0].ID() != "a" || items[1].ID() != "b" {
		t.Errorf("container unwrap out of order: %+v", items)
	}

	// A container key holding a non-array is skipped in favor of later keys.
	body = `{"messages":"nope","data":[{"id":"c"}]}`
	items = CoerceToList([]byte(body))
	if len(items) != 1 || items[0].ID() != "c" {
		t.Fatalf("expected data container unwrap, got %+v", items)
	}
}

func TestCoerceToList_SingleDict(t *testing.T) {
	items := CoerceToList([]byte(`{"message":"MSH|^~\\&|X","source":"lis"}`))
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if got := items[0].Body(); got != `MSH|^~\&|X` {
		t.Errorf("Body() = %q", got)
	}
}

func TestCoerceToList_JSONString(t *testing.T) {
	items := CoerceToList([]byte(`"MSH|^~\\&|LAB|HOSP"`))
	if len(items) != 1 || items[0].Raw != `MSH|^~\&|LAB|HOSP` {
		t.Fatalf("expected one raw item, got %+v", items)
	}
}

func TestCoerceToList_JSONLines(t *testing.T) {
	body := "{\"id\":\"l1\",\"message\":\"MSH|1\"}\n\n{\"id\":\"l2\",\"message\":\"MSH|2\"}\n"
	items := CoerceToList([]byte(body))
	if len(items) != 2 {
		t.Fatalf("expected 2 JSON-lines items, got %d", len(items))
	}
	if items[0].ID() != "l1" || items[1].ID() != "l2" {
		t.Errorf("unexpected ids: %+v", items)
	}
}

func TestCoerceToList_BareHL7Text(t *testing.T) {
	raw := "MSH|^~\\&|LAB|HOSP|||20250101123000||ORU^R01|MSG1|P|2.5\rPID|1||12345\rOBX|1|NM|718-7^HGB||12.3|g/dL"
	items := CoerceToList([]byte(raw))
	if len(items) != 1 {
		t.Fatalf("expected single bare item, got %d", len(items))
	}
	if items[0].IsDict() || items[0].Body() != raw {
		t.Errorf("bare item should carry the full text")
	}
}

func TestCoerceToList_Unrecognized(t *testing.T) {
	if items := CoerceToList([]byte("not hl7, not json")); len(items) != 0 {
		t.Errorf("garbage should coerce to empty, got %+v", items)
	}
	if items := CoerceToList([]byte("   ")); len(items) != 0 {
		t.Errorf("blank body should coerce to empty, got %+v", items)
	}
	if items := CoerceToList([]byte("123")); len(items) != 0 {
		t.Errorf("top-level scalar should coerce to empty, got %+v", items)
	}
}

func TestItem_BodyPriority(t *testing.T) {
	items := CoerceToList([]byte(`{"message":"","raw_message":"MSH|rm","raw":"MSH|r"}`))
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if got := items[0].Body(); got != "MSH|rm" {
		t.Errorf("empty message should fall through to raw_message, got %q", got)
	}

	items = CoerceToList([]byte(`{"source":"lis"}`))
	if got := items[0].Body(); got != "" {
		t.Errorf("item without payload keys should have empty body, got %q", got)
	}
}

func TestItem_StringField(t *testing.T) {
	items := CoerceToList([]byte(`{"id":"x1","timestamp":1735732200,"source":null,"meta":{"a":1}}`))
	it := items[0]

	if v, ok := it.StringField("id"); !ok || v != "x1" {
		t.Errorf("id = %q, %v", v, ok)
	}
	if v, ok := it.StringField("timestamp"); !ok || v != "1735732200" {
		t.Errorf("numeric field should keep literal text, got %q, %v", v, ok)
	}
	if _, ok := it.StringField("source"); ok {
		t.Error("null field should report absent")
	}
	if _, ok := it.StringField("missing"); ok {
		t.Error("missing field should report absent")
	}
	if v, ok := it.StringField("meta"); !ok || v != `{"a":1}` {
		t.Errorf("object field should keep JSON text, got %q", v)
	}
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hl7/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"m1","message":"MSH|^~\\&|LAB"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	items, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID() != "m1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestClient_Fetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestClient_Fetch_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("MSH|^~\\&|LAB|HOSP"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	items, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("non-JSON body should not error: %v", err)
	}
	if len(items) != 1 || items[0].Raw != "MSH|^~\\&|LAB|HOSP" {
		t.Fatalf("unexpected items: %+v", items)
	}
}
