package protocol

import (
	"encoding/json"
	"testing"
)

func TestFlattenToMap(t *testing.T) {
	raw := `{
		"type": 2,
		"map": [
			{"type":0,"literal":"NAME"}, {"type":0,"literal":"hello"},
			{"type":0,"literal":"FLAG"}, {"type":1,"literal":true}
		]
	}`
	var tok TemplateToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		t.Fatal(err)
	}
	m := tok.FlattenToMap()
	if m["NAME"] != "hello" || m["FLAG"] != "true" {
		t.Fatalf("FlattenToMap = %#v", m)
	}
}

func TestFlattenToMapSkipsNonStringValues(t *testing.T) {
	raw := `{
		"type": 2,
		"map": [
			{"type":0,"literal":"OK"}, {"type":0,"literal":"yes"},
			{"type":0,"literal":"NESTED"}, {"type":3,"sequence":[]}
		]
	}`
	var tok TemplateToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		t.Fatal(err)
	}
	m := tok.FlattenToMap()
	if len(m) != 1 || m["OK"] != "yes" {
		t.Fatalf("expected only the string-valued pair to survive, got %#v", m)
	}
}

func TestUnrecognisedTokenTypeBecomesNull(t *testing.T) {
	var tok TemplateToken
	if err := json.Unmarshal([]byte(`{"type":99}`), &tok); err != nil {
		t.Fatal(err)
	}
	if _, ok := tok.LookupLiteralString(); ok {
		t.Fatal("expected an unrecognised token type to resolve to no literal value")
	}
}

func TestFlattenToMapOnEmptyMapping(t *testing.T) {
	var tok TemplateToken
	json.Unmarshal([]byte(`{"type":2,"map":[]}`), &tok)
	if len(tok.FlattenToMap()) != 0 {
		t.Fatal("expected empty mapping to flatten to empty map")
	}
}
