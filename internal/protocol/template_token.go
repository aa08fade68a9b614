package protocol

import (
	"encoding/json"
	"fmt"
)

// tokenType tags a TemplateToken's shape, mirroring the wire's numeric
// "type" discriminant (spec §9 "Polymorphic template tokens").
type tokenType int

const (
	tokenString   tokenType = 0
	tokenBoolean  tokenType = 1
	tokenMapping  tokenType = 2
	tokenSequence tokenType = 3
	tokenNull     tokenType = 4
)

// TemplateToken is the small tagged-AST the orchestrator uses to encode
// environments and inputs as `{type, map:[k,v,k,v,...]}` documents. It
// supports exactly two operations per spec §9: flattening to a
// string-keyed map, and looking up a single literal string value.
type TemplateToken struct {
	Type tokenType
	Str  string
	Bool bool
	// Map holds alternating key/value tokens: Map[2i] is a key, Map[2i+1]
	// its value, mirroring the wire's flat pairs array.
	Map []TemplateToken
	Seq []TemplateToken
}

// UnmarshalJSON accepts the wire's `{type:N, map:[...], sequence:[...],
// literal:"..."}` shape. An unrecognised type is not an error here — it
// resolves to TemplateToken{Type: tokenNull}; FlattenToMap's caller is
// responsible for warning, matching spec §9's "reject unrecognised token
// types with a warning and treat the field as empty".
func (t *TemplateToken) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    int             `json:"type"`
		Literal json.RawMessage `json:"literal"`
		Map     []TemplateToken `json:"map"`
		Seq     []TemplateToken `json:"sequence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch tokenType(raw.Type) {
	case tokenString:
		var s string
		if len(raw.Literal) > 0 {
			json.Unmarshal(raw.Literal, &s)
		}
		t.Type, t.Str = tokenString, s
	case tokenBoolean:
		var b bool
		if len(raw.Literal) > 0 {
			json.Unmarshal(raw.Literal, &b)
		}
		t.Type, t.Bool = tokenBoolean, b
	case tokenMapping:
		t.Type, t.Map = tokenMapping, raw.Map
	case tokenSequence:
		t.Type, t.Seq = tokenSequence, raw.Seq
	default:
		t.Type = tokenNull
	}
	return nil
}

// FlattenToMap converts a mapping token into a string-keyed map of literal
// string values. Non-mapping tokens, and non-string values within the
// mapping, are skipped rather than erroring — callers that need strict
// validation should check Type first.
func (t *TemplateToken) FlattenToMap() map[string]string {
	out := make(map[string]string)
	if t == nil || t.Type != tokenMapping {
		return out
	}
	for i := 0; i+1 < len(t.Map); i += 2 {
		key := t.Map[i]
		val := t.Map[i+1]
		if key.Type != tokenString {
			continue
		}
		if s, ok := val.LookupLiteralString(); ok {
			out[key.Str] = s
		}
	}
	return out
}

// LookupLiteralString returns the token's value as a string when the token
// is a string or boolean literal (spec §9 "lookup literal string").
func (t *TemplateToken) LookupLiteralString() (string, bool) {
	if t == nil {
		return "", false
	}
	switch t.Type {
	case tokenString:
		return t.Str, true
	case tokenBoolean:
		if t.Bool {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// String renders a TemplateToken for diagnostics.
func (t *TemplateToken) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Type {
	case tokenString:
		return t.Str
	case tokenBoolean:
		return fmt.Sprintf("%v", t.Bool)
	case tokenMapping:
		return fmt.Sprintf("<mapping len=%d>", len(t.Map)/2)
	case tokenSequence:
		return fmt.Sprintf("<sequence len=%d>", len(t.Seq))
	default:
		return "<null>"
	}
}
