// Package actioncmd parses the "::cmd::" action-command protocol emitted on
// a step's stdout/stderr (spec §4.6): v1 `##[command key=value;...]data` and
// v2 `::command key=value,...::data`, sharing an escape table with format-
// specific extensions, plus the stop-commands pause state.
package actioncmd

import "strings"

// Command is one parsed action command.
type Command struct {
	Name       string
	Properties map[string]string
	Data       string
}

// RegisteredCommands lists every command name the parser recognises (spec
// §4.6).
var RegisteredCommands = map[string]bool{
	"set-output":     true,
	"set-env":        true,
	"add-path":       true,
	"add-mask":       true,
	"add-matcher":    true,
	"remove-matcher": true,
	"warning":        true,
	"error":          true,
	"notice":         true,
	"debug":          true,
	"group":          true,
	"endgroup":       true,
	"echo":           true,
	"save-state":     true,
	"stop-commands":  true,
}

// escapeValue applies the shared escape table, then format-specific
// extensions. Order matters: '%' must be escaped first so the escape
// sequences it introduces for the other characters are not themselves
// re-escaped (spec §4.6, §8 scenario 2).
func escapeValue(s string, extra map[byte]string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	for b, esc := range extra {
		s = strings.ReplaceAll(s, string(b), esc)
	}
	return s
}

// unescapeValue reverses escapeValue. Format-specific extensions decode
// first, then \r\n, then '%' last so a decoded '%' is not mistaken for the
// start of another escape sequence.
func unescapeValue(s string, extra map[string]byte) string {
	for esc, b := range extra {
		s = strings.ReplaceAll(s, esc, string(b))
	}
	s = strings.ReplaceAll(s, "%0D", "\r")
	s = strings.ReplaceAll(s, "%0A", "\n")
	s = strings.ReplaceAll(s, "%25", "%")
	return s
}

var v1Extra = map[byte]string{';': "%3B", ']': "%5D"}
var v1ExtraDecode = map[string]byte{"%3B": ';', "%5D": ']'}
var v2Extra = map[byte]string{':': "%3A", ',': "%2C"}
var v2ExtraDecode = map[string]byte{"%3A": ':', "%2C": ','}

// EscapeV1 / UnescapeV1 operate on v1 data/property values.
func EscapeV1(s string) string   { return escapeValue(s, v1Extra) }
func UnescapeV1(s string) string { return unescapeValue(s, v1ExtraDecode) }

// EscapeV2Property / UnescapeV2Property operate on v2 property values,
// which additionally escape ':' and ','.
func EscapeV2Property(s string) string   { return escapeValue(s, v2Extra) }
func UnescapeV2Property(s string) string { return unescapeValue(s, v2ExtraDecode) }

// EscapeV2Data / UnescapeV2Data operate on v2 data (no additional escapes
// beyond the shared table).
func EscapeV2Data(s string) string   { return escapeValue(s, nil) }
func UnescapeV2Data(s string) string { return unescapeValue(s, nil) }

// Parse recognises a line as a v1 or v2 action command, returning ok=false
// if the line is not a command (plain log output).
func Parse(line string) (Command, bool) {
	if cmd, ok := parseV1(line); ok {
		return cmd, true
	}
	if cmd, ok := parseV2(line); ok {
		return cmd, true
	}
	return Command{}, false
}

// parseV1 parses "##[command key=value;key2=value2]data".
func parseV1(line string) (Command, bool) {
	if !strings.HasPrefix(line, "##[") {
		return Command{}, false
	}
	closeIdx := strings.Index(line, "]")
	if closeIdx < 0 {
		return Command{}, false
	}
	header := line[len("##["):closeIdx]
	data := UnescapeV1(line[closeIdx+1:])

	parts := strings.SplitN(header, " ", 2)
	name := parts[0]
	props := map[string]string{}
	if len(parts) == 2 {
		for _, kv := range strings.Split(parts[1], ";") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			props[k] = UnescapeV1(v)
		}
	}
	return Command{Name: name, Properties: props, Data: data}, true
}

// parseV2 parses "::command key=value,key2=value2::data".
func parseV2(line string) (Command, bool) {
	if !strings.HasPrefix(line, "::") {
		return Command{}, false
	}
	rest := line[2:]
	sepIdx := strings.Index(rest, "::")
	if sepIdx < 0 {
		return Command{}, false
	}
	header := rest[:sepIdx]
	data := UnescapeV2Data(rest[sepIdx+2:])

	nameEnd := strings.IndexByte(header, ' ')
	var name, propStr string
	if nameEnd < 0 {
		name = header
	} else {
		name = header[:nameEnd]
		propStr = header[nameEnd+1:]
	}

	props := map[string]string{}
	if propStr != "" {
		for _, kv := range strings.Split(propStr, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			props[k] = UnescapeV2Property(v)
		}
	}
	return Command{Name: name, Properties: props, Data: data}, true
}
