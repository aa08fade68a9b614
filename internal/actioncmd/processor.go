package actioncmd

import "strings"

// Masker registers newly observed secret values for scrubbing from log
// output (spec §4.6 "All newly observed secret values ... are registered
// with the secret masker").
type Masker interface {
	Add(value string)
}

// Sink receives each recognised, non-paused command.
type Sink interface {
	Handle(cmd Command)
}

// secretAllowlist names the commands whose data is always registered as a
// secret when observed (spec §4.6): add-mask's data. set-env's value is
// registered separately in Line, only when the command carries an
// isSecret=true property.
var secretAllowlist = map[string]bool{
	"add-mask": true,
}

// Processor runs the stop-commands pause state machine over a stream of
// output lines (spec §4.6).
type Processor struct {
	masker Masker
	sink   Sink

	paused      bool
	resumeToken string
}

// NewProcessor constructs a Processor. masker may be nil to skip secret
// registration (e.g. in tests).
func NewProcessor(masker Masker, sink Sink) *Processor {
	return &Processor{masker: masker, sink: sink}
}

// Line processes one output line. While paused, only the exact resume
// sentinel "::<token>::" un-pauses the parser; everything else, including
// syntactically valid commands, passes through as plain log output (spec
// §4.6). The return value is true when the line was consumed as a
// recognised command and must not also be appended to the log verbatim.
func (p *Processor) Line(line string) bool {
	if p.paused {
		if line == "::"+p.resumeToken+"::" {
			p.paused = false
			p.resumeToken = ""
			return true
		}
		return false
	}

	cmd, ok := Parse(line)
	if !ok {
		return false
	}
	if !RegisteredCommands[cmd.Name] {
		return false
	}

	if cmd.Name == "stop-commands" {
		token := strings.TrimSpace(cmd.Data)
		if token == "" || token == "pause-logging" {
			// Empty tokens and the literal "pause-logging" sentinel are
			// rejected (spec §4.6).
			return false
		}
		p.paused = true
		p.resumeToken = token
		return true
	}

	if secretAllowlist[cmd.Name] && p.masker != nil {
		p.masker.Add(cmd.Data)
	}
	if cmd.Name == "set-env" && p.masker != nil {
		if name, secret := cmd.Properties["name"], cmd.Properties["isSecret"]; name != "" && strings.EqualFold(secret, "true") {
			p.masker.Add(cmd.Data)
		}
	}

	if p.sink != nil {
		p.sink.Handle(cmd)
	}
	return true
}

// Paused reports whether the parser is in the stop-commands pause state.
func (p *Processor) Paused() bool { return p.paused }
