// Package directive extracts inline behavior directives from inbound
// messages. Directives are leading slash-prefixed tokens (/think, /verbose,
// /elevated) that modify agent behavior for the remainder of a session.
package directive

import (
	"strings"
	"unicode"
)

// Sentinel is the character that introduces a directive token.
const Sentinel = '/'

// Set is the immutable result of parsing directives from one message.
type Set struct {
	Think         bool `json:"think"`
	Verbose       bool `json:"verbose"`
	Elevated      bool `json:"elevated"`
	HasDirectives bool `json:"has_directives"`
}

// Merge returns the OR-combination of two sets.
func (s Set) Merge(other Set) Set {
	return Set{
		Think:         s.Think || other.Think,
		Verbose:       s.Verbose || other.Verbose,
		Elevated:      s.Elevated || other.Elevated,
		HasDirectives: s.HasDirectives || other.HasDirectives,
	}
}

// vocabulary maps recognized directive tokens (without sentinel) to the
// field they set.
var vocabulary = map[string]func(*Set){
	"think":    func(s *Set) { s.Think = true },
	"verbose":  func(s *Set) { s.Verbose = true },
	"elevated": func(s *Set) { s.Elevated = true },
}

// Parse extracts the contiguous run of recognized directives at the start
// of raw and returns the cleaned remainder plus the directive set.
// Unrecognized sentinel-prefixed tokens end the run and stay in the output.
// Parse is a pure function with no side effects.
func Parse(raw string) (string, Set) {
	var set Set
	rest := raw

	for {
		trimmed := strings.TrimLeftFunc(rest, unicode.IsSpace)
		if trimmed == "" || trimmed[0] != Sentinel {
			rest = trimmed
			break
		}

		token := trimmed
		if idx := strings.IndexFunc(trimmed, unicode.IsSpace); idx >= 0 {
			token = trimmed[:idx]
		}

		apply, ok := vocabulary[strings.ToLower(token[1:])]
		if !ok {
			rest = trimmed
			break
		}

		apply(&set)
		set.HasDirectives = true
		rest = trimmed[len(token):]
	}

	return strings.TrimSpace(rest), set
}
