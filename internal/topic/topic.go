// Package topic validates dot-separated routing keys and compiles the
// subscription patterns matched against them.
//
// A topic is one or more segments joined by '.', e.g. "character.created".
// Each segment is 1-64 lowercase letters, digits, '-' or '_', starting with
// a letter or digit. A pattern may also use '*' for exactly one segment and
// a final '>' for one or more trailing segments.
package topic

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen bounds the full topic string.
const MaxLen = 255

var segmentRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// ErrInvalidTopic is returned for malformed topics and patterns.
var ErrInvalidTopic = errors.New("topic: invalid")

// Validate returns nil if t is a well-formed concrete topic.
func Validate(t string) error {
	if t == "" || len(t) > MaxLen {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, t)
	}
	for _, seg := range strings.Split(t, ".") {
		if !segmentRe.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, t)
		}
	}
	return nil
}

// Pattern is a compiled subscription pattern.
type Pattern struct {
	raw  string
	segs []string
	tail bool // ends with '>'
}

// Compile parses a subscription pattern.
func Compile(p string) (Pattern, error) {
	if p == "" || len(p) > MaxLen {
		return Pattern{}, fmt.Errorf("%w: pattern %q", ErrInvalidTopic, p)
	}
	segs := strings.Split(p, ".")
	pat := Pattern{raw: p}
	for i, seg := range segs {
		switch {
		case seg == ">":
			if i != len(segs)-1 {
				return Pattern{}, fmt.Errorf("%w: '>' must be last in %q", ErrInvalidTopic, p)
			}
			pat.tail = true
		case seg == "*", segmentRe.MatchString(seg):
			pat.segs = append(pat.segs, seg)
		default:
			return Pattern{}, fmt.Errorf("%w: pattern %q", ErrInvalidTopic, p)
		}
	}
	return pat, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(p string) Pattern {
	pat, err := Compile(p)
	if err != nil {
		panic(err)
	}
	return pat
}

// String returns the source pattern.
func (p Pattern) String() string { return p.raw }

// Literal reports whether the pattern contains no wildcard.
func (p Pattern) Literal() bool {
	if p.tail {
		return false
	}
	for _, s := range p.segs {
		if s == "*" {
			return false
		}
	}
	return true
}

// Match reports whether topic t is covered by the pattern.
func (p Pattern) Match(t string) bool {
	segs := strings.Split(t, ".")
	if p.tail {
		if len(segs) <= len(p.segs) {
			return false
		}
	} else if len(segs) != len(p.segs) {
		return false
	}
	for i, want := range p.segs {
		if want != "*" && want != segs[i] {
			return false
		}
	}
	return true
}

// moreSpecific orders overlapping patterns: more literal segments first,
// then fixed-length patterns over '>' patterns.
func (p Pattern) moreSpecific(q Pattern) bool {
	pl, ql := p.literals(), q.literals()
	if pl != ql {
		return pl > ql
	}
	return !p.tail && q.tail
}

func (p Pattern) literals() int {
	n := 0
	for _, s := range p.segs {
		if s != "*" {
			n++
		}
	}
	return n
}
