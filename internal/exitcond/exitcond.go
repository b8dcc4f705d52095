// Package exitcond detects conditions that should end an active
// roleplay session: explicit exit commands, out-of-character markers,
// and technical queries about the system itself.
//
// Detection is driven by ordered rule lists built from configuration,
// so new patterns can be added and tested without touching the router's
// control flow. Precedence is fixed: explicit command, then OOC marker,
// then technical-query heuristic. The first match wins and the detector
// short-circuits.
package exitcond

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reason identifies which condition matched.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonExplicitCommand
	ReasonOOC
	ReasonTechnicalQuery
)

func (r Reason) String() string {
	switch r {
	case ReasonExplicitCommand:
		return "explicit_command"
	case ReasonOOC:
		return "ooc"
	case ReasonTechnicalQuery:
		return "technical_query"
	default:
		return "none"
	}
}

// Result is the outcome of one detection pass.
type Result struct {
	ShouldExit bool
	Reason     Reason

	// OOCContent is the literal text between the OOC markers when
	// Reason is ReasonOOC. The caller decides whether to answer it as
	// a structured query instead of discarding it.
	OOCContent string
}

// MarkerPair delimits out-of-character content.
type MarkerPair struct {
	Open  string
	Close string
}

// DefaultOOCMarkers are the marker pairs recognized when none are
// configured. Double parens are the near-universal chat-roleplay
// convention; the bracket form is common on forum-style platforms.
var DefaultOOCMarkers = []MarkerPair{
	{Open: "((", Close: "))"},
	{Open: "[ooc]", Close: "[/ooc]"},
	{Open: "(ooc:", Close: ")"},
}

// Detector pattern-matches messages against configured exit signatures.
// It is stateless after construction; Detect is pure and deterministic.
type Detector struct {
	exitRules      []*regexp.Regexp
	technicalRules []*regexp.Regexp
	oocMarkers     []MarkerPair
}

// NewDetector compiles the configured pattern lists. An invalid pattern
// is a configuration error and fails construction.
func NewDetector(exitPatterns, technicalPatterns []string, oocMarkers []MarkerPair) (*Detector, error) {
	d := &Detector{oocMarkers: oocMarkers}
	if len(d.oocMarkers) == 0 {
		d.oocMarkers = DefaultOOCMarkers
	}

	for _, p := range exitPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exit pattern %q: %w", p, err)
		}
		d.exitRules = append(d.exitRules, re)
	}
	for _, p := range technicalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("technical pattern %q: %w", p, err)
		}
		d.technicalRules = append(d.technicalRules, re)
	}
	return d, nil
}

// Detect checks text against the rule lists in precedence order and
// returns on the first match.
func (d *Detector) Detect(text string) Result {
	for _, re := range d.exitRules {
		if re.MatchString(text) {
			return Result{ShouldExit: true, Reason: ReasonExplicitCommand}
		}
	}

	if content, ok := d.extractOOC(text); ok {
		return Result{ShouldExit: true, Reason: ReasonOOC, OOCContent: content}
	}

	for _, re := range d.technicalRules {
		if re.MatchString(text) {
			return Result{ShouldExit: true, Reason: ReasonTechnicalQuery}
		}
	}

	return Result{Reason: ReasonNone}
}

// extractOOC finds the first OOC marker pair in text and returns the
// trimmed literal content between the markers. Marker matching is
// case-insensitive; an opener with no closer takes the rest of the
// message.
func (d *Detector) extractOOC(text string) (string, bool) {
	for _, m := range d.oocMarkers {
		start, openLen := foldIndex(text, m.Open)
		if start < 0 {
			continue
		}
		inner := text[start+openLen:]
		if end, _ := foldIndex(inner, m.Close); end >= 0 {
			inner = inner[:end]
		}
		return strings.TrimSpace(inner), true
	}
	return "", false
}

// foldIndex is a case-insensitive strings.Index whose offsets are valid
// in s itself. Lowercasing the haystack up front would shift byte
// offsets whenever a rune's case pair has a different encoded length
// (İ shrinks, Ⱥ grows), so the scan walks s and compares a window at
// each rune boundary instead. Returns the start offset and the byte
// length of the matched window, or -1.
func foldIndex(s, substr string) (start, length int) {
	for i := range s {
		if n, ok := foldPrefixLen(s[i:], substr); ok {
			return i, n
		}
	}
	return -1, 0
}

// foldPrefixLen reports whether s begins with a case-insensitive match
// of prefix, and how many bytes of s that match spans.
func foldPrefixLen(s, prefix string) (int, bool) {
	var n int
	for _, pr := range prefix {
		r, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 {
			return 0, false
		}
		if r != pr && unicode.ToLower(r) != unicode.ToLower(pr) {
			return 0, false
		}
		n += size
	}
	return n, true
}
