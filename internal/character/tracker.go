// Package character extracts participant names from raw roleplay
// message text. Extraction is a pure function over the text: emote and
// bracket annotations are trusted most, then explicit addressing cues,
// then a capitalized-word heuristic guarded by an exclusion list.
//
// Names are normalized with Unicode-aware title casing so that accented
// and multi-byte names survive intact ("élodie" becomes "Élodie", never
// "Elodie").
package character

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// nameToken matches a single name-like token: an uppercase letter
// followed by letters, combining marks, apostrophes, or hyphens.
var nameToken = `\p{Lu}[\p{L}\p{M}'’-]*`

var (
	// *Kira smiles* or [Kira] or <Kira>; the name is the first token
	// inside the annotation.
	emoteRe = regexp.MustCompile(`[*\[<]\s*(` + nameToken + `)`)

	// @Kira or "to Kira:" / "to Kira,"
	mentionRe    = regexp.MustCompile(`@(` + nameToken + `)`)
	addressingRe = regexp.MustCompile(`(?i)\bto (` + nameToken + `)\s*[:,]`)

	// Free-text capitalized words, the least trusted source.
	capitalizedRe = regexp.MustCompile(`\b(` + nameToken + `)\b`)
)

// Tracker extracts and normalizes participant names. It holds only the
// configured exclusion set; Extract has no hidden state.
type Tracker struct {
	excluded map[string]struct{}
	caser    cases.Caser
}

// NewTracker creates a tracker with the given exclusion list. Excluded
// words are compared after normalization, so the list is case- and
// accent-form-insensitive.
func NewTracker(excludedWords []string) *Tracker {
	t := &Tracker{
		excluded: make(map[string]struct{}, len(excludedWords)),
		caser:    cases.Title(language.Und, cases.NoLower),
	}
	for _, w := range excludedWords {
		t.excluded[t.Normalize(w)] = struct{}{}
	}
	return t
}

// Normalize canonicalizes a raw name: trims whitespace, applies NFC so
// composed and decomposed accent forms compare equal, and title-cases
// the first letter of each word while preserving diacritics.
func (t *Tracker) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return t.caser.String(s)
}

// Extract returns the set of normalized names found in text, in first-
// seen order across the trust tiers. Returns an empty slice, never an
// error, when nothing is found.
func (t *Tracker) Extract(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var names []string

	add := func(raw string) {
		name := t.Normalize(raw)
		if name == "" || len([]rune(name)) < 2 {
			return
		}
		if _, excluded := t.excluded[name]; excluded {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	// Tier 1: emote/bracket annotations.
	for _, m := range emoteRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	// Tier 2: addressing cues.
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range addressingRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	// Tier 3: capitalized words, filtered by the exclusion list.
	for _, m := range capitalizedRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	return names
}
