package character

import (
	"slices"
	"testing"
)

var testExclusions = []string{
	"The", "A", "An", "I", "You", "He", "She", "It", "We", "They",
	"This", "That", "And", "But", "So", "Then", "Well", "Oh", "Hey",
	"What", "When", "Where", "Who", "Why", "How", "My", "Your",
}

func TestExtract(t *testing.T) {
	tr := NewTracker(testExclusions)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			"emote annotation",
			"*Kira smiles and waves*",
			[]string{"Kira"},
		},
		{
			"bracket annotation",
			"[Tamsin] I told you this would happen.",
			[]string{"Tamsin"},
		},
		{
			"mention",
			"well, @Kira should go first",
			[]string{"Kira"},
		},
		{
			"addressing phrase",
			"She turns to Marcus: you were saying?",
			[]string{"Marcus"},
		},
		{
			"capitalized heuristic",
			"and then Kira told Marcus about the key",
			[]string{"Kira", "Marcus"},
		},
		{
			"excluded words suppressed",
			"The wind howls. She waits. What happens?",
			nil,
		},
		{
			"mixed tiers keep first-seen order",
			"*Élodie bows* and whispers to Kira: run. Tamsin freezes.",
			[]string{"Élodie", "Kira", "Tamsin"},
		},
		{
			"no names",
			"it was a dark and stormy night",
			nil,
		},
		{
			"empty",
			"   ",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Extract(tt.text)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Extract(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractDeduplicates(t *testing.T) {
	tr := NewTracker(testExclusions)

	got := tr.Extract("*Kira nods* @Kira, Kira knows KIRA best")
	if !slices.Equal(got, []string{"Kira"}) {
		t.Errorf("Extract = %v, want single Kira", got)
	}
}

func TestNormalize(t *testing.T) {
	tr := NewTracker(nil)

	tests := []struct {
		in   string
		want string
	}{
		{"kira", "Kira"},
		{"  Kira  ", "Kira"},
		{"KIRA", "Kira"},
		{"élodie", "Élodie"},
		{"ÉLODIE", "Élodie"},
		{"björn", "Björn"},
		{"van helsing", "Van Helsing"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := tr.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Composed and decomposed accent forms normalize to the same name, so
// the same character typed from different keyboards is one participant.
func TestNormalizeUnifiesAccentForms(t *testing.T) {
	tr := NewTracker(nil)

	composed := "\u00c9lodie"
	decomposed := "E\u0301lodie"

	if tr.Normalize(composed) != tr.Normalize(decomposed) {
		t.Errorf("NFC forms differ: %q vs %q",
			tr.Normalize(composed), tr.Normalize(decomposed))
	}
}

func TestExtractPreservesDiacritics(t *testing.T) {
	tr := NewTracker(testExclusions)

	got := tr.Extract("*Åsa glances at José*")
	want := []string{"Åsa", "José"}
	if !slices.Equal(got, want) {
		t.Errorf("Extract = %v, want %v (diacritics must survive)", got, want)
	}
}
