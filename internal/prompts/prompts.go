// Package prompts builds the text sent to the generation model and
// supplies the deterministic fallback lines used when generation is
// unavailable. Everything here is pure string assembly.
package prompts

import (
	"fmt"
	"strings"
)

// RoleplayParams carries everything the roleplay prompt needs,
// pre-formatted by the caller.
type RoleplayParams struct {
	Persona      string // character description, empty means generic narrator
	Scene        string // condensed history of the session so far
	Participants []string
	Mode         string // response plan mode name
	Rationale    string
	Focus        []string
	Author       string
	Message      string
}

// Roleplay builds the generation prompt for an in-character turn,
// conditioned on the response plan.
func Roleplay(p RoleplayParams) string {
	var b strings.Builder

	if p.Persona != "" {
		fmt.Fprintf(&b, "You are playing this character:\n%s\n\n", p.Persona)
	} else {
		b.WriteString("You are the narrator and supporting cast of a collaborative roleplay scene.\n\n")
	}

	if p.Scene != "" {
		fmt.Fprintf(&b, "The scene so far:\n%s\n\n", p.Scene)
	}
	if len(p.Participants) > 0 {
		fmt.Fprintf(&b, "Characters present: %s\n\n", strings.Join(p.Participants, ", "))
	}

	switch p.Mode {
	case "active_dialogue":
		b.WriteString("Respond with direct in-character dialogue.")
	case "subtle_action":
		b.WriteString("Respond with a brief in-fiction action or gesture, little or no dialogue.")
	default:
		b.WriteString("Respond minimally, a short acknowledging beat that keeps the floor with the others.")
	}
	if len(p.Focus) > 0 {
		fmt.Fprintf(&b, " Engage with %s.", strings.Join(p.Focus, " and "))
	}
	if p.Rationale != "" {
		fmt.Fprintf(&b, " (%s)", p.Rationale)
	}
	b.WriteString(" Stay in character, never mention being an AI, and keep the reply under a few paragraphs.\n\n")

	fmt.Fprintf(&b, "%s says:\n%s\n", p.Author, p.Message)
	return b.String()
}

// StructuredParams carries the inputs for an out-of-fiction answer.
type StructuredParams struct {
	Question string
	Context  string // retrieved archive excerpts, may be empty
}

// Structured builds the prompt for a factual, out-of-fiction answer to
// a technical or meta question.
func Structured(p StructuredParams) string {
	var b strings.Builder
	b.WriteString("Answer the question directly and concisely, out of character. " +
		"If you do not know, say so.\n\n")
	if p.Context != "" {
		fmt.Fprintf(&b, "Possibly relevant history:\n%s\n\n", p.Context)
	}
	fmt.Fprintf(&b, "Question:\n%s\n", p.Question)
	return b.String()
}

// FastPathReply returns a canned greeting-tier reply. Deterministic by
// message so repeated greetings do not feel robotic in the same way
// twice.
func FastPathReply(message string) string {
	if len(fastReplies) == 0 {
		return "Hello!"
	}
	var h uint32
	for _, r := range strings.ToLower(strings.TrimSpace(message)) {
		h = h*31 + uint32(r)
	}
	return fastReplies[h%uint32(len(fastReplies))]
}

var fastReplies = []string{
	"Hey there!",
	"Hello! Good to see you.",
	"Hi! What's on your mind?",
	"Hey! I'm around if you need anything.",
	"Hello hello.",
}

// Fallback returns the deterministic line used when generation fails,
// appropriate to the route the turn took.
func Fallback(route string) string {
	switch route {
	case "roleplay":
		return "*pauses for a moment, gathering their thoughts*"
	case "structured_query":
		return "I can't look that up right now. Try again in a moment."
	case "fast_path":
		return "Hello!"
	default:
		return "Sorry, I lost my train of thought. Could you say that again?"
	}
}

// SessionEnded returns the out-of-fiction acknowledgement sent when a
// scene terminates, keyed by the end reason.
func SessionEnded(reason string) string {
	switch reason {
	case "explicit_exit":
		return "Scene ended. Thanks for playing!"
	case "ooc":
		return "Stepping out of the scene."
	case "technical_query":
		return "Pausing the scene to answer that."
	case "gm_directive":
		return "Scene closed by the GM."
	default:
		return "Scene ended."
	}
}
