// Package strategy turns conversational context into a response plan
// for a roleplay turn. The plan is a mode (speak, act, or listen) plus
// rationale, never text; generation happens elsewhere.
//
// The engine consults an external reasoning collaborator, but roleplay
// continuity outranks strategic nuance: on any reasoning failure or
// timeout it falls back to a deterministic default instead of
// surfacing the error.
package strategy

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// Mode enumerates the response modes available to a roleplay turn.
type Mode int

const (
	// ModeActiveDialogue speaks directly into the scene.
	ModeActiveDialogue Mode = iota
	// ModeSubtleAction responds with a small in-fiction action or
	// gesture rather than dialogue.
	ModeSubtleAction
	// ModeListening stays quiet and supportive, yielding the floor.
	ModeListening
)

func (m Mode) String() string {
	switch m {
	case ModeActiveDialogue:
		return "active_dialogue"
	case ModeSubtleAction:
		return "subtle_action"
	case ModeListening:
		return "listening"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name back to a Mode. Unknown names report
// false so callers can fall back rather than guess.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active_dialogue", "dialogue", "speak":
		return ModeActiveDialogue, true
	case "subtle_action", "action", "act":
		return ModeSubtleAction, true
	case "listening", "listen", "silent":
		return ModeListening, true
	default:
		return ModeListening, false
	}
}

// Strategy is the response plan for one roleplay turn. It is ephemeral:
// produced per turn, passed to generation, never stored.
type Strategy struct {
	Mode      Mode     `json:"mode"`
	Rationale string   `json:"rationale,omitempty"`
	Focus     []string `json:"focus,omitempty"` // characters to engage
}

// Default is the deterministic fallback plan used whenever reasoning is
// unavailable: stay present, stay supportive, don't steer.
func Default() Strategy {
	return Strategy{
		Mode:      ModeListening,
		Rationale: "supportive listening",
	}
}

// Context is everything the reasoning collaborator sees for one turn.
type Context struct {
	Message       string
	Author        string
	History       string // condensed transcript of recent turns
	Participants  []string
	Addressed     []string
	EmotionalCues []string
}

// Reasoner is the external reasoning collaborator. Implementations may
// be slow; the engine bounds every call with a timeout.
type Reasoner interface {
	Reason(ctx context.Context, rc Context) (Strategy, error)
}

// Engine produces a Strategy per roleplay turn.
type Engine struct {
	reasoner Reasoner
	timeout  time.Duration
	logger   *slog.Logger
}

// NewEngine creates a strategy engine. A nil reasoner is allowed and
// always yields the default strategy.
func NewEngine(reasoner Reasoner, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Engine{
		reasoner: reasoner,
		timeout:  timeout,
		logger:   logger.With("component", "strategy"),
	}
}

// Determine returns the response plan for the turn. It never fails:
// reasoning errors and timeouts degrade to Default().
func (e *Engine) Determine(ctx context.Context, rc Context) Strategy {
	if len(rc.EmotionalCues) == 0 {
		rc.EmotionalCues = DetectCues(rc.Message)
	}

	if e.reasoner == nil {
		return Default()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	st, err := e.reasoner.Reason(callCtx, rc)
	if err != nil {
		e.logger.Warn("reasoning call failed, using default strategy",
			"author", rc.Author,
			"error", err,
		)
		return Default()
	}

	if st.Mode < ModeActiveDialogue || st.Mode > ModeListening {
		e.logger.Warn("reasoner returned unknown mode, using default strategy",
			"mode", int(st.Mode),
		)
		return Default()
	}
	return st
}

// DetectCues extracts coarse emotional signals from message text. The
// cues are hints for the reasoner, not classifications; duplicates are
// collapsed and order is stable.
func DetectCues(text string) []string {
	var cues []string
	add := func(c string) {
		for _, have := range cues {
			if have == c {
				return
			}
		}
		cues = append(cues, c)
	}

	if strings.Contains(text, "!") {
		add("excited")
	}
	if strings.Contains(text, "?") {
		add("questioning")
	}
	if strings.Contains(text, "...") || strings.Contains(text, "…") {
		add("hesitant")
	}
	if strings.Contains(text, "*") {
		add("physical")
	}
	for _, w := range strings.Fields(text) {
		if len([]rune(w)) >= 3 && w == strings.ToUpper(w) && hasLetter(w) {
			add("shouting")
			break
		}
	}
	return cues
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
