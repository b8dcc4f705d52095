// Package router classifies every inbound message and decides its
// processing path. Routing is rule-driven and cheap: regex rule lists
// and session state only, no external calls, so a decision is always
// fast and always explainable after the fact via the audit log.
//
// Priority order is fixed. GM directives are handled first and
// unconditionally, then session expiry is applied, then exit conditions
// for active sessions, then the active-session roleplay path, then
// scene starts, fast-path triggers, and finally the structured-query
// default.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-chat/stagehand/internal/character"
	"github.com/stagehand-chat/stagehand/internal/config"
	"github.com/stagehand-chat/stagehand/internal/exitcond"
	"github.com/stagehand-chat/stagehand/internal/prompts"
	"github.com/stagehand-chat/stagehand/internal/session"
)

// Route is the processing path assigned to a message.
type Route string

const (
	// RouteRoleplay generates an in-character response with full
	// strategy reasoning.
	RouteRoleplay Route = "roleplay"
	// RouteStructured answers out of fiction, optionally with retrieval.
	RouteStructured Route = "structured_query"
	// RouteFastPath replies with a canned line and touches nothing
	// external.
	RouteFastPath Route = "fast_path"
)

// DirectiveKind enumerates recognized GM directive verbs.
type DirectiveKind string

const (
	DirectiveSceneStart DirectiveKind = "scene_start"
	DirectiveSceneEnd   DirectiveKind = "scene_end"
	DirectiveCast       DirectiveKind = "cast"
)

// Directive is a parsed game-master control message.
type Directive struct {
	Kind    DirectiveKind `json:"kind"`
	Context string        `json:"context,omitempty"` // scene framing for scene_start
	Names   []string      `json:"names,omitempty"`   // cast members for cast
}

// Decision is the full routing outcome for one message. Decisions are
// retained in the audit ring so operators can reconstruct why any
// recent message went where it did.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`

	Route     Route      `json:"route"`
	Directive *Directive `json:"directive,omitempty"`

	// QueryText is the text the chosen route should process. It differs
	// from the inbound message when OOC markers were stripped.
	QueryText string `json:"query_text"`

	// Ack, when non-empty, is a complete canned reply; the route needs
	// no generation. Set for directives and session-ending exits.
	Ack string `json:"ack,omitempty"`

	SessionActive    bool     `json:"session_active"`
	SessionStarted   bool     `json:"session_started,omitempty"`
	SessionEnded     bool     `json:"session_ended,omitempty"`
	EndReason        string   `json:"end_reason,omitempty"`
	InvalidDirective bool     `json:"invalid_directive,omitempty"`
	Addressed        []string `json:"addressed,omitempty"`
	Confidence       float64  `json:"confidence"`
	RulesMatched     []string `json:"rules_matched,omitempty"`
}

// Stats aggregates routing counters since process start.
type Stats struct {
	Total             int64            `json:"total"`
	ByRoute           map[Route]int64  `json:"by_route"`
	SessionsStarted   int64            `json:"sessions_started"`
	SessionsEnded     map[string]int64 `json:"sessions_ended"`
	Directives        int64            `json:"directives"`
	InvalidDirectives int64            `json:"invalid_directives"`
}

const auditRingSize = 128

// Router decides message routes. Safe for concurrent use.
type Router struct {
	registry *session.Registry
	detector *exitcond.Detector
	tracker  *character.Tracker

	directivePrefix string
	sceneStartRules []*regexp.Regexp
	fastPathRules   []*regexp.Regexp
	threshold       float64

	logger *slog.Logger

	mu     sync.Mutex
	audit  []Decision // ring, newest at head-1
	head   int
	filled bool
	stats  Stats
}

// New builds a router from the routing rule configuration. Invalid
// patterns fail construction.
func New(cfg config.RoutingConfig, registry *session.Registry, detector *exitcond.Detector, tracker *character.Tracker, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		registry:        registry,
		detector:        detector,
		tracker:         tracker,
		directivePrefix: cfg.DirectivePrefix,
		threshold:       cfg.ConfidenceThreshold,
		logger:          logger.With("component", "router"),
		audit:           make([]Decision, auditRingSize),
	}
	if r.directivePrefix == "" {
		r.directivePrefix = "[DGM]"
	}
	if r.threshold <= 0 {
		r.threshold = 0.6
	}
	r.stats.ByRoute = make(map[Route]int64)
	r.stats.SessionsEnded = make(map[string]int64)

	for _, p := range cfg.SceneStartPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("scene start pattern %q: %w", p, err)
		}
		r.sceneStartRules = append(r.sceneStartRules, re)
	}
	for _, p := range cfg.FastPathTriggers {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("fast path trigger %q: %w", p, err)
		}
		r.fastPathRules = append(r.fastPathRules, re)
	}
	return r, nil
}

// Decide routes one message, applying any session side effects
// (activation, termination, expiry) as it goes. It never fails.
func (r *Router) Decide(channelID, authorID, text string) Decision {
	d := Decision{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ChannelID: channelID,
		AuthorID:  authorID,
		QueryText: text,
	}

	// GM directives outrank everything, including exit conditions and
	// expiry: a directive must work even on a dead session.
	if body, ok := r.directiveBody(text); ok {
		if dir, perr := parseDirective(body); perr == nil {
			r.applyDirective(&d, dir)
			r.record(d)
			return d
		}
		// Malformed directive: flag it and route the message normally.
		d.InvalidDirective = true
		d.RulesMatched = append(d.RulesMatched, "directive:invalid")
	}

	// Lazy expiry before any session read.
	if r.registry.ExpireIfIdle(channelID) {
		d.SessionEnded = true
		d.EndReason = string(session.EndIdle)
		d.RulesMatched = append(d.RulesMatched, "expiry:idle")
	}
	snap := r.registry.Snapshot(channelID)
	d.SessionActive = snap.Active

	if snap.Active {
		r.decideActive(&d, text)
	} else {
		r.decideInactive(&d, text)
	}

	r.record(d)
	return d
}

// decideActive routes a message on a channel with a live session.
func (r *Router) decideActive(d *Decision, text string) {
	res := r.detector.Detect(text)
	if !res.ShouldExit {
		d.Route = RouteRoleplay
		d.Confidence = 1.0
		d.Addressed = r.tracker.Extract(text)
		d.RulesMatched = append(d.RulesMatched, "session:active")
		return
	}

	reason := endReasonFor(res.Reason)
	if r.registry.Terminate(d.ChannelID, reason) {
		d.SessionEnded = true
		d.EndReason = string(reason)
	}
	d.SessionActive = false
	d.RulesMatched = append(d.RulesMatched, "exit:"+res.Reason.String())

	// The exit message itself still deserves an answer. OOC content and
	// technical queries re-route as structured questions; a bare exit
	// command just gets the sign-off.
	switch res.Reason {
	case exitcond.ReasonOOC:
		if res.OOCContent != "" {
			d.Route = RouteStructured
			d.QueryText = res.OOCContent
			d.Confidence = 1.0
			return
		}
		d.Route = RouteFastPath
		d.Ack = prompts.SessionEnded(string(reason))
		d.Confidence = 1.0
	case exitcond.ReasonTechnicalQuery:
		d.Route = RouteStructured
		d.Confidence = 1.0
	default:
		d.Route = RouteFastPath
		d.Ack = prompts.SessionEnded(string(reason))
		d.Confidence = 1.0
	}
}

// decideInactive routes a message on a channel with no session.
func (r *Router) decideInactive(d *Decision, text string) {
	for i, re := range r.sceneStartRules {
		if re.MatchString(text) {
			r.registry.Activate(d.ChannelID, false, "")
			d.SessionStarted = true
			d.SessionActive = true
			d.Route = RouteRoleplay
			d.Confidence = 1.0
			d.Addressed = r.tracker.Extract(text)
			d.RulesMatched = append(d.RulesMatched, fmt.Sprintf("scene_start[%d]", i))
			return
		}
	}

	for i, re := range r.fastPathRules {
		if re.MatchString(text) {
			d.Route = RouteFastPath
			d.Confidence = 1.0
			d.RulesMatched = append(d.RulesMatched, fmt.Sprintf("fast_path[%d]", i))
			return
		}
	}

	// Heuristic classification. High-confidence roleplay text starts a
	// session; anything below the threshold goes structured.
	conf := RoleplayConfidence(text)
	d.Confidence = conf
	if conf >= r.threshold {
		r.registry.Activate(d.ChannelID, false, "")
		d.SessionStarted = true
		d.SessionActive = true
		d.Route = RouteRoleplay
		d.Addressed = r.tracker.Extract(text)
		d.RulesMatched = append(d.RulesMatched, "heuristic:roleplay")
		return
	}
	d.Route = RouteStructured
	d.RulesMatched = append(d.RulesMatched, "heuristic:structured")
}

// directiveBody returns the text after the directive prefix when the
// message is a directive.
func (r *Router) directiveBody(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, r.directivePrefix) {
		return "", false
	}
	return strings.TrimSpace(t[len(r.directivePrefix):]), true
}

// parseDirective parses a directive body. Recognized forms:
//
//	scene start [context...]
//	scene end
//	cast Name[, Name...]
func parseDirective(body string) (Directive, error) {
	if body == "" {
		return Directive{}, fmt.Errorf("empty directive")
	}
	fields := strings.Fields(body)
	verb := strings.ToLower(fields[0])

	switch verb {
	case "scene":
		if len(fields) < 2 {
			return Directive{}, fmt.Errorf("scene directive missing verb")
		}
		// Directives are human-typed; tolerate inflection and trailing
		// punctuation ("Scene ends.", "scene starts:").
		switch strings.Trim(strings.ToLower(fields[1]), ".,!:;") {
		case "start", "starts", "begin", "begins", "set":
			return Directive{
				Kind:    DirectiveSceneStart,
				Context: strings.TrimSpace(strings.Join(fields[2:], " ")),
			}, nil
		case "end", "ends", "over", "close", "closes":
			return Directive{Kind: DirectiveSceneEnd}, nil
		}
		return Directive{}, fmt.Errorf("unknown scene verb %q", fields[1])
	case "cast":
		if len(fields) < 2 {
			return Directive{}, fmt.Errorf("cast directive missing names")
		}
		var names []string
		for _, n := range strings.Split(strings.Join(fields[1:], " "), ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return Directive{}, fmt.Errorf("cast directive missing names")
		}
		return Directive{Kind: DirectiveCast, Names: names}, nil
	}
	return Directive{}, fmt.Errorf("unknown directive %q", verb)
}

// applyDirective executes a parsed directive against the session
// registry and fills the decision.
func (r *Router) applyDirective(d *Decision, dir Directive) {
	d.Directive = &dir
	d.Route = RouteFastPath
	d.Confidence = 1.0
	d.RulesMatched = append(d.RulesMatched, "directive:"+string(dir.Kind))

	switch dir.Kind {
	case DirectiveSceneStart:
		r.registry.Activate(d.ChannelID, true, dir.Context)
		d.SessionStarted = true
		d.SessionActive = true
		d.Ack = "Scene is set. The GM is watching."
	case DirectiveSceneEnd:
		if r.registry.Terminate(d.ChannelID, session.EndDirective) {
			d.SessionEnded = true
			d.EndReason = string(session.EndDirective)
		}
		d.Ack = prompts.SessionEnded(string(session.EndDirective))
	case DirectiveCast:
		normalized := make([]string, 0, len(dir.Names))
		for _, n := range dir.Names {
			if nn := r.tracker.Normalize(n); nn != "" {
				normalized = append(normalized, nn)
			}
		}
		r.registry.AddParticipants(d.ChannelID, normalized)
		d.SessionActive = r.registry.Snapshot(d.ChannelID).Active
		d.Ack = fmt.Sprintf("Cast noted: %s.", strings.Join(normalized, ", "))
	}

	r.logger.Info("gm directive applied",
		"channel", d.ChannelID,
		"kind", string(dir.Kind),
	)
}

// endReasonFor maps a detector reason to the session end reason.
func endReasonFor(reason exitcond.Reason) session.EndReason {
	switch reason {
	case exitcond.ReasonOOC:
		return session.EndOOC
	case exitcond.ReasonTechnicalQuery:
		return session.EndTechnicalQuery
	default:
		return session.EndExplicitExit
	}
}

// RoleplayConfidence scores how roleplay-like a free-text message looks,
// in [0, 1]. Cheap cues only; this runs on every unclassified message.
func RoleplayConfidence(text string) float64 {
	t := strings.TrimSpace(text)
	if t == "" {
		return 0
	}

	var conf float64
	if strings.Count(t, "*") >= 2 {
		conf += 0.6 // emote markup
	}
	if strings.Count(t, `"`) >= 2 || strings.Count(t, "“") >= 1 {
		conf += 0.5 // quoted dialogue
	}
	if len(t) >= 60 {
		conf += 0.1 // narration tends to run long
	}
	if strings.HasSuffix(t, "?") && !strings.Contains(t, "*") {
		conf -= 0.2 // bare questions are usually queries
	}

	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// record appends a decision to the audit ring and bumps counters.
func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit[r.head] = d
	r.head = (r.head + 1) % len(r.audit)
	if r.head == 0 {
		r.filled = true
	}

	r.stats.Total++
	r.stats.ByRoute[d.Route]++
	if d.SessionStarted {
		r.stats.SessionsStarted++
	}
	if d.SessionEnded {
		r.stats.SessionsEnded[d.EndReason]++
	}
	if d.Directive != nil {
		r.stats.Directives++
	}
	if d.InvalidDirective {
		r.stats.InvalidDirectives++
	}

	r.logger.Debug("message routed",
		"request_id", d.RequestID,
		"channel", d.ChannelID,
		"route", string(d.Route),
		"confidence", d.Confidence,
		"rules", strings.Join(d.RulesMatched, ","),
	)
}

// AuditLog returns retained decisions, newest first, up to limit.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.head
	if r.filled {
		n = len(r.audit)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Decision, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.head - 1 - i + len(r.audit)) % len(r.audit)
		out = append(out, r.audit[idx])
	}
	return out
}

// GetStats returns a copy of the routing counters.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		Total:             r.stats.Total,
		ByRoute:           make(map[Route]int64, len(r.stats.ByRoute)),
		SessionsStarted:   r.stats.SessionsStarted,
		SessionsEnded:     make(map[string]int64, len(r.stats.SessionsEnded)),
		Directives:        r.stats.Directives,
		InvalidDirectives: r.stats.InvalidDirectives,
	}
	for k, v := range r.stats.ByRoute {
		out.ByRoute[k] = v
	}
	for k, v := range r.stats.SessionsEnded {
		out.SessionsEnded[k] = v
	}
	return out
}

// Explain renders a decision as one human-readable line for logs and
// the audit endpoint.
func Explain(d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s (confidence %.2f", d.ChannelID, d.Route, d.Confidence)
	if len(d.RulesMatched) > 0 {
		fmt.Fprintf(&b, ", rules %s", strings.Join(d.RulesMatched, "+"))
	}
	b.WriteString(")")
	if d.SessionStarted {
		b.WriteString(" [session started]")
	}
	if d.SessionEnded {
		fmt.Fprintf(&b, " [session ended: %s]", d.EndReason)
	}
	return b.String()
}
