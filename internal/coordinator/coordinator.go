// Package coordinator executes routed messages end to end: it asks the
// router for a decision, gathers history, runs strategy reasoning,
// generates the reply, and commits session side effects.
//
// Turns are serialized per channel through a dedicated worker goroutine,
// so two messages on one channel can never interleave their
// read-decide-generate-commit cycles, while distinct channels proceed
// in parallel. A turn always produces a reply: every failure path
// degrades to a deterministic fallback line.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-chat/stagehand/internal/archive"
	"github.com/stagehand-chat/stagehand/internal/llm"
	"github.com/stagehand-chat/stagehand/internal/prompts"
	"github.com/stagehand-chat/stagehand/internal/router"
	"github.com/stagehand-chat/stagehand/internal/session"
	"github.com/stagehand-chat/stagehand/internal/strategy"
)

// Generator produces model text. Satisfied by the LLM client.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Archive persists turns and serves history. Satisfied by the archive
// store; nil disables persistence and retrieval.
type Archive interface {
	RecordTurn(ctx context.Context, rec archive.Record) (string, error)
	Search(ctx context.Context, q archive.SearchQuery) ([]archive.Record, error)
	RecentTurns(ctx context.Context, channelID string, n int) ([]archive.Record, error)
}

// Summarizer condenses history for prompts. Satisfied by the
// summarization service.
type Summarizer interface {
	Condense(ctx context.Context, recs []archive.Record) string
}

// Turn is one prior conversation turn supplied by the caller alongside
// a message. Platforms that hold their own transcript pass it here;
// when absent, the coordinator falls back to its archive.
type Turn struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Result is the outcome of one handled message. Text is always
// populated; errors never escape a turn.
type Result struct {
	RequestID string       `json:"request_id"`
	Route     router.Route `json:"route"`
	Text      string       `json:"text"`
	Strategy  string       `json:"strategy,omitempty"`
	TurnID    string       `json:"turn_id,omitempty"`

	SessionActive bool   `json:"session_active"`
	SessionEnded  bool   `json:"session_ended,omitempty"`
	EndReason     string `json:"end_reason,omitempty"`

	// Fallback marks a reply produced by the deterministic fallback
	// path instead of generation. Error carries the cause for
	// observability only; Text is always a user-facing reply.
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Options tunes coordinator behavior.
type Options struct {
	// Persona is the character description used for roleplay prompts.
	Persona string
	// GenerateTimeout bounds each generation call. Default 60s.
	GenerateTimeout time.Duration
	// HistoryTurns is how many archived turns feed roleplay context.
	// Default 10.
	HistoryTurns int
	// MaxResults caps structured-query retrieval. Default 10.
	MaxResults int
}

// Coordinator orchestrates turns. Create with New, stop with Close.
type Coordinator struct {
	router     *router.Router
	registry   *session.Registry
	engine     *strategy.Engine
	gen        Generator
	store      Archive
	summarizer Summarizer
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker

	done      chan struct{}
	closeOnce sync.Once
}

type worker struct {
	jobs    chan *job
	pending int // guarded by Coordinator.mu
}

type job struct {
	ctx       context.Context
	channelID string
	authorID  string
	text      string
	history   []Turn
	result    chan Result
}

// workerIdleTTL is how long a channel worker lingers without jobs
// before it exits. Reaping keeps goroutine count proportional to
// recently-active channels, not all channels ever seen.
const workerIdleTTL = 2 * time.Minute

// New creates a coordinator. gen, store, and summarizer may be nil;
// affected paths then use fallbacks.
func New(rt *router.Router, registry *session.Registry, engine *strategy.Engine, gen Generator, store Archive, summarizer Summarizer, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 60 * time.Second
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	return &Coordinator{
		router:     rt,
		registry:   registry,
		engine:     engine,
		gen:        gen,
		store:      store,
		summarizer: summarizer,
		opts:       opts,
		logger:     logger.With("component", "coordinator"),
		workers:    make(map[string]*worker),
		done:       make(chan struct{}),
	}
}

// Close stops all channel workers. In-flight turns finish; queued jobs
// after the current one receive a fallback reply. Idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleMessage processes one inbound message and returns the reply.
// history is the caller's view of recent turns and may be nil, in which
// case archived turns fill in. Messages on the same channel are handled
// strictly in arrival order; messages on different channels proceed
// concurrently. It never returns an error: degraded paths yield
// fallback text.
func (c *Coordinator) HandleMessage(ctx context.Context, channelID, authorID, text string, history []Turn) Result {
	j := &job{
		ctx:       ctx,
		channelID: channelID,
		authorID:  authorID,
		text:      text,
		history:   history,
		result:    make(chan Result, 1),
	}
	c.enqueue(j)

	select {
	case res := <-j.result:
		return res
	case <-ctx.Done():
		return Result{
			Text:     prompts.Fallback(""),
			Fallback: true,
			Error:    "request canceled: " + ctx.Err().Error(),
		}
	case <-c.done:
		return Result{
			Text:     prompts.Fallback(""),
			Fallback: true,
			Error:    "coordinator shutting down",
		}
	}
}

// enqueue hands a job to the channel's worker, creating one if needed.
// The pending count is incremented before the send so the reap check
// in the worker can never observe a queued job as idle.
func (c *Coordinator) enqueue(j *job) {
	c.mu.Lock()
	w, ok := c.workers[j.channelID]
	if !ok {
		w = &worker{jobs: make(chan *job, 64)}
		c.workers[j.channelID] = w
		go c.runWorker(j.channelID, w)
	}
	w.pending++
	c.mu.Unlock()

	w.jobs <- j
}

// runWorker drains one channel's job queue until it has been idle for
// workerIdleTTL with nothing pending, then removes itself.
func (c *Coordinator) runWorker(channelID string, w *worker) {
	idle := time.NewTimer(workerIdleTTL)
	defer idle.Stop()

	for {
		select {
		case j := <-w.jobs:
			c.process(j)
			c.mu.Lock()
			w.pending--
			c.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTTL)

		case <-idle.C:
			c.mu.Lock()
			if w.pending == 0 {
				delete(c.workers, channelID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(workerIdleTTL)

		case <-c.done:
			return
		}
	}
}

// process runs one turn to completion and delivers the result. A panic
// in a turn is contained to that turn.
func (c *Coordinator) process(j *job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("turn panicked",
				"channel", j.channelID,
				"panic", r,
			)
			j.result <- Result{Text: prompts.Fallback(""), Fallback: true, Error: "turn panicked"}
		}
	}()

	start := time.Now()
	d := c.router.Decide(j.channelID, j.authorID, j.text)

	res := Result{
		RequestID:     d.RequestID,
		Route:         d.Route,
		SessionActive: d.SessionActive,
		SessionEnded:  d.SessionEnded,
		EndReason:     d.EndReason,
	}

	switch {
	case d.Ack != "":
		res.Text = d.Ack
	case d.Route == router.RouteFastPath:
		res.Text = prompts.FastPathReply(d.QueryText)
	case d.Route == router.RouteStructured:
		res.Text, res.Error = c.answerStructured(j.ctx, d, j.history)
	default:
		res.Text, res.Strategy, res.Error = c.answerRoleplay(j.ctx, d, j.history)
	}
	res.Fallback = res.Error != ""

	res.TurnID = c.archiveTurn(d, res, time.Since(start))

	c.logger.Info("turn completed",
		"request_id", d.RequestID,
		"channel", d.ChannelID,
		"route", string(d.Route),
		"fallback", res.Fallback,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	j.result <- res
}

// answerStructured handles the out-of-fiction path: retrieve relevant
// history, condense it, and generate a direct answer.
func (c *Coordinator) answerStructured(ctx context.Context, d router.Decision, turns []Turn) (text, errText string) {
	history := transcript(turns)
	if history == "" && c.store != nil {
		recs, err := c.store.Search(ctx, archive.SearchQuery{
			Text:      d.QueryText,
			ChannelID: d.ChannelID,
			Limit:     c.opts.MaxResults,
		})
		if err != nil {
			c.logger.Warn("archive search failed", "channel", d.ChannelID, "error", err)
		}
		if len(recs) == 0 {
			recs, _ = c.store.RecentTurns(ctx, d.ChannelID, c.opts.HistoryTurns)
		}
		if len(recs) > 0 && c.summarizer != nil {
			history = c.summarizer.Condense(ctx, recs)
		}
	}

	if c.gen == nil {
		return prompts.Fallback(string(router.RouteStructured)), "no generator configured"
	}

	prompt := prompts.Structured(prompts.StructuredParams{
		Question: d.QueryText,
		Context:  history,
	})

	genCtx, cancel := context.WithTimeout(ctx, c.opts.GenerateTimeout)
	defer cancel()
	out, err := c.gen.Generate(genCtx, prompt, llm.Options{Temperature: 0.3})
	if err != nil {
		c.logger.Warn("structured generation failed",
			"request_id", d.RequestID,
			"error", err,
		)
		return prompts.Fallback(string(router.RouteStructured)), err.Error()
	}
	return out, ""
}

// answerRoleplay handles the in-character path: snapshot the session,
// build context and a response plan, generate, then commit activity
// and participants. The snapshot-generate-commit shape means no
// session lock is ever held across a model call.
func (c *Coordinator) answerRoleplay(ctx context.Context, d router.Decision, turns []Turn) (text, strategyName, errText string) {
	snap := c.registry.Snapshot(d.ChannelID)

	scene := transcript(turns)
	if scene == "" && c.store != nil && c.summarizer != nil {
		recs, err := c.store.RecentTurns(ctx, d.ChannelID, c.opts.HistoryTurns)
		if err != nil {
			c.logger.Warn("history retrieval failed", "channel", d.ChannelID, "error", err)
		} else if len(recs) > 0 {
			scene = c.summarizer.Condense(ctx, recs)
		}
	}
	if snap.GMMode && snap.GMContext != "" {
		if scene != "" {
			scene = snap.GMContext + "\n\n" + scene
		} else {
			scene = snap.GMContext
		}
	}

	participants := slices.Clone(snap.Participants)
	for _, n := range d.Addressed {
		if !slices.Contains(participants, n) {
			participants = append(participants, n)
		}
	}

	plan := c.engine.Determine(ctx, strategy.Context{
		Message:      d.QueryText,
		Author:       d.AuthorID,
		History:      scene,
		Participants: participants,
		Addressed:    d.Addressed,
	})
	strategyName = plan.Mode.String()

	// The author spoke in-scene: this counts as session activity and
	// introduces any newly-seen characters, whether or not generation
	// succeeds below.
	defer func() {
		c.registry.AddParticipants(d.ChannelID, d.Addressed)
		c.registry.Touch(d.ChannelID)
	}()

	if c.gen == nil {
		return prompts.Fallback(string(router.RouteRoleplay)), strategyName, "no generator configured"
	}

	prompt := prompts.Roleplay(prompts.RoleplayParams{
		Persona:      c.opts.Persona,
		Scene:        scene,
		Participants: participants,
		Mode:         plan.Mode.String(),
		Rationale:    plan.Rationale,
		Focus:        plan.Focus,
		Author:       d.AuthorID,
		Message:      d.QueryText,
	})

	genCtx, cancel := context.WithTimeout(ctx, c.opts.GenerateTimeout)
	defer cancel()
	out, err := c.gen.Generate(genCtx, prompt, llm.Options{Temperature: 0.9})
	if err != nil {
		c.logger.Warn("roleplay generation failed",
			"request_id", d.RequestID,
			"error", err,
		)
		return prompts.Fallback(string(router.RouteRoleplay)), strategyName, err.Error()
	}
	return out, strategyName, ""
}

// transcript renders caller-supplied turns as prompt-ready lines.
func transcript(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Author, t.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// archiveTurn records the completed turn best-effort. Archive failures
// never affect the reply.
func (c *Coordinator) archiveTurn(d router.Decision, res Result, elapsed time.Duration) string {
	if c.store == nil {
		return ""
	}

	rec := archive.Record{
		ID:           d.RequestID,
		ChannelID:    d.ChannelID,
		AuthorID:     d.AuthorID,
		Route:        string(d.Route),
		Strategy:     res.Strategy,
		RequestText:  d.QueryText,
		ResponseText: res.Text,
		Error:        res.Error,
		LatencyMS:    elapsed.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := c.store.RecordTurn(ctx, rec)
	if err != nil {
		c.logger.Warn("archive write failed",
			"request_id", d.RequestID,
			"error", err,
		)
		return ""
	}
	return id
}
