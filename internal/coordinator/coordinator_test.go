package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagehand-chat/stagehand/internal/archive"
	"github.com/stagehand-chat/stagehand/internal/character"
	"github.com/stagehand-chat/stagehand/internal/config"
	"github.com/stagehand-chat/stagehand/internal/exitcond"
	"github.com/stagehand-chat/stagehand/internal/llm"
	"github.com/stagehand-chat/stagehand/internal/router"
	"github.com/stagehand-chat/stagehand/internal/session"
	"github.com/stagehand-chat/stagehand/internal/strategy"
)

type generatorFunc func(ctx context.Context, prompt string, opts llm.Options) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return f(ctx, prompt, opts)
}

type fakeArchive struct {
	mu       sync.Mutex
	recorded []archive.Record
	found    []archive.Record
	recent   []archive.Record
}

func (f *fakeArchive) RecordTurn(_ context.Context, rec archive.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, rec)
	return rec.ID, nil
}

func (f *fakeArchive) Search(context.Context, archive.SearchQuery) ([]archive.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.found, nil
}

func (f *fakeArchive) RecentTurns(context.Context, string, int) ([]archive.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeArchive) records() []archive.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.Record(nil), f.recorded...)
}

type fakeSummarizer struct{ out string }

func (f *fakeSummarizer) Condense(context.Context, []archive.Record) string { return f.out }

// newTestCoordinator wires a coordinator over real routing components
// and the given fakes.
func newTestCoordinator(t *testing.T, gen Generator, store Archive, summ Summarizer) (*Coordinator, *session.Registry) {
	t.Helper()
	cfg := config.Default()
	registry := session.NewRegistry(time.Hour, nil)
	detector, err := exitcond.NewDetector(cfg.Routing.ExitPatterns, cfg.Routing.TechnicalPatterns, nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	tracker := character.NewTracker(cfg.Characters.ExcludedWords)
	rt, err := router.New(cfg.Routing, registry, detector, tracker, nil)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	engine := strategy.NewEngine(nil, time.Second, nil)

	c := New(rt, registry, engine, gen, store, summ, Options{GenerateTimeout: 2 * time.Second}, nil)
	t.Cleanup(c.Close)
	return c, registry
}

func TestRoleplayTurnEndToEnd(t *testing.T) {
	store := &fakeArchive{}
	gen := generatorFunc(func(_ context.Context, prompt string, _ llm.Options) (string, error) {
		if !strings.Contains(prompt, "slips through the doorway") {
			t.Error("prompt should contain the message")
		}
		return "The hinges betray her anyway.", nil
	})
	c, registry := newTestCoordinator(t, gen, store, &fakeSummarizer{})

	c.HandleMessage(context.Background(), "ch-1", "gm", "[DGM] scene start", nil)
	res := c.HandleMessage(context.Background(), "ch-1", "u1", "*Kira slips through the doorway*", nil)

	if res.Route != router.RouteRoleplay || res.Fallback {
		t.Fatalf("Result = %+v", res)
	}
	if res.Text != "The hinges betray her anyway." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Strategy != "listening" {
		t.Errorf("Strategy = %q, want default plan", res.Strategy)
	}

	snap := registry.Snapshot("ch-1")
	if !snap.HasParticipant("Kira") {
		t.Errorf("participants not committed: %v", snap.Participants)
	}

	recs := store.records()
	if len(recs) != 2 {
		t.Fatalf("archived %d turns, want 2", len(recs))
	}
	last := recs[1]
	if last.Route != "roleplay" || last.ResponseText != res.Text || last.Error != "" {
		t.Errorf("archived record = %+v", last)
	}
}

func TestFastPathSkipsGeneration(t *testing.T) {
	var calls atomic.Int32
	gen := generatorFunc(func(context.Context, string, llm.Options) (string, error) {
		calls.Add(1)
		return "should not run", nil
	})
	store := &fakeArchive{}
	c, registry := newTestCoordinator(t, gen, store, nil)

	res := c.HandleMessage(context.Background(), "ch-1", "u1", "hello!", nil)
	if res.Route != router.RouteFastPath || res.Text == "" {
		t.Fatalf("Result = %+v", res)
	}
	if calls.Load() != 0 {
		t.Error("fast path must not call the generator")
	}
	if registry.Snapshot("ch-1").Active {
		t.Error("fast path must not start a session")
	}
	if recs := store.records(); len(recs) != 1 || recs[0].Route != "fast_path" {
		t.Errorf("archive = %+v", recs)
	}
}

func TestDirectiveAck(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil, nil)

	c.HandleMessage(context.Background(), "ch-1", "gm", "[DGM] scene start", nil)
	res := c.HandleMessage(context.Background(), "ch-1", "gm", "[DGM] scene end", nil)

	if !res.SessionEnded || res.EndReason != string(session.EndDirective) {
		t.Errorf("Result = %+v", res)
	}
	if res.Text == "" {
		t.Error("directive should be acknowledged")
	}
}

func TestGenerationFailureFallsBack(t *testing.T) {
	gen := generatorFunc(func(context.Context, string, llm.Options) (string, error) {
		return "", errors.New("backend exploded")
	})
	store := &fakeArchive{}
	c, registry := newTestCoordinator(t, gen, store, nil)

	c.HandleMessage(context.Background(), "ch-1", "gm", "[DGM] scene start", nil)
	res := c.HandleMessage(context.Background(), "ch-1", "u1", "*Kira waves*", nil)

	if !res.Fallback || res.Text == "" {
		t.Fatalf("Result = %+v", res)
	}
	if !res.SessionActive {
		t.Error("generation failure must not end the session")
	}
	if !registry.Snapshot("ch-1").HasParticipant("Kira") {
		t.Error("participants should commit even on fallback")
	}

	if res.Error == "" {
		t.Error("fallback result should carry the cause for observability")
	}
	recs := store.records()
	if recs[len(recs)-1].Error == "" {
		t.Errorf("fallback not recorded: %+v", recs[len(recs)-1])
	}
}

func TestStructuredQueryUsesRetrieval(t *testing.T) {
	store := &fakeArchive{
		found: []archive.Record{{AuthorID: "u1", RequestText: "we camped at the ford"}},
	}
	gen := generatorFunc(func(_ context.Context, prompt string, opts llm.Options) (string, error) {
		if !strings.Contains(prompt, "CONDENSED") {
			t.Errorf("prompt missing condensed history:\n%s", prompt)
		}
		if opts.Temperature >= 0.5 {
			t.Error("structured answers should generate conservatively")
		}
		return "You last played on Tuesday.", nil
	})
	c, _ := newTestCoordinator(t, gen, store, &fakeSummarizer{out: "CONDENSED"})

	res := c.HandleMessage(context.Background(), "ch-1", "u1", "when did we last play", nil)
	if res.Route != router.RouteStructured || res.Fallback {
		t.Fatalf("Result = %+v", res)
	}
	if res.Text != "You last played on Tuesday." {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestCallerHistoryFeedsPrompt(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, prompt string, _ llm.Options) (string, error) {
		if !strings.Contains(prompt, "u9: the candle gutters out") {
			t.Errorf("prompt missing caller history:\n%s", prompt)
		}
		return "Darkness settles in.", nil
	})
	c, registry := newTestCoordinator(t, gen, nil, nil)
	registry.Activate("ch-1", false, "")

	res := c.HandleMessage(context.Background(), "ch-1", "u1", "*Kira feels along the wall*",
		[]Turn{{Author: "u9", Text: "the candle gutters out"}})
	if res.Fallback || res.Text != "Darkness settles in." {
		t.Errorf("Result = %+v", res)
	}
}

func TestSameChannelSerialized(t *testing.T) {
	var current, peak atomic.Int32
	gen := generatorFunc(func(context.Context, string, llm.Options) (string, error) {
		n := current.Add(1)
		if p := peak.Load(); n > p {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return "ok", nil
	})
	c, registry := newTestCoordinator(t, gen, nil, nil)
	registry.Activate("ch-1", false, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleMessage(context.Background(), "ch-1", "u1", "*Kira paces the room slowly*", nil)
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency on one channel = %d, want 1", peak.Load())
	}
}

func TestDistinctChannelsRunInParallel(t *testing.T) {
	var arrivals atomic.Int32
	bothArrived := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ string, _ llm.Options) (string, error) {
		if arrivals.Add(1) == 2 {
			close(bothArrived)
		}
		select {
		case <-bothArrived:
			return "ok", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("peer turn never started: channels are serialized")
		}
	})
	c, registry := newTestCoordinator(t, gen, nil, nil)
	registry.Activate("ch-1", false, "")
	registry.Activate("ch-2", false, "")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, ch := range []string{"ch-1", "ch-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.HandleMessage(context.Background(), ch, "u1", "*Kira looks around the room*", nil)
		}()
	}
	wg.Wait()

	for i, res := range results {
		if res.Fallback {
			t.Errorf("turn %d fell back: %+v", i, res)
		}
	}
}

func TestHandleMessageHonorsContext(t *testing.T) {
	release := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ string, _ llm.Options) (string, error) {
		<-release
		return "late", nil
	})
	c, registry := newTestCoordinator(t, gen, nil, nil)
	registry.Activate("ch-1", false, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := c.HandleMessage(ctx, "ch-1", "u1", "*Kira waits and waits for a reply*", nil)
	close(release)

	if time.Since(start) > time.Second {
		t.Error("HandleMessage did not return on context cancellation")
	}
	if !res.Fallback || res.Text == "" {
		t.Errorf("canceled turn result = %+v", res)
	}
}

func TestCloseStopsAcceptingWork(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil, nil)
	c.Close()

	// A worker spawned after Close may still drain its first job, so the
	// reply may be either the canned greeting or the fallback line. The
	// guarantee is simply that a reply always arrives.
	res := c.HandleMessage(context.Background(), "ch-new", "u1", "hello!", nil)
	if res.Text == "" {
		t.Errorf("post-close result = %+v", res)
	}
}
