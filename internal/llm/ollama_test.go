package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stagehand-chat/stagehand/internal/strategy"
)

// newTestServer returns a backend stub that answers /api/chat with the
// given message content and records the last request.
func newTestServer(t *testing.T, content string) (*httptest.Server, *ChatRequest) {
	t.Helper()
	var last ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model:   last.Model,
			Message: Message{Role: "assistant", Content: content},
			Done:    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestGenerate(t *testing.T) {
	srv, last := newTestServer(t, "  The door creaks open.  ")
	c := NewClient(srv.URL, "gen-model", "reason-model", nil)

	got, err := c.Generate(context.Background(), "describe the door", Options{Temperature: 0.8, MaxTokens: 256})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "The door creaks open." {
		t.Errorf("Generate = %q, want trimmed completion", got)
	}
	if last.Model != "gen-model" {
		t.Errorf("request model = %q, want gen-model", last.Model)
	}
	if last.Stream {
		t.Error("request should not ask for streaming")
	}
	if last.Options["temperature"] != 0.8 || last.Options["num_predict"] != float64(256) {
		t.Errorf("request options = %v", last.Options)
	}
}

func TestGenerateEmptyCompletion(t *testing.T) {
	srv, _ := newTestServer(t, "   ")
	c := NewClient(srv.URL, "gen-model", "reason-model", nil)

	if _, err := c.Generate(context.Background(), "hi", Options{}); err == nil {
		t.Fatal("Generate should fail on empty completion")
	}
}

func TestGenerateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gen-model", "reason-model", nil)
	_, err := c.Generate(context.Background(), "hi", Options{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Generate error = %v, want status in message", err)
	}
}

func TestReason(t *testing.T) {
	srv, last := newTestServer(t,
		`{"mode":"active_dialogue","rationale":"directly asked","focus":["Kira"]}`)
	c := NewClient(srv.URL, "gen-model", "reason-model", nil)

	st, err := c.Reason(context.Background(), strategy.Context{
		Message: "Kira, what now?",
		Author:  "user-1",
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if st.Mode != strategy.ModeActiveDialogue || st.Rationale != "directly asked" {
		t.Errorf("Reason = %+v", st)
	}
	if last.Model != "reason-model" {
		t.Errorf("request model = %q, want reason-model", last.Model)
	}
	if last.Format != "json" {
		t.Errorf("request format = %q, want json", last.Format)
	}
}

func TestReasonContextInPrompt(t *testing.T) {
	srv, last := newTestServer(t, `{"mode":"listening"}`)
	c := NewClient(srv.URL, "gen-model", "reason-model", nil)

	_, err := c.Reason(context.Background(), strategy.Context{
		Message:       "hm.",
		Author:        "user-2",
		Participants:  []string{"Kira", "Tamsin"},
		EmotionalCues: []string{"hesitant"},
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}

	prompt := last.Messages[len(last.Messages)-1].Content
	for _, want := range []string{"Kira, Tamsin", "hesitant", "user-2"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestParseReasonResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantMode strategy.Mode
		wantErr  bool
	}{
		{
			"clean json",
			`{"mode":"subtle_action","rationale":"quiet moment"}`,
			strategy.ModeSubtleAction, false,
		},
		{
			"json wrapped in prose",
			"Sure! Here is the decision:\n```json\n{\"mode\": \"listening\", \"rationale\": \"others talking\"}\n```",
			strategy.ModeListening, false,
		},
		{
			"braces inside strings",
			`{"mode":"active_dialogue","rationale":"she said {wait}"}`,
			strategy.ModeActiveDialogue, false,
		},
		{
			"unknown mode",
			`{"mode":"interpretive_dance"}`,
			0, true,
		},
		{
			"no json at all",
			"I think the character should listen.",
			0, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := parseReasonResponse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseReasonResponse(%q) = %+v, want error", tt.raw, st)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReasonResponse(%q): %v", tt.raw, err)
			}
			if st.Mode != tt.wantMode {
				t.Errorf("mode = %v, want %v", st.Mode, tt.wantMode)
			}
		})
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "g", "r", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping should fail once server is down")
	}
}
