// Package llm provides the client for the local language model backend
// (an Ollama-compatible HTTP API). Two models are addressed through one
// client: a generation model for roleplay text and a smaller reasoning
// model for strategy decisions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stagehand-chat/stagehand/internal/config"
	"github.com/stagehand-chat/stagehand/internal/httpkit"
	"github.com/stagehand-chat/stagehand/internal/strategy"
)

// Client talks to an Ollama-compatible backend.
type Client struct {
	baseURL       string
	generateModel string
	reasonModel   string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a backend client. Request deadlines are supplied by
// callers via context; the underlying http.Client has no overall
// timeout of its own.
func NewClient(baseURL, generateModel, reasonModel string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		generateModel: generateModel,
		reasonModel:   reasonModel,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "llm"),
	}
}

// chat performs one non-streaming chat completion round trip.
func (c *Client) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.logger.Enabled(ctx, config.LevelTrace) {
		c.logger.Log(ctx, config.LevelTrace, "chat request", "body", string(body))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request to %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("chat request: backend returned %d: %s", resp.StatusCode, detail)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	c.logger.Debug("chat completion",
		"model", req.Model,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"eval_count", chatResp.EvalCount,
	)
	return &chatResp, nil
}

// Generate produces text from the generation model for a single prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := c.chat(ctx, ChatRequest{
		Model:    c.generateModel,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   false,
		Options:  opts.toWire(),
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("generate: backend returned empty completion")
	}
	return text, nil
}

// reasonDecision mirrors the JSON object the reasoning model is asked
// to produce.
type reasonDecision struct {
	Mode      string   `json:"mode"`
	Rationale string   `json:"rationale"`
	Focus     []string `json:"focus"`
}

// Reason asks the reasoning model for a response plan. It satisfies the
// strategy engine's reasoner contract; errors here are absorbed by the
// engine's fallback, so this method reports them honestly.
func (c *Client) Reason(ctx context.Context, rc strategy.Context) (strategy.Strategy, error) {
	resp, err := c.chat(ctx, ChatRequest{
		Model: c.reasonModel,
		Messages: []Message{
			{Role: "system", Content: reasonSystemPrompt},
			{Role: "user", Content: buildReasonPrompt(rc)},
		},
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return strategy.Strategy{}, err
	}

	return parseReasonResponse(resp.Message.Content)
}

const reasonSystemPrompt = `You decide how a roleplay character should respond to the latest message in a scene.
Respond with a JSON object: {"mode": "active_dialogue"|"subtle_action"|"listening", "rationale": "<one sentence>", "focus": ["<character name>", ...]}.
Choose active_dialogue when directly addressed or asked a question, subtle_action for ambient moments, listening when others hold the floor.`

func buildReasonPrompt(rc strategy.Context) string {
	var b strings.Builder
	if rc.History != "" {
		fmt.Fprintf(&b, "Recent scene:\n%s\n\n", rc.History)
	}
	if len(rc.Participants) > 0 {
		fmt.Fprintf(&b, "Participants: %s\n", strings.Join(rc.Participants, ", "))
	}
	if len(rc.Addressed) > 0 {
		fmt.Fprintf(&b, "Addressed by name: %s\n", strings.Join(rc.Addressed, ", "))
	}
	if len(rc.EmotionalCues) > 0 {
		fmt.Fprintf(&b, "Emotional cues: %s\n", strings.Join(rc.EmotionalCues, ", "))
	}
	fmt.Fprintf(&b, "\nLatest message from %s:\n%s\n", rc.Author, rc.Message)
	return b.String()
}

// parseReasonResponse extracts a strategy from model output. Models
// sometimes wrap JSON in prose or fences, so after a direct parse fails
// we look for the first balanced object in the text.
func parseReasonResponse(raw string) (strategy.Strategy, error) {
	text := strings.TrimSpace(raw)

	var dec reasonDecision
	if err := json.Unmarshal([]byte(text), &dec); err != nil {
		extracted, ok := extractJSONObject(text)
		if !ok {
			return strategy.Strategy{}, fmt.Errorf("reason: no JSON object in response %q", truncate(text, 120))
		}
		if err := json.Unmarshal([]byte(extracted), &dec); err != nil {
			return strategy.Strategy{}, fmt.Errorf("reason: parse response: %w", err)
		}
	}

	mode, ok := strategy.ParseMode(dec.Mode)
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("reason: unknown mode %q", dec.Mode)
	}
	return strategy.Strategy{
		Mode:      mode,
		Rationale: strings.TrimSpace(dec.Rationale),
		Focus:     dec.Focus,
	}, nil
}

// extractJSONObject finds the first balanced {...} span in s, skipping
// braces inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ping checks backend reachability. Used at startup and by the health
// endpoint; failure is reported, not fatal.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}
