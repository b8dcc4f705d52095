// Package summarize condenses retrieved conversation history to a byte
// budget before it enters a prompt. Model-backed when possible,
// deterministic truncation otherwise; condensation never fails a turn.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/stagehand-chat/stagehand/internal/archive"
	"github.com/stagehand-chat/stagehand/internal/llm"
)

// Generator produces text from a prompt. Satisfied by the LLM client.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Service condenses turn history.
type Service struct {
	gen       Generator
	threshold int // transcripts at or under this many bytes pass through untouched
	budget    int // max bytes of condensed output
	logger    *slog.Logger
}

// NewService creates a summarization service. A nil generator is
// allowed; the service then always truncates.
func NewService(gen Generator, thresholdBytes, budgetBytes int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholdBytes <= 0 {
		thresholdBytes = 4096
	}
	if budgetBytes <= 0 {
		budgetBytes = 1024
	}
	return &Service{
		gen:       gen,
		threshold: thresholdBytes,
		budget:    budgetBytes,
		logger:    logger.With("component", "summarize"),
	}
}

// Condense renders recs as a transcript and shrinks it to fit the
// budget. Short transcripts pass through verbatim. It never returns an
// error: if the model call fails the transcript is truncated instead.
func (s *Service) Condense(ctx context.Context, recs []archive.Record) string {
	transcript := Transcript(recs)
	if len(transcript) <= s.threshold {
		return transcript
	}

	if s.gen != nil {
		summary, err := s.gen.Generate(ctx, summaryPrompt(transcript), llm.Options{
			Temperature: 0.2,
			MaxTokens:   s.budget / 3,
		})
		if err == nil && summary != "" {
			return truncateBytes(summary, s.budget)
		}
		if err != nil {
			s.logger.Warn("summarization call failed, truncating instead", "error", err)
		}
	}

	return truncateBytes(transcript, s.budget)
}

// Transcript renders records as "author: request / response" lines in
// chronological order.
func Transcript(recs []archive.Record) string {
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s: %s\n", r.AuthorID, r.RequestText)
		if r.ResponseText != "" {
			fmt.Fprintf(&b, "(reply): %s\n", r.ResponseText)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func summaryPrompt(transcript string) string {
	return "Summarize this roleplay scene history in a few sentences. " +
		"Keep character names, relationships, and any unresolved plot points. " +
		"Write plainly, no preamble.\n\n" + transcript
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8
// sequence, appending an ellipsis marker when anything was dropped.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = " […]"
	cut := n - len(marker)
	if cut <= 0 {
		return marker[1:]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
