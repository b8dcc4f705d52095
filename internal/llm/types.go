package llm

// Message is a single chat message in a model conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the request body for the chat completion endpoint.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"` // "json" forces JSON output
	Options  map[string]any `json:"options,omitempty"`
}

// ChatResponse is the response body from the chat completion endpoint.
type ChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`

	// Timing and token counts, when the backend reports them.
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// Options tunes a single generation call. Zero values mean "use the
// backend default".
type Options struct {
	Temperature float64
	MaxTokens   int
}

// toWire converts Options into the request options map, omitting unset
// fields so backend defaults apply.
func (o Options) toWire() map[string]any {
	m := make(map[string]any)
	if o.Temperature > 0 {
		m["temperature"] = o.Temperature
	}
	if o.MaxTokens > 0 {
		m["num_predict"] = o.MaxTokens
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
