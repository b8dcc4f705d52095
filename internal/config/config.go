// Package config handles Stagehand configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/stagehand/config.yaml, /etc/stagehand/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stagehand", "config.yaml"))
	}

	paths = append(paths, "/etc/stagehand/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Stagehand configuration.
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	LLM        LLMConfig       `yaml:"llm"`
	Session    SessionConfig   `yaml:"session"`
	Routing    RoutingConfig   `yaml:"routing"`
	Characters CharacterConfig `yaml:"characters"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	DataDir    string          `yaml:"data_dir"`
	LogLevel   string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the external generation and reasoning collaborators.
// Both calls go to the same Ollama-compatible endpoint but may use
// different models (reasoning benefits from a faster model since it runs
// on every roleplay turn).
type LLMConfig struct {
	BaseURL            string `yaml:"base_url"`
	GenerateModel      string `yaml:"generate_model"`
	ReasonModel        string `yaml:"reason_model"`
	GenerateTimeoutSec int    `yaml:"generate_timeout_sec"` // default 60
	ReasonTimeoutSec   int    `yaml:"reason_timeout_sec"`   // default 15
}

// GenerateTimeout returns the generation call timeout as a duration.
func (c LLMConfig) GenerateTimeout() time.Duration {
	if c.GenerateTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.GenerateTimeoutSec) * time.Second
}

// ReasonTimeout returns the reasoning call timeout as a duration.
func (c LLMConfig) ReasonTimeout() time.Duration {
	if c.ReasonTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ReasonTimeoutSec) * time.Second
}

// SessionConfig defines roleplay session lifecycle settings.
type SessionConfig struct {
	// IdleTimeoutMin is how long a session may go without an accepted
	// turn before it auto-terminates. Default: 30 minutes.
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
	// SweepIntervalSec is how often the background sweeper scans for
	// expired sessions. 0 disables the sweeper (expiry is still
	// enforced lazily on access). Default: 60 seconds.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// IdleTimeout returns the session idle timeout as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.IdleTimeoutMin) * time.Minute
}

// SweepInterval returns the sweeper interval as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSec < 0 {
		return 0
	}
	if c.SweepIntervalSec == 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// RoutingConfig defines the data-driven rule lists consumed by the
// message router and exit-condition detector. All pattern entries are
// regular expressions.
type RoutingConfig struct {
	// DirectivePrefix marks externally-authored game-master commands.
	// Default: "[DGM]".
	DirectivePrefix string `yaml:"directive_prefix"`
	// ExitPatterns terminate an active session when matched.
	ExitPatterns []string `yaml:"exit_patterns"`
	// TechnicalPatterns flag an in-session message as a technical query
	// that should end the scene and be answered literally.
	TechnicalPatterns []string `yaml:"technical_patterns"`
	// OOCMarkers delimit out-of-character content. Empty means the
	// detector's built-in conventions (double parens etc.).
	OOCMarkers []OOCMarker `yaml:"ooc_markers"`
	// SceneStartPatterns begin a session outside of one.
	SceneStartPatterns []string `yaml:"scene_start_patterns"`
	// FastPathTriggers map trivial inputs to canned replies, skipping
	// all external calls.
	FastPathTriggers []string `yaml:"fast_path_triggers"`
	// ConfidenceThreshold is the minimum heuristic confidence required
	// to classify a message as roleplay outside a session. Below it,
	// the router defaults to the structured path. Default: 0.6.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// OOCMarker is one open/close pair delimiting out-of-character text.
type OOCMarker struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// CharacterConfig defines character-name extraction and persona
// settings.
type CharacterConfig struct {
	// ExcludedWords suppresses capitalized-word false positives
	// (sentence starters, pronouns, common interjections).
	ExcludedWords []string `yaml:"excluded_words"`
	// Persona is the agent's character description used in roleplay
	// prompts. Empty means generic narrator framing.
	Persona string `yaml:"persona"`
}

// RetrievalConfig defines structured-query retrieval settings.
type RetrievalConfig struct {
	// MaxResults caps how many records a search returns. Default: 10.
	MaxResults int `yaml:"max_results"`
	// SummarizeThresholdBytes triggers summarization when the total
	// retrieved volume exceeds it. Default: 4096.
	SummarizeThresholdBytes int `yaml:"summarize_threshold_bytes"`
	// SummaryBudgetBytes bounds the summary passed to generation.
	// Default: 1024.
	SummaryBudgetBytes int `yaml:"summary_budget_bytes"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434",
			GenerateModel: "qwen2.5:72b",
			ReasonModel:   "qwen3:4b",
		},
		Session: SessionConfig{
			IdleTimeoutMin:   30,
			SweepIntervalSec: 60,
		},
		Routing: RoutingConfig{
			DirectivePrefix: "[DGM]",
			ExitPatterns: []string{
				`(?i)^\s*[!/](exit|end|stop)\b`,
				`(?i)\bend (the )?scene\b`,
				`(?i)\bscene (is )?over\b`,
			},
			TechnicalPatterns: []string{
				`(?i)\bwhat (are|is) the rules?\b`,
				`(?i)\b(dice|stats|character sheet|hit points)\b.*\?`,
				`(?i)\bhow (do|does) the (system|game|bot) work\b`,
			},
			SceneStartPatterns: []string{
				`(?i)^\s*[!/](scene|rp|roleplay)\b`,
				`^\s*\*.+\*\s*$`,
			},
			FastPathTriggers: []string{
				`(?i)^\s*(hi|hello|hey|yo)[!. ]*$`,
				`(?i)^\s*(thanks|thank you|thx)[!. ]*$`,
				`(?i)^\s*(ok|okay|got it|good night|goodnight)[!. ]*$`,
			},
			ConfidenceThreshold: 0.6,
		},
		Characters: CharacterConfig{
			ExcludedWords: []string{
				"The", "A", "An", "I", "You", "He", "She", "It", "We",
				"They", "This", "That", "And", "But", "Or", "So", "Then",
				"Well", "Oh", "Hey", "Hello", "Yes", "No", "Not", "What",
				"When", "Where", "Who", "Why", "How", "If", "As", "My",
				"Your", "Okay", "OK", "DGM", "OOC",
			},
		},
		Retrieval: RetrievalConfig{
			MaxResults:              10,
			SummarizeThresholdBytes: 4096,
			SummaryBudgetBytes:      1024,
		},
		DataDir: "data",
	}
}
