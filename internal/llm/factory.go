package llm

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// NewFromConfig builds the configured backend.
func NewFromConfig(cfg config.LLMConfig) (Generator, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Mode {
	case "", "mock":
		gen = NewMockGenerator()
	case "ollama":
		gen = NewOllamaGenerator(cfg.Endpoint, cfg.Model)
	case "exec":
		gen, err = NewExecGenerator(cfg.Command)
	default:
		err = fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return WithRateLimit(gen, cfg.RequestsPerMinute), nil
}
