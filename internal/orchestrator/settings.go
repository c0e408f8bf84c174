package orchestrator

import (
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
)

// OverlapPolicy decides what a new turn does while another is in flight.
type OverlapPolicy string

const (
	// OverlapInterrupt cancels the running turn, as a barge-in would.
	OverlapInterrupt OverlapPolicy = "interrupt"
	// OverlapQueue waits for the running turn to finish.
	OverlapQueue OverlapPolicy = "queue"
)

// Settings is read once at start and never changes afterwards. It is passed
// by value so an orchestrator cannot observe later edits.
type Settings struct {
	RetrievalEnabled     bool
	MaxPassages          int
	RetrievalTimeout     time.Duration
	SentenceMaxChars     int
	SynthesisParallelism int
	SentenceQueue        int
	IdleTimeout          time.Duration
	HistoryTurns         int
	OverlapPolicy        OverlapPolicy
	// Request holds model defaults copied into every generation request.
	Request llm.Request
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		RetrievalEnabled:     cfg.Retrieval.Enabled,
		MaxPassages:          cfg.Retrieval.MaxPassages,
		RetrievalTimeout:     time.Duration(cfg.Retrieval.TimeoutMS) * time.Millisecond,
		SentenceMaxChars:     cfg.Orchestrator.SentenceMaxChars,
		SynthesisParallelism: cfg.Orchestrator.SynthesisParallelism,
		SentenceQueue:        cfg.Orchestrator.SentenceQueue,
		IdleTimeout:          time.Duration(cfg.LLM.IdleTimeoutMS) * time.Millisecond,
		HistoryTurns:         cfg.LLM.HistoryTurns,
		OverlapPolicy:        OverlapPolicy(cfg.Orchestrator.OverlapPolicy),
		Request:              llm.OptionsFromConfig(cfg.LLM),
	}
}

func (s Settings) withDefaults() Settings {
	if s.SynthesisParallelism <= 0 {
		s.SynthesisParallelism = 1
	}
	if s.SentenceQueue <= 0 {
		s.SentenceQueue = 1
	}
	if s.OverlapPolicy == "" {
		s.OverlapPolicy = OverlapInterrupt
	}
	return s
}
