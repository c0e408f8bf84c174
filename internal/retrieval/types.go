package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Passage is a ranked piece of web context. It lives for one retrieval only.
type Passage struct {
	Source    string
	Title     string
	Text      string
	Score     float64
	Embedding []float64
}

// Candidate is a raw search hit before ranking. ProviderScore is zero when
// the provider does not report one.
type Candidate struct {
	URL           string
	Title         string
	Snippet       string
	ProviderScore float64
}

// Result is the outcome of one retrieval. Degraded is set when any stage
// failed; Passages may still hold what could be salvaged.
type Result struct {
	Passages []Passage
	Degraded error
}

func (r Result) OK() bool { return r.Degraded == nil }

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

var (
	ErrDisabled  = errors.New("retrieval: disabled")
	ErrNoResults = errors.New("retrieval: no results")
	ErrTimeout   = errors.New("retrieval: timed out")
)

// Settings is the immutable retrieval configuration.
type Settings struct {
	MaxPassages          int
	MaxCandidates        int
	MinQueryWords        int
	SimilarityWeight     float64
	FetchContent         bool
	FetchTimeout         time.Duration
	MaxSnippetChars      int
	Timeout              time.Duration
	FetchConcurrency     int
	EmbeddingConcurrency int
}

func SettingsFromConfig(cfg config.RetrievalConfig) Settings {
	return Settings{
		MaxPassages:          cfg.MaxPassages,
		MaxCandidates:        cfg.MaxCandidates,
		MinQueryWords:        cfg.MinQueryWords,
		SimilarityWeight:     cfg.SimilarityWeight,
		FetchContent:         cfg.FetchContent,
		FetchTimeout:         time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		MaxSnippetChars:      cfg.MaxSnippetChars,
		Timeout:              time.Duration(cfg.TimeoutMS) * time.Millisecond,
		FetchConcurrency:     cfg.FetchConcurrency,
		EmbeddingConcurrency: cfg.EmbeddingConcurrency,
	}
}
