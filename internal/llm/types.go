package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Message is one prior exchange sent along with the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Passage is retrieved context attached to a prompt.
type Passage struct {
	Source string
	Text   string
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	TraceID     string
	Model       string
	System      string
	History     []Message
	Context     []Passage
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Generator defines a pluggable LLM backend. The returned stream is bound to
// ctx and must be closed by the caller.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Stream, error)
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// Messages renders the request as a chat transcript: system instructions with
// any retrieved context, then history, then the user prompt.
func (r Request) Messages() []Message {
	var msgs []Message
	system := strings.TrimSpace(r.System)
	if len(r.Context) > 0 {
		var b strings.Builder
		b.WriteString(system)
		if system != "" {
			b.WriteString("\n\n")
		}
		b.WriteString("Use the following web results when they are relevant:\n")
		for i, p := range r.Context {
			fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, p.Source, strings.TrimSpace(p.Text))
		}
		system = strings.TrimSpace(b.String())
	}
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, r.History...)
	msgs = append(msgs, Message{Role: "user", Content: r.Prompt})
	return msgs
}

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	KindUnavailable    ErrorKind = "unavailable"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTimeout        ErrorKind = "timeout"
)

type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "llm: " + string(e.Kind)
	}
	return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *GenerationError {
	return &GenerationError{Kind: kind, Err: err}
}

// classify maps transport failures onto error kinds.
func classify(err error) *GenerationError {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, err)
	}
	return newError(KindUnavailable, err)
}
