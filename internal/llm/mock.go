package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockStep is one scripted action of a MockGenerator.
type MockStep struct {
	Token string
	Delay time.Duration
	// Err ends the stream with an error event.
	Err *GenerationError
	// Stall blocks until the stream is cancelled.
	Stall bool
}

// MockGenerator replays scripted steps. Without a script it echoes the prompt
// back one word at a time.
type MockGenerator struct {
	mu       sync.Mutex
	script   []MockStep
	startErr error
	requests []Request
}

func NewMockGenerator(steps ...MockStep) *MockGenerator {
	return &MockGenerator{script: steps}
}

// Tokens builds a script that emits each token with the given delay.
func Tokens(delay time.Duration, tokens ...string) []MockStep {
	steps := make([]MockStep, 0, len(tokens))
	for _, t := range tokens {
		steps = append(steps, MockStep{Token: t, Delay: delay})
	}
	return steps
}

// FailStart makes Generate return err instead of a stream.
func (m *MockGenerator) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Requests returns every request seen so far.
func (m *MockGenerator) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	startErr := m.startErr
	steps := m.script
	m.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	if len(steps) == 0 {
		steps = echoScript(req.Prompt)
	}
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		for _, step := range steps {
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			if step.Stall {
				<-ctx.Done()
				return ctx.Err()
			}
			if step.Err != nil {
				return step.Err
			}
			if err := emit(step.Token); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func echoScript(prompt string) []MockStep {
	text := "You said " + strings.TrimRight(strings.TrimSpace(prompt), ".!?") + ". This is a mock response."
	words := strings.SplitAfter(text, " ")
	return Tokens(20*time.Millisecond, words...)
}
