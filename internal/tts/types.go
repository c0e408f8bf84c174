package tts

import (
	"context"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data in the engine's native format.
type SynthChunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for a speech engine.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// ErrorKind classifies synthesis failures.
type ErrorKind string

const (
	KindEngineUnavailable ErrorKind = "engine_unavailable"
	KindUnsupportedInput  ErrorKind = "unsupported_input"
)

type SynthesisError struct {
	Kind ErrorKind
	Err  error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return "tts: " + string(e.Kind)
	}
	return fmt.Sprintf("tts: %s: %v", e.Kind, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
