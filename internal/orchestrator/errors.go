package orchestrator

import "errors"

var (
	// ErrRetrievalDegraded marks a turn answered without web context.
	ErrRetrievalDegraded = errors.New("retrieval degraded")
	// ErrGenerationFailed ends a turn that produced no audio.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrSynthesisSkipped marks a sentence that was dropped from the audio.
	ErrSynthesisSkipped = errors.New("synthesis skipped")
	// ErrPlaybackDevice ends a turn whose output device failed.
	ErrPlaybackDevice = errors.New("playback device error")
	// ErrInterrupted is the cancellation cause for barge-in. It is an outcome,
	// not a failure.
	ErrInterrupted = errors.New("turn interrupted")
	// ErrIdleTimeout is returned when the model goes silent for too long.
	ErrIdleTimeout = errors.New("generation idle timeout")

	ErrClosed     = errors.New("orchestrator closed")
	ErrEmptyInput = errors.New("empty input")
)
