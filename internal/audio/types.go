package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Chunk is a buffer of 16-bit little endian PCM produced for one sentence.
type Chunk struct {
	TurnID     string
	Sentence   int
	Sequence   int64
	SampleRate int
	Channels   int
	PCM        []byte
	Duration   time.Duration
}

// ChunkRef is the part of a chunk kept in conversation history.
type ChunkRef struct {
	Sentence int           `json:"sentence"`
	Sequence int64         `json:"sequence"`
	Duration time.Duration `json:"duration"`
}

func (c Chunk) Ref() ChunkRef {
	return ChunkRef{Sentence: c.Sentence, Sequence: c.Sequence, Duration: c.Duration}
}

// PCMDuration returns the playback length of s16le audio.
func PCMDuration(size, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := size / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// Sink accepts ordered chunks for playback.
type Sink interface {
	Enqueue(ctx context.Context, chunk Chunk) error
	// Flush discards queued and playing audio and resets sequence tracking.
	Flush()
	// Drain blocks until everything enqueued so far has been played.
	Drain(ctx context.Context) error
}

// Device is the output the player writes to.
type Device interface {
	// Play blocks until the chunk has been handed to the output, or ctx ends.
	Play(ctx context.Context, chunk Chunk) error
	// Stop cuts whatever the device is currently emitting.
	Stop() error
	Close() error
}

var (
	ErrSinkClosed  = errors.New("audio: sink closed")
	ErrStaleChunk  = errors.New("audio: stale chunk")
	ErrDeviceError = errors.New("audio: playback device error")
)

// DeviceError wraps a failure reported by the output device.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio [%s]: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDeviceError }
