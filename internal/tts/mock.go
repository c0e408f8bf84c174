package tts

import (
	"context"
	"math"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
}

// NewMockSynth produces a quiet tone whose length follows the word count.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-timer.C:
		}
		words := len(strings.Fields(req.Text))
		duration := time.Duration(words) * 250 * time.Millisecond
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        tone(duration, m.sampleRate, m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}

// tone renders a low-volume 440 Hz sine as s16le.
func tone(d time.Duration, sampleRate, channels int) []byte {
	frames := int(d.Seconds() * float64(sampleRate))
	pcm := make([]byte, 0, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(1000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			pcm = append(pcm, byte(v), byte(v>>8))
		}
	}
	return pcm
}
