package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// Adapter turns one sentence into playable chunks: it normalises the text,
// runs the engine, converts the audio to the output format and slices it.
type Adapter struct {
	synth         Synthesizer
	transcoder    Transcoder
	voice         string
	output        Format
	chunkDuration time.Duration
	timeout       time.Duration
	logger        *slog.Logger
}

type AdapterOptions struct {
	Voice         string
	Output        Format
	ChunkDuration time.Duration
	Timeout       time.Duration
}

func NewAdapter(synth Synthesizer, transcoder Transcoder, opts AdapterOptions, logger *slog.Logger) *Adapter {
	return &Adapter{
		synth:         synth,
		transcoder:    transcoder,
		voice:         opts.Voice,
		output:        opts.Output,
		chunkDuration: opts.ChunkDuration,
		timeout:       opts.Timeout,
		logger:        logger.With(slog.String("component", "tts")),
	}
}

// NewFromConfig builds the configured engine and adapter.
func NewFromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Adapter, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(cfg.EngineSampleRate, 1)
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.EngineSampleRate, 1)
	default:
		err = fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	var transcoder Transcoder
	if cfg.TranscodeCommand != "" {
		if transcoder, err = NewExecTranscoder(cfg.TranscodeCommand); err != nil {
			return nil, err
		}
	}
	return NewAdapter(synth, transcoder, AdapterOptions{
		Voice:         cfg.Voice,
		Output:        Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		ChunkDuration: time.Duration(cfg.ChunkDurationMS) * time.Millisecond,
		Timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, logger), nil
}

var errSynthesisTimeout = errors.New("synthesis timed out")

// Synthesize returns the chunks for sentence in playback order. Chunks carry
// format, PCM and duration; the caller assigns turn, sentence and sequence.
// When ctx itself is cancelled its cause is returned unwrapped.
func (a *Adapter) Synthesize(ctx context.Context, sentence string) ([]audio.Chunk, error) {
	text := Normalize(sentence)
	if text == "" {
		return nil, &SynthesisError{Kind: KindUnsupportedInput, Err: fmt.Errorf("nothing speakable in %q", sentence)}
	}

	sctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeoutCause(ctx, a.timeout, errSynthesisTimeout)
		defer cancel()
	}

	pcm, format, err := a.collect(sctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if sctx.Err() != nil {
			err = context.Cause(sctx)
		}
		return nil, &SynthesisError{Kind: KindEngineUnavailable, Err: err}
	}
	if len(pcm) == 0 {
		return nil, &SynthesisError{Kind: KindEngineUnavailable, Err: errors.New("engine returned no audio")}
	}

	if a.transcoder != nil && a.output.SampleRate > 0 && a.output != format {
		out, err := a.transcoder.Transcode(sctx, pcm, format, a.output)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, &SynthesisError{Kind: KindEngineUnavailable, Err: err}
		}
		pcm, format = out, a.output
	}
	chunks := split(pcm, format, a.chunkDuration)
	a.logger.Debug("sentence synthesized",
		slog.Int("chars", len(text)),
		slog.Int("chunks", len(chunks)),
		slog.Duration("audio", audio.PCMDuration(len(pcm), format.SampleRate, format.Channels)),
	)
	return chunks, nil
}

func (a *Adapter) collect(ctx context.Context, text string) ([]byte, Format, error) {
	chunks, errs := a.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: a.voice})
	var (
		pcm    []byte
		format Format
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if format.SampleRate == 0 {
				format = Format{SampleRate: chunk.SampleRate, Channels: max(chunk.Channels, 1)}
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, format, err
			}
		case <-ctx.Done():
			return nil, format, context.Cause(ctx)
		}
	}
	return pcm, format, nil
}

// split slices PCM into chunks of roughly d, never cutting through a frame.
func split(pcm []byte, format Format, d time.Duration) []audio.Chunk {
	frame := 2 * format.Channels
	size := len(pcm)
	if d > 0 && format.SampleRate > 0 {
		size = int(d.Seconds()*float64(format.SampleRate)) * frame
	}
	if size <= 0 {
		size = len(pcm)
	}
	var out []audio.Chunk
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		end -= (end - start) % frame
		if end <= start {
			break
		}
		out = append(out, audio.Chunk{
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			PCM:        pcm[start:end],
			Duration:   audio.PCMDuration(end-start, format.SampleRate, format.Channels),
		})
	}
	return out
}
