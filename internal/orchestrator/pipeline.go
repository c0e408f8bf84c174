package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// pipeline carries the sentences of one turn from generation to the sink.
//
// Generation hands sentences to Submit, which never blocks. A dispatcher
// moves them into synthesis while fewer than queue sentences are waiting for
// playback; at most parallelism syntheses run at once. A single playback
// goroutine consumes results in dispatch order, numbers the chunks and
// enqueues them, so a sentence that finishes early never overtakes an
// earlier one.
type pipeline struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	turnID string
	synth  Synthesizer
	sink   audio.Sink
	sem    *semaphore.Weighted
	slots  chan struct{}
	logger *slog.Logger
	tracer trace.Tracer
	hooks  pipelineHooks

	mu        sync.Mutex
	pending   []string
	inputDone bool
	wake      chan struct{}

	ordered      chan *job
	workers      sync.WaitGroup
	dispatchDone chan struct{}
	playbackDone chan struct{}

	synthesized atomic.Int32
	ready       atomic.Int32
	skipped     []error
	refs        []audio.ChunkRef
}

type pipelineHooks struct {
	dispatched  func(index int, sentence string)
	firstAudio  func()
	synthesized func(ok bool)
}

type job struct {
	index  int
	text   string
	result chan jobResult
}

type jobResult struct {
	chunks []audio.Chunk
	err    error
}

func newPipeline(ctx context.Context, cancel context.CancelCauseFunc, turnID string, settings Settings, synth Synthesizer, sink audio.Sink, logger *slog.Logger, tracer trace.Tracer, hooks pipelineHooks) *pipeline {
	p := &pipeline{
		ctx:          ctx,
		cancel:       cancel,
		turnID:       turnID,
		synth:        synth,
		sink:         sink,
		sem:          semaphore.NewWeighted(int64(settings.SynthesisParallelism)),
		slots:        make(chan struct{}, settings.SentenceQueue),
		logger:       logger,
		tracer:       tracer,
		hooks:        hooks,
		wake:         make(chan struct{}, 1),
		ordered:      make(chan *job, settings.SentenceQueue),
		dispatchDone: make(chan struct{}),
		playbackDone: make(chan struct{}),
	}
	go p.dispatch()
	go p.playback()
	return p
}

// Submit queues a finished sentence for synthesis.
func (p *pipeline) Submit(sentence string) {
	p.mu.Lock()
	p.pending = append(p.pending, sentence)
	p.mu.Unlock()
	p.signal()
}

// CloseInput tells the pipeline no more sentences will arrive.
func (p *pipeline) CloseInput() {
	p.mu.Lock()
	p.inputDone = true
	p.mu.Unlock()
	p.signal()
}

// Wait blocks until every goroutine of the pipeline has exited: either all
// audio has played or the turn context was cancelled.
func (p *pipeline) Wait() {
	<-p.dispatchDone
	<-p.playbackDone
	p.workers.Wait()
}

// Synthesized counts sentences whose audio reached the sink.
func (p *pipeline) Synthesized() int { return int(p.synthesized.Load()) }

// Ready counts sentences whose synthesis has succeeded so far, played or not.
func (p *pipeline) Ready() int { return int(p.ready.Load()) }

// Skipped and Refs must only be read after Wait.
func (p *pipeline) Skipped() []error       { return p.skipped }
func (p *pipeline) Refs() []audio.ChunkRef { return p.refs }

func (p *pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeline) next() (string, bool) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			s := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return s, true
		}
		done := p.inputDone
		p.mu.Unlock()
		if done {
			return "", false
		}
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return "", false
		}
	}
}

func (p *pipeline) dispatch() {
	defer close(p.dispatchDone)
	defer close(p.ordered)
	for index := 0; ; index++ {
		text, ok := p.next()
		if !ok {
			return
		}
		select {
		case p.slots <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		j := &job{index: index, text: text, result: make(chan jobResult, 1)}
		// ordered has room for every slot, so this never waits.
		p.ordered <- j
		if p.hooks.dispatched != nil {
			p.hooks.dispatched(index, text)
		}
		p.workers.Add(1)
		go p.synthesize(j)
	}
}

func (p *pipeline) synthesize(j *job) {
	defer p.workers.Done()
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		j.result <- jobResult{err: context.Cause(p.ctx)}
		return
	}
	defer p.sem.Release(1)

	ctx, span := p.tracer.Start(p.ctx, "synthesize", trace.WithAttributes(
		attribute.String("turn.id", p.turnID),
		attribute.Int("sentence.index", j.index),
		attribute.Int("sentence.chars", len(j.text)),
	))
	chunks, err := p.synth.Synthesize(ctx, j.text)
	if err != nil {
		span.RecordError(err)
	} else {
		p.ready.Add(1)
	}
	span.End()
	j.result <- jobResult{chunks: chunks, err: err}
}

func (p *pipeline) playback() {
	defer close(p.playbackDone)
	var (
		seq   int64
		first = true
	)
	for j := range p.ordered {
		var res jobResult
		select {
		case res = <-j.result:
		case <-p.ctx.Done():
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		if res.err != nil {
			p.skip(j, res.err)
			<-p.slots
			continue
		}
		p.synthesized.Add(1)
		if p.hooks.synthesized != nil {
			p.hooks.synthesized(true)
		}
		for _, chunk := range res.chunks {
			chunk.TurnID = p.turnID
			chunk.Sentence = j.index
			chunk.Sequence = seq
			if err := p.sink.Enqueue(p.ctx, chunk); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				if errors.Is(err, audio.ErrStaleChunk) {
					p.logger.Warn("sink dropped stale chunk", slog.Int64("sequence", seq))
					continue
				}
				p.cancel(fmt.Errorf("%w: %w", ErrPlaybackDevice, err))
				return
			}
			seq++
			p.refs = append(p.refs, chunk.Ref())
			if first {
				first = false
				if p.hooks.firstAudio != nil {
					p.hooks.firstAudio()
				}
			}
		}
		<-p.slots
	}
	if p.ctx.Err() != nil {
		return
	}
	if err := p.sink.Drain(p.ctx); err != nil && p.ctx.Err() == nil {
		p.cancel(fmt.Errorf("%w: %w", ErrPlaybackDevice, err))
	}
}

func (p *pipeline) skip(j *job, err error) {
	skipped := fmt.Errorf("%w: sentence %d: %w", ErrSynthesisSkipped, j.index, err)
	p.skipped = append(p.skipped, skipped)
	if p.hooks.synthesized != nil {
		p.hooks.synthesized(false)
	}
	p.logger.Warn("skipping sentence", slog.Int("sentence", j.index), slogError(err))
}
