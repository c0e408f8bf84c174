package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Retriever fetches optional web context. It must not fail the turn.
type Retriever interface {
	Warrants(query string) bool
	Retrieve(ctx context.Context, query string) retrieval.Result
}

// Synthesizer turns one sentence into playable chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, sentence string) ([]audio.Chunk, error)
}

// Deps are the collaborators of one orchestrator. Retriever and OnState are
// optional.
type Deps struct {
	Store       session.Store
	Retriever   Retriever
	Generator   llm.Generator
	Synthesizer Synthesizer
	Sink        audio.Sink
	Logger      *slog.Logger
	// OnState is called synchronously on every state transition.
	OnState func(turnID string, state session.State)
}

// Result describes how a turn ended. Err is nil for completed turns.
type Result struct {
	TurnID    string
	State     session.State
	Turn      session.Turn
	Sentences int
	Degraded  []error
	Err       error
}

// Orchestrator runs the turns of a single session one at a time.
type Orchestrator struct {
	settings Settings
	deps     Deps
	sess     *session.Session
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	mu       sync.Mutex
	busy     bool
	released chan struct{}
	current  context.CancelCauseFunc
	closed   bool
}

func New(settings Settings, sess *session.Session, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("component", "orchestrator"), slog.String("session_id", sess.ID))
	return &Orchestrator{
		settings: settings.withDefaults(),
		deps:     deps,
		sess:     sess,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newMetrics(logger),
		released: make(chan struct{}),
	}
}

func (o *Orchestrator) SessionID() string { return o.sess.ID }

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []session.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.Turn(nil), o.sess.History...)
}

// State returns the current state machine position.
func (o *Orchestrator) State() session.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.State
}

// Interrupt cancels the in-flight turn and silences the sink. It reports
// whether a turn was running.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	cancel := o.current
	if cancel != nil {
		o.sess.MarkInterrupted()
	}
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(ErrInterrupted)
	o.deps.Sink.Flush()
	return true
}

// Close interrupts any running turn, waits for it to finish and refuses new ones.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Interrupt()
	for {
		o.mu.Lock()
		busy, wait := o.busy, o.released
		o.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acquire waits until no turn is in flight and claims the session for one.
// The claim and the publication of cancel happen under the same lock, so an
// Interrupt can never fall between them.
func (o *Orchestrator) acquire(ctx context.Context, cancel context.CancelCauseFunc) error {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrClosed
		}
		if !o.busy {
			o.busy = true
			o.current = cancel
			o.sess.TakeInterrupted()
			o.mu.Unlock()
			return nil
		}
		wait := o.released
		o.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.current = nil
	close(o.released)
	o.released = make(chan struct{})
	o.mu.Unlock()
}

// RunTurn processes one user input to a terminal state and returns the
// session to idle. The returned error is only set when the turn never
// started; how a started turn ended is described by the Result.
func (o *Orchestrator) RunTurn(ctx context.Context, input string) (Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Result{}, ErrEmptyInput
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}
	if o.settings.OverlapPolicy == OverlapInterrupt {
		o.Interrupt()
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := o.acquire(ctx, cancel); err != nil {
		return Result{}, err
	}
	defer o.release()

	t := &turn{
		o:      o,
		id:     uuid.NewString(),
		input:  input,
		start:  time.Now(),
		ctx:    turnCtx,
		cancel: cancel,
	}
	return t.run(), nil
}

func (o *Orchestrator) setState(turnID string, state session.State) {
	o.mu.Lock()
	o.sess.State = state
	o.mu.Unlock()
	if o.deps.OnState != nil {
		o.deps.OnState(turnID, state)
	}
}

// turn is the working state of one RunTurn call.
type turn struct {
	o      *Orchestrator
	id     string
	input  string
	start  time.Time
	ctx    context.Context
	cancel context.CancelCauseFunc

	text      strings.Builder
	degraded  []error
	genErr    error
	sentences int
	// readyAtError is how many sentences had finished synthesis when
	// generation failed.
	readyAtError int
}

func (t *turn) run() Result {
	o := t.o
	ctx, span := o.tracer.Start(t.ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", o.sess.ID),
		attribute.String("turn.id", t.id),
	))
	t.ctx = ctx
	defer span.End()

	logger := o.logger.With(slog.String("turn_id", t.id))
	logger.Info("turn started", slog.Int("chars", len(t.input)))

	passages := t.retrieve()

	var p *pipeline
	if t.ctx.Err() == nil {
		p = t.generate(passages, logger)
	}

	result := t.finish(p, logger)
	if result.Err != nil && !errors.Is(result.Err, ErrInterrupted) {
		span.SetStatus(codes.Error, result.Err.Error())
	}
	span.SetAttributes(attribute.String("turn.outcome", string(result.State)))
	return result
}

func (t *turn) retrieve() []retrieval.Passage {
	o := t.o
	if !o.settings.RetrievalEnabled || o.deps.Retriever == nil || !o.deps.Retriever.Warrants(t.input) {
		return nil
	}
	o.setState(t.id, session.StateRetrieving)

	ctx, span := o.tracer.Start(t.ctx, "retrieve")
	defer span.End()
	if o.settings.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.RetrievalTimeout)
		defer cancel()
	}

	res := o.deps.Retriever.Retrieve(ctx, t.input)
	if t.ctx.Err() != nil {
		return nil
	}
	if res.Degraded != nil {
		t.degraded = append(t.degraded, fmt.Errorf("%w: %w", ErrRetrievalDegraded, res.Degraded))
		o.metrics.retrievalDegraded(t.ctx)
		span.RecordError(res.Degraded)
		o.logger.Warn("continuing without web context", slog.String("turn_id", t.id), slogError(res.Degraded))
		return nil
	}
	passages := res.Passages
	if o.settings.MaxPassages > 0 && len(passages) > o.settings.MaxPassages {
		passages = passages[:o.settings.MaxPassages]
	}
	span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	return passages
}

func (t *turn) request(passages []retrieval.Passage) llm.Request {
	o := t.o
	req := o.settings.Request
	req.SessionID = o.sess.ID
	req.TraceID = trace.SpanContextFromContext(t.ctx).TraceID().String()
	req.Prompt = t.input
	req.History = nil
	for _, h := range o.sess.Recent(o.settings.HistoryTurns) {
		if strings.TrimSpace(h.Text) == "" {
			continue
		}
		req.History = append(req.History, llm.Message{Role: string(h.Role), Content: h.Text})
	}
	req.Context = nil
	for _, p := range passages {
		req.Context = append(req.Context, llm.Passage{Source: p.Source, Text: p.Text})
	}
	return req
}

// generate streams the model output into the pipeline. It returns the
// pipeline so finish can join it, or nil when generation never started.
func (t *turn) generate(passages []retrieval.Passage, logger *slog.Logger) *pipeline {
	o := t.o
	o.setState(t.id, session.StateGenerating)

	genCtx, span := o.tracer.Start(t.ctx, "generate")
	defer span.End()

	stream, err := o.deps.Generator.Generate(genCtx, t.request(passages))
	if err != nil {
		if t.ctx.Err() == nil {
			t.fail(err, nil)
			span.RecordError(err)
		}
		return nil
	}
	defer stream.Close()

	speaking := false
	p := newPipeline(t.ctx, t.cancel, t.id, o.settings, o.deps.Synthesizer, o.deps.Sink, logger, o.tracer, pipelineHooks{
		dispatched: func(index int, sentence string) {
			logger.Debug("sentence dispatched", slog.Int("sentence", index), slog.String("text", sentence))
		},
		synthesized: func(ok bool) { o.metrics.sentence(t.ctx, ok) },
		firstAudio: func() {
			o.metrics.firstAudioLatency(t.ctx, time.Since(t.start).Seconds())
		},
	})
	submit := func(sentences []string) {
		for _, s := range sentences {
			if !speaking {
				speaking = true
				o.setState(t.id, session.StateSpeaking)
			}
			t.sentences++
			p.Submit(s)
		}
	}

	seg := NewSegmenter(o.settings.SentenceMaxChars)
	defer p.CloseInput()
	for {
		recvCtx, cancelRecv := t.ctx, context.CancelFunc(func() {})
		if o.settings.IdleTimeout > 0 {
			recvCtx, cancelRecv = context.WithTimeoutCause(t.ctx, o.settings.IdleTimeout, ErrIdleTimeout)
		}
		evt, err := stream.Recv(recvCtx)
		cancelRecv()
		if err != nil {
			if t.ctx.Err() != nil {
				return p
			}
			if errors.Is(err, ErrIdleTimeout) {
				err = &llm.GenerationError{Kind: llm.KindTimeout, Err: ErrIdleTimeout}
			} else if errors.Is(err, io.EOF) {
				err = &llm.GenerationError{Kind: llm.KindUnavailable, Err: io.ErrUnexpectedEOF}
			}
			t.fail(err, p)
			span.RecordError(err)
			return p
		}
		switch evt.Kind {
		case llm.EventToken:
			t.text.WriteString(evt.Text)
			submit(seg.Push(evt.Text))
		case llm.EventDone:
			submit(seg.Flush())
			span.SetAttributes(attribute.Int("generate.sentences", t.sentences))
			return p
		case llm.EventError:
			// The unfinished sentence is dropped; completed ones still play.
			t.fail(evt.Err, p)
			span.RecordError(evt.Err)
			return p
		}
	}
}

// fail records a generation error together with the number of sentences
// already synthesized at that moment.
func (t *turn) fail(err error, p *pipeline) {
	t.genErr = err
	if p != nil {
		t.readyAtError = p.Ready()
	}
}

// finish joins the pipeline, decides the terminal state, records the turn
// and returns the session to idle. Every path through a turn ends here.
func (t *turn) finish(p *pipeline, logger *slog.Logger) Result {
	o := t.o
	if p != nil {
		// After a generation error the sentences already dispatched still
		// play out before the outcome is decided.
		p.Wait()
	}

	cause := context.Cause(t.ctx)
	if t.ctx.Err() == nil {
		cause = nil
	}

	result := Result{TurnID: t.id, Degraded: t.degraded}
	turn := session.Turn{
		ID:        t.id,
		Role:      session.RoleAssistant,
		Text:      strings.TrimSpace(t.text.String()),
		CreatedAt: t.start.UTC(),
	}
	if p != nil {
		result.Sentences = p.Synthesized()
		result.Degraded = append(result.Degraded, p.Skipped()...)
		turn.Chunks = p.Refs()
	}

	bargeIn := o.sess.TakeInterrupted()
	switch {
	case cause != nil && errors.Is(cause, ErrPlaybackDevice):
		result.State = session.StateFailed
		result.Err = cause
		turn.Outcome = session.OutcomeFailed
		turn.ErrorKind = "playback_device"
		turn.Error = cause.Error()
	case cause != nil:
		result.State = session.StateInterrupted
		result.Err = ErrInterrupted
		if !bargeIn && !errors.Is(cause, ErrInterrupted) {
			// The caller gave up on the turn.
			result.Err = fmt.Errorf("%w: %w", ErrInterrupted, cause)
		}
		turn.Outcome = session.OutcomeCancelled
	case t.genErr != nil && !errors.Is(t.genErr, ErrIdleTimeout) && t.readyAtError > 0:
		result.State = session.StateCompleted
		turn.Completed = true
		turn.Outcome = session.OutcomeCompleted
		turn.Truncated = true
		turn.ErrorKind = errorKind(t.genErr)
		turn.Error = t.genErr.Error()
		result.Degraded = append(result.Degraded, fmt.Errorf("%w: %w", ErrGenerationFailed, t.genErr))
	case t.genErr != nil:
		result.State = session.StateFailed
		result.Err = fmt.Errorf("%w: %w", ErrGenerationFailed, t.genErr)
		turn.Outcome = session.OutcomeFailed
		turn.ErrorKind = errorKind(t.genErr)
		turn.Error = t.genErr.Error()
	default:
		result.State = session.StateCompleted
		turn.Completed = true
		turn.Outcome = session.OutcomeCompleted
	}

	// Nothing from this turn may reach the next one. The pipeline has been
	// joined, so a flush here cannot race with a late enqueue.
	t.cancel(nil)
	if result.State != session.StateCompleted {
		o.deps.Sink.Flush()
	}

	o.setState(t.id, result.State)
	result.Turn = turn
	t.record(turn, logger)
	o.metrics.turn(context.WithoutCancel(t.ctx), string(result.State))

	attrs := []any{
		slog.String("state", string(result.State)),
		slog.Int("sentences", result.Sentences),
		slog.Duration("elapsed", time.Since(t.start)),
	}
	switch result.State {
	case session.StateFailed:
		logger.Error("turn failed", append(attrs, slogError(result.Err))...)
	case session.StateInterrupted:
		logger.Info("turn interrupted", append(attrs, slog.Bool("barge_in", bargeIn))...)
	default:
		logger.Info("turn completed", append(attrs, slog.Bool("truncated", turn.Truncated))...)
	}

	o.setState(t.id, session.StateIdle)
	return result
}

// record appends the user and assistant turns to history and the store.
func (t *turn) record(assistant session.Turn, logger *slog.Logger) {
	o := t.o
	user := session.Turn{
		ID:        t.id + "-user",
		Role:      session.RoleUser,
		Text:      t.input,
		CreatedAt: t.start.UTC(),
		Completed: true,
		Outcome:   session.OutcomeCompleted,
	}
	o.mu.Lock()
	o.sess.History = append(o.sess.History, user, assistant)
	o.mu.Unlock()
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), 5*time.Second)
	defer cancel()
	for _, turn := range []session.Turn{user, assistant} {
		if err := o.deps.Store.Append(ctx, o.sess.ID, turn); err != nil {
			logger.Warn("failed to persist turn", slog.String("role", string(turn.Role)), slogError(err))
		}
	}
}

func errorKind(err error) string {
	var genErr *llm.GenerationError
	if errors.As(err, &genErr) {
		return string(genErr.Kind)
	}
	return string(llm.KindUnavailable)
}
