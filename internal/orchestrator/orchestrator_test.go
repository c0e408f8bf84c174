package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testSettings() Settings {
	return Settings{
		SentenceMaxChars:     200,
		SynthesisParallelism: 2,
		SentenceQueue:        3,
		IdleTimeout:          2 * time.Second,
		HistoryTurns:         10,
		OverlapPolicy:        OverlapQueue,
		Request:              llm.Request{Model: "test-model", System: "Be brief."},
	}
}

// recordingSink accepts every chunk immediately.
type recordingSink struct {
	mu      sync.Mutex
	chunks  []audio.Chunk
	flushes int
	err     error
}

func (s *recordingSink) Enqueue(ctx context.Context, chunk audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *recordingSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *recordingSink) snapshot() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.chunks...)
}

// scriptedSynth returns two chunks per sentence after an optional delay.
type scriptedSynth struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	fail   map[string]bool
	calls  []string
}

func (s *scriptedSynth) Synthesize(ctx context.Context, sentence string) ([]audio.Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sentence)
	delay := s.delays[sentence]
	fail := s.fail[sentence]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
	if fail {
		return nil, &tts.SynthesisError{Kind: tts.KindEngineUnavailable, Err: errors.New("engine crashed")}
	}
	return []audio.Chunk{
		{SampleRate: 16000, Channels: 1, PCM: []byte(sentence), Duration: 10 * time.Millisecond},
		{SampleRate: 16000, Channels: 1, PCM: []byte(sentence), Duration: 10 * time.Millisecond},
	}, nil
}

func (s *scriptedSynth) sentences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeRetriever struct {
	result retrieval.Result
}

func (f fakeRetriever) Warrants(query string) bool { return true }

func (f fakeRetriever) Retrieve(ctx context.Context, query string) retrieval.Result { return f.result }

type stateLog struct {
	mu     sync.Mutex
	states []session.State
}

func (l *stateLog) record(turnID string, state session.State) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
}

func (l *stateLog) count(state session.State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.states {
		if s == state {
			n++
		}
	}
	return n
}

func newOrchestrator(settings Settings, deps Deps) *Orchestrator {
	if deps.Store == nil {
		deps.Store = session.NewMemoryStore()
	}
	if deps.Sink == nil {
		deps.Sink = &recordingSink{}
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = &scriptedSynth{}
	}
	if deps.Logger == nil {
		deps.Logger = newLogger()
	}
	return New(settings, session.New("session-1"), deps)
}

func TestTurnDispatchesSentencesInOrder(t *testing.T) {
	ctx := testContext(t)
	synth := &scriptedSynth{}
	sink := &recordingSink{}
	gen := llm.NewMockGenerator(llm.Tokens(0, "Hel", "lo there", ". How", " are", " you?")...)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Synthesizer: synth, Sink: sink})

	result, err := o.RunTurn(ctx, "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateCompleted || result.Err != nil {
		t.Fatalf("expected completed turn, got %s (%v)", result.State, result.Err)
	}
	want := []string{"Hello there.", "How are you?"}
	if got := synth.sentences(); !reflect.DeepEqual(got, want) {
		t.Fatalf("dispatched %q, want %q", got, want)
	}
	if result.Turn.Text != "Hello there. How are you?" || !result.Turn.Completed {
		t.Fatalf("unexpected turn %+v", result.Turn)
	}
	if len(result.Turn.Chunks) != 4 || len(sink.snapshot()) != 4 {
		t.Fatalf("expected 4 chunks, got %d refs and %d enqueued", len(result.Turn.Chunks), len(sink.snapshot()))
	}
	if o.State() != session.StateIdle {
		t.Fatalf("expected idle after turn, got %s", o.State())
	}
	history := o.History()
	if len(history) != 2 || history[0].Role != session.RoleUser || history[1].Role != session.RoleAssistant {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestAtMostOneTurnInFlight(t *testing.T) {
	for _, policy := range []OverlapPolicy{OverlapQueue, OverlapInterrupt} {
		t.Run(string(policy), func(t *testing.T) {
			ctx := testContext(t)
			var (
				mu        sync.Mutex
				active    = map[string]bool{}
				violation bool
			)
			onState := func(turnID string, state session.State) {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case state == session.StateIdle, state.Terminal():
					delete(active, turnID)
				default:
					active[turnID] = true
					if len(active) > 1 {
						violation = true
					}
				}
			}
			settings := testSettings()
			settings.OverlapPolicy = policy
			gen := llm.NewMockGenerator(llm.Tokens(5*time.Millisecond, "One. ", "Two. ", "Three.")...)
			o := newOrchestrator(settings, Deps{Generator: gen, OnState: onState})

			var wg sync.WaitGroup
			results := make(chan Result, 6)
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := o.RunTurn(ctx, "go")
					if err != nil {
						t.Errorf("run turn: %v", err)
						return
					}
					results <- res
				}()
			}
			wg.Wait()
			close(results)

			mu.Lock()
			defer mu.Unlock()
			if violation {
				t.Fatal("two turns were in flight at the same time")
			}
			n := 0
			for res := range results {
				n++
				if !res.State.Terminal() {
					t.Fatalf("turn ended in non-terminal state %s", res.State)
				}
				if policy == OverlapQueue && res.State != session.StateCompleted {
					t.Fatalf("queued turn should complete, got %s", res.State)
				}
			}
			if n != 6 {
				t.Fatalf("expected 6 results, got %d", n)
			}
			if len(o.History()) != 12 {
				t.Fatalf("expected every turn in history, got %d entries", len(o.History()))
			}
		})
	}
}

// slowDevice plays each chunk in real time and records what finished.
type slowDevice struct {
	mu      sync.Mutex
	played  []audio.Chunk
	hold    time.Duration
	started chan struct{}
	once    sync.Once
}

func (d *slowDevice) Play(ctx context.Context, chunk audio.Chunk) error {
	d.once.Do(func() { close(d.started) })
	timer := time.NewTimer(d.hold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	d.mu.Lock()
	d.played = append(d.played, chunk)
	d.mu.Unlock()
	return nil
}

func (d *slowDevice) Stop() error  { return nil }
func (d *slowDevice) Close() error { return nil }

func (d *slowDevice) snapshot() []audio.Chunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.Chunk(nil), d.played...)
}

func TestInterruptLeavesNoStaleAudio(t *testing.T) {
	ctx := testContext(t)
	device := &slowDevice{hold: 20 * time.Millisecond, started: make(chan struct{})}
	player := audio.NewPlayer("test", device, 2, newLogger())
	t.Cleanup(func() { _ = player.Close() })

	gen := llm.NewMockGenerator(llm.Tokens(5*time.Millisecond, "One. ", "Two. ", "Three. ", "Four. ", "Five. ", "Six.")...)
	states := &stateLog{}
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Sink: player, OnState: states.record})

	first := make(chan Result, 1)
	go func() {
		res, err := o.RunTurn(ctx, "count for me")
		if err != nil {
			t.Errorf("run turn: %v", err)
		}
		first <- res
	}()

	select {
	case <-device.started:
	case <-ctx.Done():
		t.Fatal("playback never started")
	}
	if !o.Interrupt() {
		t.Fatal("expected a running turn to interrupt")
	}
	interrupted := <-first
	if interrupted.State != session.StateInterrupted || !errors.Is(interrupted.Err, ErrInterrupted) {
		t.Fatalf("expected interrupted turn, got %s (%v)", interrupted.State, interrupted.Err)
	}
	if interrupted.Turn.Outcome != session.OutcomeCancelled || interrupted.Turn.Text == "" {
		t.Fatalf("expected cancelled turn with partial text, got %+v", interrupted.Turn)
	}
	if !strings.HasPrefix("One. Two. Three. Four. Five. Six.", interrupted.Turn.Text) {
		t.Fatalf("partial text is not a prefix of the answer: %q", interrupted.Turn.Text)
	}
	if o.State() != session.StateIdle {
		t.Fatalf("expected idle after interrupt, got %s", o.State())
	}
	if states.count(session.StateInterrupted) != 1 {
		t.Fatalf("expected exactly one interrupted transition")
	}

	time.Sleep(60 * time.Millisecond)
	afterFlush := len(device.snapshot())

	second, err := o.RunTurn(ctx, "again")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.State != session.StateCompleted {
		t.Fatalf("expected second turn to complete, got %s (%v)", second.State, second.Err)
	}
	for _, chunk := range device.snapshot()[afterFlush:] {
		if chunk.TurnID == interrupted.TurnID {
			t.Fatalf("chunk %d of the interrupted turn played after flush", chunk.Sequence)
		}
	}
	var seq int64 = -1
	for _, chunk := range device.snapshot()[afterFlush:] {
		if chunk.Sequence <= seq {
			t.Fatalf("second turn played out of order: %d after %d", chunk.Sequence, seq)
		}
		seq = chunk.Sequence
	}
}

func TestRetrievalFailureOnlyOmitsContext(t *testing.T) {
	ctx := testContext(t)
	settings := testSettings()
	settings.RetrievalEnabled = true

	plain := llm.NewMockGenerator(llm.Tokens(0, "Fine.")...)
	o := newOrchestrator(settings, Deps{Generator: plain})
	if _, err := o.RunTurn(ctx, "what is the weather in Paris"); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	degraded := llm.NewMockGenerator(llm.Tokens(0, "Fine.")...)
	failing := fakeRetriever{result: retrieval.Result{Degraded: errors.New("network unreachable")}}
	o = newOrchestrator(settings, Deps{Generator: degraded, Retriever: failing})
	result, err := o.RunTurn(ctx, "what is the weather in Paris")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateCompleted {
		t.Fatalf("expected completed turn, got %s (%v)", result.State, result.Err)
	}
	if len(result.Degraded) != 1 || !errors.Is(result.Degraded[0], ErrRetrievalDegraded) {
		t.Fatalf("expected retrieval degradation, got %v", result.Degraded)
	}

	want := plain.Requests()[0]
	got := degraded.Requests()[0]
	want.TraceID, got.TraceID = "", ""
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("prompt changed by failed retrieval:\n got %+v\nwant %+v", got, want)
	}
	if len(got.Context) != 0 || got.Prompt != "what is the weather in Paris" || got.System != "Be brief." {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestRetrievalContextAttached(t *testing.T) {
	ctx := testContext(t)
	settings := testSettings()
	settings.RetrievalEnabled = true
	settings.MaxPassages = 1

	gen := llm.NewMockGenerator(llm.Tokens(0, "Sunny.")...)
	retriever := fakeRetriever{result: retrieval.Result{Passages: []retrieval.Passage{
		{Source: "https://weather.example", Text: "Sunny and 20 degrees."},
		{Source: "https://other.example", Text: "Unrelated."},
	}}}
	o := newOrchestrator(settings, Deps{Generator: gen, Retriever: retriever})
	if _, err := o.RunTurn(ctx, "what is the weather in Paris"); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	req := gen.Requests()[0]
	if len(req.Context) != 1 || req.Context[0].Source != "https://weather.example" {
		t.Fatalf("unexpected context %+v", req.Context)
	}
}

func TestGenerationErrorAfterSentenceTruncates(t *testing.T) {
	ctx := testContext(t)
	sink := &recordingSink{}
	gen := llm.NewMockGenerator(
		llm.MockStep{Token: "First sentence. "},
		llm.MockStep{Token: "Second half", Delay: 50 * time.Millisecond},
		llm.MockStep{Err: &llm.GenerationError{Kind: llm.KindUnavailable, Err: errors.New("connection reset")}},
	)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Sink: sink})

	result, err := o.RunTurn(ctx, "tell me")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", result.State, result.Err)
	}
	if !result.Turn.Truncated || result.Turn.ErrorKind != string(llm.KindUnavailable) {
		t.Fatalf("expected truncation marker, got %+v", result.Turn)
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected the first sentence to be enqueued, got %d chunks", len(sink.snapshot()))
	}
	if result.Turn.Text != "First sentence. Second half" {
		t.Fatalf("unexpected text %q", result.Turn.Text)
	}
}

func TestGenerationErrorWithoutOutputFails(t *testing.T) {
	ctx := testContext(t)
	gen := llm.NewMockGenerator(llm.MockStep{Err: &llm.GenerationError{Kind: llm.KindRateLimited}})
	states := &stateLog{}
	o := newOrchestrator(testSettings(), Deps{Generator: gen, OnState: states.record})

	result, err := o.RunTurn(ctx, "tell me")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || !errors.Is(result.Err, ErrGenerationFailed) {
		t.Fatalf("expected failed turn, got %s (%v)", result.State, result.Err)
	}
	if result.Turn.Outcome != session.OutcomeFailed || result.Turn.ErrorKind != string(llm.KindRateLimited) {
		t.Fatalf("unexpected turn %+v", result.Turn)
	}
	if o.State() != session.StateIdle || states.count(session.StateFailed) != 1 {
		t.Fatalf("expected one failure then idle, got %v", states.states)
	}
}

func TestGenerateStartFailure(t *testing.T) {
	ctx := testContext(t)
	gen := llm.NewMockGenerator()
	gen.FailStart(&llm.GenerationError{Kind: llm.KindInvalidRequest})
	o := newOrchestrator(testSettings(), Deps{Generator: gen})

	result, err := o.RunTurn(ctx, "tell me")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || result.Turn.ErrorKind != string(llm.KindInvalidRequest) {
		t.Fatalf("expected invalid_request failure, got %s %+v", result.State, result.Turn)
	}
}

func TestPlaybackOrderFollowsDispatchOrder(t *testing.T) {
	ctx := testContext(t)
	synth := &scriptedSynth{delays: map[string]time.Duration{
		"Slow first.":  80 * time.Millisecond,
		"Fast second.": 0,
	}}
	sink := &recordingSink{}
	gen := llm.NewMockGenerator(llm.Tokens(0, "Slow first. ", "Fast second. ", "Third.")...)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Synthesizer: synth, Sink: sink})

	result, err := o.RunTurn(ctx, "go")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", result.State, result.Err)
	}
	chunks := sink.snapshot()
	wantSentences := []int{0, 0, 1, 1, 2, 2}
	if len(chunks) != len(wantSentences) {
		t.Fatalf("expected %d chunks, got %d", len(wantSentences), len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sentence != wantSentences[i] || chunk.Sequence != int64(i) {
			t.Fatalf("chunk %d: sentence %d seq %d, want sentence %d seq %d", i, chunk.Sentence, chunk.Sequence, wantSentences[i], i)
		}
		if chunk.TurnID != result.TurnID {
			t.Fatalf("chunk carries turn %q, want %q", chunk.TurnID, result.TurnID)
		}
	}
}

func TestIdleTimeoutFailsExactlyOnce(t *testing.T) {
	ctx := testContext(t)
	settings := testSettings()
	settings.IdleTimeout = 50 * time.Millisecond
	gen := llm.NewMockGenerator(llm.MockStep{Token: "Hello"}, llm.MockStep{Stall: true})
	states := &stateLog{}
	o := newOrchestrator(settings, Deps{Generator: gen, OnState: states.record})

	result, err := o.RunTurn(ctx, "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || result.Turn.ErrorKind != string(llm.KindTimeout) {
		t.Fatalf("expected timeout failure, got %s %+v", result.State, result.Turn)
	}
	if !errors.Is(result.Err, ErrIdleTimeout) {
		t.Fatalf("expected idle timeout cause, got %v", result.Err)
	}
	terminal := states.count(session.StateFailed) + states.count(session.StateCompleted) + states.count(session.StateInterrupted)
	if terminal != 1 || states.count(session.StateFailed) != 1 {
		t.Fatalf("expected exactly one terminal transition, got %v", states.states)
	}
	if o.State() != session.StateIdle {
		t.Fatalf("expected idle, got %s", o.State())
	}
}

func TestSynthesisFailureSkipsSentence(t *testing.T) {
	ctx := testContext(t)
	synth := &scriptedSynth{fail: map[string]bool{"Broken bit.": true}}
	sink := &recordingSink{}
	gen := llm.NewMockGenerator(llm.Tokens(0, "Good start. ", "Broken bit. ", "Good end.")...)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Synthesizer: synth, Sink: sink})

	result, err := o.RunTurn(ctx, "go")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateCompleted || result.Sentences != 2 {
		t.Fatalf("expected completed turn with 2 sentences, got %s %d", result.State, result.Sentences)
	}
	if len(result.Degraded) != 1 || !errors.Is(result.Degraded[0], ErrSynthesisSkipped) {
		t.Fatalf("expected skipped sentence, got %v", result.Degraded)
	}
	for i, chunk := range sink.snapshot() {
		if chunk.Sequence != int64(i) || chunk.Sentence == 1 {
			t.Fatalf("unexpected chunk %d: sentence %d seq %d", i, chunk.Sentence, chunk.Sequence)
		}
	}
}

func TestPlaybackDeviceErrorFailsTurn(t *testing.T) {
	ctx := testContext(t)
	sink := &recordingSink{err: &audio.DeviceError{Device: "speaker", Err: errors.New("unplugged")}}
	gen := llm.NewMockGenerator(llm.Tokens(0, "One. ", "Two.")...)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Sink: sink})

	result, err := o.RunTurn(ctx, "go")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || !errors.Is(result.Err, ErrPlaybackDevice) || !errors.Is(result.Err, audio.ErrDeviceError) {
		t.Fatalf("expected playback failure, got %s (%v)", result.State, result.Err)
	}
	if o.State() != session.StateIdle {
		t.Fatalf("expected idle, got %s", o.State())
	}

	sink.mu.Lock()
	sink.err = nil
	flushes := sink.flushes
	sink.mu.Unlock()
	if flushes == 0 {
		t.Fatal("failed turn should flush the sink")
	}
	next, err := o.RunTurn(ctx, "again")
	if err != nil || next.State != session.StateCompleted {
		t.Fatalf("session unusable after device error: %s %v", next.State, err)
	}
}

func TestHistoryFeedsNextRequest(t *testing.T) {
	ctx := testContext(t)
	store := session.NewMemoryStore()
	gen := llm.NewMockGenerator(llm.Tokens(0, "Noted.")...)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Store: store})

	for _, input := range []string{"my name is Sam", "what is my name"} {
		if _, err := o.RunTurn(ctx, input); err != nil {
			t.Fatalf("run turn: %v", err)
		}
	}
	second := gen.Requests()[1]
	want := []llm.Message{{Role: "user", Content: "my name is Sam"}, {Role: "assistant", Content: "Noted."}}
	if !reflect.DeepEqual(second.History, want) {
		t.Fatalf("unexpected history %+v", second.History)
	}
	stored, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stored.History) != 4 {
		t.Fatalf("expected 4 stored turns, got %d", len(stored.History))
	}
}

func TestRunTurnRejectsEmptyInputAndClosed(t *testing.T) {
	ctx := testContext(t)
	o := newOrchestrator(testSettings(), Deps{Generator: llm.NewMockGenerator()})
	if _, err := o.RunTurn(ctx, "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if o.Interrupt() {
		t.Fatal("nothing to interrupt on an idle session")
	}
	if err := o.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := o.RunTurn(ctx, "hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed orchestrator to refuse turns, got %v", err)
	}
}

func TestIdleTimeoutAfterSentenceStillFails(t *testing.T) {
	ctx := testContext(t)
	settings := testSettings()
	settings.IdleTimeout = 50 * time.Millisecond
	gen := llm.NewMockGenerator(
		llm.MockStep{Token: "First sentence. "},
		llm.MockStep{Token: "Then"},
		llm.MockStep{Stall: true},
	)
	sink := &recordingSink{}
	o := newOrchestrator(settings, Deps{Generator: gen, Sink: sink})

	result, err := o.RunTurn(ctx, "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || !errors.Is(result.Err, ErrIdleTimeout) {
		t.Fatalf("expected idle timeout failure, got %s (%v)", result.State, result.Err)
	}
	if result.Turn.Truncated || result.Turn.Outcome != session.OutcomeFailed {
		t.Fatalf("timed out turn must not be marked truncated: %+v", result.Turn)
	}
}

func TestGenerationErrorBeforeAnySynthesisFails(t *testing.T) {
	ctx := testContext(t)
	synth := &scriptedSynth{delays: map[string]time.Duration{"First sentence.": 200 * time.Millisecond}}
	gen := llm.NewMockGenerator(
		llm.MockStep{Token: "First sentence. "},
		llm.MockStep{Err: &llm.GenerationError{Kind: llm.KindUnavailable, Err: errors.New("connection reset")}},
	)
	o := newOrchestrator(testSettings(), Deps{Generator: gen, Synthesizer: synth})

	result, err := o.RunTurn(ctx, "tell me")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.State != session.StateFailed || !errors.Is(result.Err, ErrGenerationFailed) {
		t.Fatalf("expected failure when nothing was synthesized yet, got %s (%v)", result.State, result.Err)
	}
	if result.Turn.Truncated {
		t.Fatalf("failed turn marked truncated: %+v", result.Turn)
	}
}

// burstGenerator emits every sentence as fast as the consumer takes them and
// closes produced once the last one was accepted.
type burstGenerator struct {
	sentences []string
	produced  chan struct{}
}

func (g *burstGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	return llm.NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		for _, s := range g.sentences {
			if err := emit(s + " "); err != nil {
				return err
			}
		}
		close(g.produced)
		return nil
	}), nil
}

// gatedSynth blocks every call until opened and tracks concurrency.
type gatedSynth struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  int
	gate   chan struct{}
}

func (g *gatedSynth) Synthesize(ctx context.Context, sentence string) ([]audio.Chunk, error) {
	g.mu.Lock()
	g.calls++
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	return []audio.Chunk{{SampleRate: 16000, Channels: 1, PCM: []byte(sentence), Duration: time.Millisecond}}, nil
}

func (g *gatedSynth) stats() (calls, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.peak
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipelineBoundsSynthesisAndDispatch(t *testing.T) {
	cases := []struct {
		name        string
		parallelism int
		queue       int
		want        int
	}{
		{name: "parallelism", parallelism: 2, queue: 3, want: 2},
		{name: "sentence queue", parallelism: 4, queue: 3, want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			settings := testSettings()
			settings.SynthesisParallelism = tc.parallelism
			settings.SentenceQueue = tc.queue

			var sentences []string
			for i := 0; i < 8; i++ {
				sentences = append(sentences, fmt.Sprintf("Sentence number %d.", i))
			}
			gen := &burstGenerator{sentences: sentences, produced: make(chan struct{})}
			synth := &gatedSynth{gate: make(chan struct{})}
			sink := &recordingSink{}
			o := newOrchestrator(settings, Deps{Generator: gen, Synthesizer: synth, Sink: sink})

			done := make(chan Result, 1)
			go func() {
				res, err := o.RunTurn(ctx, "go")
				if err != nil {
					t.Errorf("run turn: %v", err)
				}
				done <- res
			}()

			select {
			case <-gen.produced:
			case <-ctx.Done():
				t.Fatal("generation was held back by synthesis")
			}
			waitFor(t, "saturated synthesis", func() bool {
				calls, _ := synth.stats()
				return calls == tc.want
			})
			time.Sleep(50 * time.Millisecond)
			if calls, _ := synth.stats(); calls != tc.want {
				t.Fatalf("%d syntheses started while saturated, want %d", calls, tc.want)
			}

			close(synth.gate)
			res := <-done
			if res.State != session.StateCompleted || res.Sentences != len(sentences) {
				t.Fatalf("expected all %d sentences, got %s with %d", len(sentences), res.State, res.Sentences)
			}
			if _, peak := synth.stats(); peak > tc.want {
				t.Fatalf("peak concurrent syntheses %d exceeds %d", peak, tc.want)
			}
			for i, chunk := range sink.snapshot() {
				if chunk.Sentence != i || chunk.Sequence != int64(i) {
					t.Fatalf("chunk %d: sentence %d seq %d", i, chunk.Sentence, chunk.Sequence)
				}
			}
		})
	}
}

// blockingRetriever holds the turn in the retrieving state until cancelled.
type blockingRetriever struct {
	entered chan struct{}
}

func (r blockingRetriever) Warrants(query string) bool { return true }

func (r blockingRetriever) Retrieve(ctx context.Context, query string) retrieval.Result {
	close(r.entered)
	<-ctx.Done()
	return retrieval.Result{Degraded: ctx.Err()}
}

func TestInterruptDuringRetrieval(t *testing.T) {
	ctx := testContext(t)
	settings := testSettings()
	settings.RetrievalEnabled = true
	retriever := blockingRetriever{entered: make(chan struct{})}
	gen := llm.NewMockGenerator(llm.Tokens(0, "Never said.")...)
	o := newOrchestrator(settings, Deps{Generator: gen, Retriever: retriever})

	done := make(chan Result, 1)
	go func() {
		res, err := o.RunTurn(ctx, "what is happening in the world")
		if err != nil {
			t.Errorf("run turn: %v", err)
		}
		done <- res
	}()
	<-retriever.entered
	if !o.Interrupt() {
		t.Fatal("turn in retrieval should be interruptible")
	}
	res := <-done
	if res.State != session.StateInterrupted || res.Err != ErrInterrupted {
		t.Fatalf("expected barge-in, got %s (%v)", res.State, res.Err)
	}
	if len(gen.Requests()) != 0 {
		t.Fatal("generation started after interrupt")
	}
	if o.sess.Interrupted() {
		t.Fatal("interruption flag left set after the turn")
	}
}

func TestCallerCancellationEndsTurnAsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	gen := llm.NewMockGenerator(llm.MockStep{Token: "Hmm"}, llm.MockStep{Stall: true})
	onState := func(turnID string, state session.State) {
		if state == session.StateGenerating {
			cancel()
		}
	}
	o := newOrchestrator(testSettings(), Deps{Generator: gen, OnState: onState})

	res, err := o.RunTurn(ctx, "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != session.StateInterrupted || !errors.Is(res.Err, ErrInterrupted) || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected caller cancellation, got %s (%v)", res.State, res.Err)
	}
	if res.Err == ErrInterrupted {
		t.Fatal("caller cancellation reported as barge-in")
	}
}
