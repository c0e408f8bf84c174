package llm

import (
	"context"
	"io"
)

type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one item of a generation stream. Err is set for EventError.
type Event struct {
	Kind EventKind
	Text string
	Err  *GenerationError
}

// Stream is a finite, pull-based sequence of generation events. Tokens arrive
// in generation order and the sequence ends with exactly one Done or Error
// event, after which Recv returns io.EOF. Recv must not be called
// concurrently.
type Stream struct {
	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	finished bool
}

// produceFunc emits tokens through emit and returns nil when the model is done.
type produceFunc func(ctx context.Context, emit func(text string) error) error

// NewStream runs produce on its own goroutine. Cancelling ctx or calling Close
// stops it and releases whatever it holds.
func NewStream(ctx context.Context, produce produceFunc) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, produce)
	return s
}

func (s *Stream) run(ctx context.Context, produce produceFunc) {
	defer close(s.done)
	defer close(s.events)

	err := produce(ctx, func(text string) error {
		if text == "" {
			return nil
		}
		select {
		case s.events <- Event{Kind: EventToken, Text: text}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if ctx.Err() != nil {
		// Cancelled streams produce nothing further.
		return
	}
	final := Event{Kind: EventDone}
	if err != nil {
		final = Event{Kind: EventError, Err: classify(err)}
	}
	select {
	case s.events <- final:
	case <-ctx.Done():
	}
}

// Recv blocks for the next event. It returns the cause of ctx when ctx ends
// first, and io.EOF once the stream has finished or been closed.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	if s.finished {
		return Event{}, io.EOF
	}
	select {
	case evt, ok := <-s.events:
		if !ok {
			s.finished = true
			return Event{}, io.EOF
		}
		if evt.Kind != EventToken {
			s.finished = true
		}
		return evt, nil
	case <-ctx.Done():
		return Event{}, context.Cause(ctx)
	}
}

// Close cancels generation and waits for the producer to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Collect drains the stream into a single string.
func Collect(ctx context.Context, s *Stream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		evt, err := s.Recv(ctx)
		if err != nil {
			return string(out), err
		}
		switch evt.Kind {
		case EventToken:
			out = append(out, evt.Text...)
		case EventDone:
			return string(out), nil
		case EventError:
			return string(out), evt.Err
		}
	}
}
