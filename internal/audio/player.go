package audio

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
)

// Player is a Sink that feeds a Device from a bounded, sequence ordered queue.
type Player struct {
	device   Device
	name     string
	capacity int
	logger   *slog.Logger

	mu         sync.Mutex
	queue      chunkHeap
	order      uint64
	lastPlayed int64
	epoch      uint64
	playing    bool
	playCancel context.CancelFunc
	err        error
	closed     bool
	changed    chan struct{}

	done chan struct{}
}

// NewPlayer starts the drain loop for device. capacity bounds the queue.
func NewPlayer(name string, device Device, capacity int, logger *slog.Logger) *Player {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Player{
		device:     device,
		name:       name,
		capacity:   capacity,
		logger:     logger.With(slog.String("component", "audio-player"), slog.String("device", name)),
		lastPlayed: -1,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Player) Enqueue(ctx context.Context, chunk Chunk) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrSinkClosed
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return err
		}
		if chunk.Sequence < p.lastPlayed {
			p.mu.Unlock()
			return ErrStaleChunk
		}
		if p.queue.Len() < p.capacity {
			// The caller may have been cancelled while waiting for room.
			if err := ctx.Err(); err != nil {
				p.mu.Unlock()
				return err
			}
			p.order++
			heap.Push(&p.queue, queued{chunk: chunk, order: p.order})
			p.notifyLocked()
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Player) Flush() {
	p.mu.Lock()
	p.queue = p.queue[:0]
	p.epoch++
	p.lastPlayed = -1
	p.err = nil
	cancel := p.playCancel
	p.notifyLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := p.device.Stop(); err != nil {
		p.logger.Warn("device stop failed", slogError(err))
	}
}

func (p *Player) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return err
		}
		if p.closed {
			p.mu.Unlock()
			return ErrSinkClosed
		}
		if p.queue.Len() == 0 && !p.playing {
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops playback and releases the device.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.playCancel
	p.notifyLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-p.done
	return p.device.Close()
}

// LastPlayed reports the sequence number of the last chunk fully played since
// the previous flush, or -1.
func (p *Player) LastPlayed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPlayed
}

func (p *Player) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if p.queue.Len() == 0 || p.err != nil {
			wait := p.changed
			p.mu.Unlock()
			<-wait
			continue
		}

		next := heap.Pop(&p.queue).(queued).chunk
		if next.Sequence < p.lastPlayed {
			p.notifyLocked()
			p.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		epoch := p.epoch
		p.playing = true
		p.playCancel = cancel
		p.notifyLocked()
		p.mu.Unlock()

		err := p.device.Play(ctx, next)
		interrupted := ctx.Err() != nil
		cancel()

		p.mu.Lock()
		p.playing = false
		p.playCancel = nil
		if epoch == p.epoch {
			switch {
			case err != nil && !interrupted:
				p.err = &DeviceError{Device: p.name, Err: err}
				p.logger.Error("playback failed", slogError(err))
			case err == nil:
				p.lastPlayed = next.Sequence
			}
		}
		p.notifyLocked()
		p.mu.Unlock()
	}
}

func (p *Player) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

type queued struct {
	chunk Chunk
	order uint64
}

type chunkHeap []queued

func (h chunkHeap) Len() int { return len(h) }

func (h chunkHeap) Less(i, j int) bool {
	if h[i].chunk.Sequence != h[j].chunk.Sequence {
		return h[i].chunk.Sequence < h[j].chunk.Sequence
	}
	return h[i].order < h[j].order
}

func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chunkHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
