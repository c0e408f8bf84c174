package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// NullDevice discards audio. With realtime set it holds each chunk for its
// duration so queueing behaves like a real output.
type NullDevice struct {
	Realtime bool
}

func (d NullDevice) Play(ctx context.Context, chunk Chunk) error {
	if !d.Realtime || chunk.Duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(chunk.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (NullDevice) Stop() error  { return nil }
func (NullDevice) Close() error { return nil }

// ExecDevice pipes PCM into a long running player process such as aplay or
// ffplay. The command may reference {sample_rate} and {channels}.
//
// Writes happen outside the lock, so Stop and a cancelled context kill the
// player while a write is blocked on a full pipe.
type ExecDevice struct {
	template []string
	logger   *slog.Logger

	mu   sync.Mutex
	proc *execProcess
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	format [2]int
	once   sync.Once
}

func (p *execProcess) kill() {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
}

func NewExecDevice(command string, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command empty")
	}
	return &ExecDevice{template: args, logger: logger.With(slog.String("component", "audio-exec"))}, nil
}

func (d *ExecDevice) Play(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	proc, err := d.process([2]int{chunk.SampleRate, chunk.Channels})
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { d.detach(proc) })
	_, err = proc.stdin.Write(chunk.PCM)
	stop()
	if err != nil {
		d.detach(proc)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write to player: %w", err)
	}
	return nil
}

// Stop kills the player so buffered audio is dropped; the next Play restarts it.
func (d *ExecDevice) Stop() error {
	d.mu.Lock()
	proc := d.proc
	d.proc = nil
	d.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	return nil
}

func (d *ExecDevice) Close() error { return d.Stop() }

// process returns the running player for format, restarting it when the
// format changed.
func (d *ExecDevice) process(format [2]int) (*execProcess, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil && d.proc.format == format {
		return d.proc, nil
	}
	if d.proc != nil {
		old := d.proc
		d.proc = nil
		go old.kill()
	}
	proc, err := d.start(format)
	if err != nil {
		return nil, err
	}
	d.proc = proc
	return proc, nil
}

// detach forgets proc if it is still current and kills it.
func (d *ExecDevice) detach(proc *execProcess) {
	d.mu.Lock()
	if d.proc == proc {
		d.proc = nil
	}
	d.mu.Unlock()
	proc.kill()
}

func (d *ExecDevice) start(format [2]int) (*execProcess, error) {
	args := make([]string, len(d.template))
	for i, arg := range d.template {
		arg = strings.ReplaceAll(arg, "{sample_rate}", strconv.Itoa(format[0]))
		arg = strings.ReplaceAll(arg, "{channels}", strconv.Itoa(format[1]))
		args[i] = arg
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	d.logger.Debug("player started", slog.String("command", args[0]))
	return &execProcess{cmd: cmd, stdin: stdin, format: format}, nil
}

// BusDevice streams chunks to a remote playback endpoint over NATS.
type BusDevice struct {
	bus       *bus.Client
	sessionID string
	realtime  bool
}

func NewBusDevice(client *bus.Client, sessionID string, realtime bool) *BusDevice {
	return &BusDevice{bus: client, sessionID: sessionID, realtime: realtime}
}

func (d *BusDevice) Play(ctx context.Context, chunk Chunk) error {
	packet := protocol.AudioChunk{
		SessionID:  d.sessionID,
		TurnID:     chunk.TurnID,
		Sentence:   chunk.Sentence,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
	}
	if err := d.bus.PublishJSON(protocol.SubjectAudioChunk+"."+d.sessionID, packet); err != nil {
		return err
	}
	return NullDevice{Realtime: d.realtime}.Play(ctx, chunk)
}

func (d *BusDevice) Stop() error {
	return d.bus.PublishJSON(protocol.SubjectAudioFlush+"."+d.sessionID, protocol.AudioFlush{
		SessionID: d.sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (d *BusDevice) Close() error { return nil }
