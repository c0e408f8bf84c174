package audio

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

// stalledPlayer starts a player that never reads stdin, so a large write
// blocks once the pipe buffer is full.
func stalledPlayer(t *testing.T) *ExecDevice {
	t.Helper()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dev, err := NewExecDevice("sleep 30", newLogger())
	if err != nil {
		t.Fatalf("new exec device: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func bigChunk() Chunk {
	return Chunk{SampleRate: 16000, Channels: 1, PCM: make([]byte, 1<<20)}
}

func TestExecDevicePlayHonoursContext(t *testing.T) {
	dev := stalledPlayer(t)
	ctx, cancel := context.WithCancel(testContext(t))

	done := make(chan error, 1)
	go func() { done <- dev.Play(ctx, bigChunk()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play blocked after cancellation")
	}
}

func TestExecDeviceStopDuringBlockedWrite(t *testing.T) {
	dev := stalledPlayer(t)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() { done <- dev.Play(ctx, bigChunk()) }()
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		_ = dev.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop waited for the blocked write")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected write error after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("play never returned after stop")
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.proc != nil {
		t.Fatal("stopped player still attached")
	}
}

func TestExecDeviceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecDevice("   ", newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
