package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Transcoder converts s16le PCM between sample rates and channel layouts.
type Transcoder interface {
	Transcode(ctx context.Context, pcm []byte, from, to Format) ([]byte, error)
}

type Format struct {
	SampleRate int
	Channels   int
}

// ExecTranscoder pipes audio through an external tool such as ffmpeg. The
// command may reference {in_rate}, {in_channels}, {out_rate} and
// {out_channels}.
type ExecTranscoder struct {
	template []string
}

func NewExecTranscoder(command string) (*ExecTranscoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command empty")
	}
	return &ExecTranscoder{template: args}, nil
}

func (t *ExecTranscoder) Transcode(ctx context.Context, pcm []byte, from, to Format) ([]byte, error) {
	replacer := strings.NewReplacer(
		"{in_rate}", strconv.Itoa(from.SampleRate),
		"{in_channels}", strconv.Itoa(from.Channels),
		"{out_rate}", strconv.Itoa(to.SampleRate),
		"{out_channels}", strconv.Itoa(to.Channels),
	)
	args := make([]string, len(t.template))
	for i, arg := range t.template {
		args[i] = replacer.Replace(arg)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("transcode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
