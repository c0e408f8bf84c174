package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

type execRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewExecGenerator runs command once per request, writing the request as JSON
// to stdin and reading newline-delimited {"content": ...} objects from stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (*Stream, error) {
	input, err := json.Marshal(execRequest{
		Model:       req.Model,
		Messages:    req.Messages(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, newError(KindInvalidRequest, err)
	}

	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return newError(KindUnavailable, fmt.Errorf("start llm command: %w", err))
		}

		streamErr := func() error {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				var resp execResponse
				if err := json.Unmarshal(line, &resp); err != nil {
					return newError(KindUnavailable, fmt.Errorf("decode llm exec response: %w", err))
				}
				if resp.Error != "" {
					return newError(KindUnavailable, errors.New(resp.Error))
				}
				if err := emit(resp.Content); err != nil {
					return err
				}
				if resp.Done {
					return nil
				}
			}
			return scanner.Err()
		}()
		if streamErr != nil {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
			return streamErr
		}
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newError(KindUnavailable, fmt.Errorf("llm exec command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
		}
		return nil
	}), nil
}
