package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type options struct {
	server    string
	sessionID string
	timeout   time.Duration
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.server, "server", "nats://localhost:4222", "NATS server URL")
	fs.StringVar(&o.sessionID, "session", "", "Session identifier")
	fs.DurationVar(&o.timeout, "timeout", 60*time.Second, "How long to wait for a reply")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'interrupt', 'end', 'history' or 'version'")
		os.Exit(2)
	}

	var (
		opts    options
		limit   int
		verbose bool
	)
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	opts.register(fs)

	var err error
	switch os.Args[1] {
	case "say":
		fs.BoolVar(&verbose, "v", false, "Print state transitions")
		_ = fs.Parse(os.Args[2:])
		err = runSay(opts, strings.Join(fs.Args(), " "), verbose)
	case "interrupt":
		_ = fs.Parse(os.Args[2:])
		err = runPublish(opts, protocol.SubjectTurnInterrupt, protocol.InterruptRequest{SessionID: opts.sessionID, Reason: "cli", Timestamp: time.Now().UTC()})
	case "end":
		_ = fs.Parse(os.Args[2:])
		err = runPublish(opts, protocol.SubjectSessionEnd, protocol.SessionEnd{SessionID: opts.sessionID, Timestamp: time.Now().UTC()})
	case "history":
		fs.IntVar(&limit, "limit", 0, "Only show the most recent turns")
		_ = fs.Parse(os.Args[2:])
		err = runHistory(opts, limit)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, opts options) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, config.BusConfig{Servers: []string{opts.server}, ConnectTimeout: 2000}, logger)
}

func runSay(opts options, text string, verbose bool) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to say")
	}
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	results := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTurnResult, results)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if verbose {
		stateSub, err := client.Conn().Subscribe(protocol.TurnStateSubject(opts.sessionID), func(msg *nats.Msg) {
			var st protocol.TurnState
			if json.Unmarshal(msg.Data, &st) == nil {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", st.TurnID, st.State)
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = stateSub.Unsubscribe() }()
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}

	req := protocol.TurnRequest{SessionID: opts.sessionID, Text: text, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(protocol.SubjectTurnRequest, req); err != nil {
		return err
	}

	for {
		select {
		case msg := <-results:
			var res protocol.TurnResult
			if err := json.Unmarshal(msg.Data, &res); err != nil || res.SessionID != opts.sessionID {
				continue
			}
			printResult(res)
			if res.Outcome == "failed" {
				return fmt.Errorf("turn failed: %s", res.Error)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no result for session %s: %w", opts.sessionID, ctx.Err())
		}
	}
}

func printResult(res protocol.TurnResult) {
	fmt.Printf("session: %s\nturn:    %s\noutcome: %s\n", res.SessionID, res.TurnID, res.Outcome)
	if res.Truncated {
		fmt.Println("truncated: true")
	}
	for _, d := range res.Degraded {
		fmt.Printf("degraded: %s\n", d)
	}
	if res.ErrorKind != "" {
		fmt.Printf("error:   %s (%s)\n", res.Error, res.ErrorKind)
	}
	fmt.Printf("chunks:  %d\n\n%s\n", res.Chunks, res.Text)
}

func runPublish(opts options, subject string, msg any) error {
	if opts.sessionID == "" {
		return errors.New("-session is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(subject, msg); err != nil {
		return err
	}
	return client.Conn().FlushWithContext(ctx)
}

func runHistory(opts options, limit int) error {
	if opts.sessionID == "" {
		return errors.New("-session is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.HistoryResponse
	if err := client.RequestJSON(ctx, protocol.SubjectSessionHistory, protocol.HistoryRequest{SessionID: opts.sessionID, Limit: limit}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	for _, t := range resp.Turns {
		marker := ""
		if t.Truncated {
			marker = " (truncated)"
		}
		fmt.Printf("%s %-9s %-9s %s%s\n", t.CreatedAt.Format(time.RFC3339), t.Role, t.Outcome, t.Text, marker)
	}
	return nil
}
