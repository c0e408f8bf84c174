package protocol

import "time"

// TurnRequest carries user input for a session.
type TurnRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InterruptRequest signals barge-in for a session.
type InterruptRequest struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEnd archives a session and releases its orchestrator.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnState is published on every state machine transition.
type TurnState struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnResult is published once a turn reaches a terminal state.
type TurnResult struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Outcome   string    `json:"outcome"`
	Text      string    `json:"text"`
	Truncated bool      `json:"truncated,omitempty"`
	Degraded  []string  `json:"degraded,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Chunks    int       `json:"chunks"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryRequest asks for the stored turns of a session.
type HistoryRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryTurn is one entry of a HistoryResponse.
type HistoryTurn struct {
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Outcome   string    `json:"outcome"`
	Truncated bool      `json:"truncated,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []HistoryTurn `json:"turns"`
	Error     string        `json:"error,omitempty"`
}

// AudioChunk is PCM audio streamed to a remote playback device.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Sentence   int    `json:"sentence"`
	Sequence   int64  `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// AudioFlush tells a remote playback device to drop everything it holds.
type AudioFlush struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTurnRequest     = "turn.request"
	SubjectTurnInterrupt   = "turn.interrupt"
	SubjectTurnStatePrefix = "turn.state"
	SubjectTurnResult      = "turn.result"
	SubjectSessionEnd      = "session.end"
	SubjectSessionHistory  = "session.history"
	SubjectAudioChunk      = "audio.chunk"
	SubjectAudioFlush      = "audio.flush"
)

// TurnStateSubject returns the per-session state subject.
func TurnStateSubject(sessionID string) string {
	return SubjectTurnStatePrefix + "." + sessionID
}
