package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/nats-io/nats.go"
)

var (
	errCapacity = errors.New("session limit reached")
	errClosed   = errors.New("router closed")
)

// DeviceFactory opens the playback device for a new session.
type DeviceFactory func(sessionID string) (audio.Device, error)

// Backends are shared by every session the router creates.
type Backends struct {
	Settings      orchestrator.Settings
	Store         session.Store
	Retriever     orchestrator.Retriever
	Generator     llm.Generator
	Synthesizer   orchestrator.Synthesizer
	Devices       DeviceFactory
	QueueCapacity int
}

// sessionEnder is implemented by stores that archive finished sessions.
type sessionEnder interface {
	EndSession(ctx context.Context, sessionID string) error
}

// Service exposes per-session orchestrators on the bus.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	backends Backends
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sessions map[string]*sessionEntry
	closed   bool
	mu       sync.Mutex
}

type sessionEntry struct {
	orch     *orchestrator.Orchestrator
	player   *audio.Player
	lastUsed time.Time
	active   int
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, backends Backends, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if backends.Store == nil {
		backends.Store = session.NewMemoryStore()
	}
	if backends.Devices == nil {
		backends.Devices = func(string) (audio.Device, error) { return audio.NullDevice{}, nil }
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		backends: backends,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionEntry),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectTurnRequest, s.handleTurnRequest},
		{protocol.SubjectTurnInterrupt, s.handleInterrupt},
		{protocol.SubjectSessionEnd, s.handleSessionEnd},
		{protocol.SubjectSessionHistory, s.handleHistory},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("router listening", slog.Int("max_sessions", s.cfg.MaxSessions))
	return nil
}

// Close stops accepting requests, interrupts running turns and releases
// every session.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.drain()
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	entries := s.sessions
	s.sessions = make(map[string]*sessionEntry)
	s.mu.Unlock()
	for id, entry := range entries {
		s.release(id, entry)
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 4
}

// spawn runs fn on the service wait group unless Close has begun. Drain is
// asynchronous, so handlers may still fire while Close waits.
func (s *Service) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) handleTurnRequest(msg *nats.Msg) {
	var req protocol.TurnRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode turn request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
		s.logger.Info("assigned session id", slog.String("session_id", req.SessionID))
	}

	entry, err := s.acquire(req.SessionID)
	if errors.Is(err, errClosed) {
		return
	}
	if err != nil {
		s.logger.Warn("rejecting turn", slog.String("session_id", req.SessionID), slogError(err))
		s.publishResult(protocol.TurnResult{
			SessionID: req.SessionID,
			Outcome:   string(session.OutcomeFailed),
			ErrorKind: "capacity",
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	started := s.spawn(func() {
		defer s.releaseTurn(entry)

		res, err := entry.orch.RunTurn(s.ctx, req.Text)
		if err != nil {
			s.logger.Warn("turn not started", slog.String("session_id", req.SessionID), slogError(err))
			s.publishResult(protocol.TurnResult{
				SessionID: req.SessionID,
				Outcome:   string(session.OutcomeFailed),
				ErrorKind: "rejected",
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			return
		}
		s.publishResult(resultMessage(req.SessionID, res))
	})
	if !started {
		s.releaseTurn(entry)
	}
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	var req protocol.InterruptRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode interrupt", slogError(err))
		return
	}
	s.mu.Lock()
	entry := s.sessions[req.SessionID]
	s.mu.Unlock()
	if entry == nil {
		return
	}
	if entry.orch.Interrupt() {
		s.logger.Info("turn interrupted", slog.String("session_id", req.SessionID), slog.String("reason", req.Reason))
	}
}

func (s *Service) handleSessionEnd(msg *nats.Msg) {
	var req protocol.SessionEnd
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode session end", slogError(err))
		return
	}
	s.spawn(func() {
		s.mu.Lock()
		entry := s.sessions[req.SessionID]
		delete(s.sessions, req.SessionID)
		s.mu.Unlock()

		if entry != nil {
			s.release(req.SessionID, entry)
		}
		if ender, ok := s.backends.Store.(sessionEnder); ok {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
			defer cancel()
			if err := ender.EndSession(ctx, req.SessionID); err != nil {
				s.logger.Warn("failed to archive session", slog.String("session_id", req.SessionID), slogError(err))
			}
		}
		s.logger.Info("session ended", slog.String("session_id", req.SessionID))
	})
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	resp := protocol.HistoryResponse{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = err.Error()
		s.respond(msg, resp)
		return
	}
	resp.SessionID = req.SessionID

	s.mu.Lock()
	entry := s.sessions[req.SessionID]
	s.mu.Unlock()

	var turns []session.Turn
	if entry != nil {
		turns = entry.orch.History()
	} else {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		sess, err := s.backends.Store.Load(ctx, req.SessionID)
		cancel()
		if err != nil {
			resp.Error = err.Error()
			s.respond(msg, resp)
			return
		}
		turns = sess.History
	}
	if req.Limit > 0 && len(turns) > req.Limit {
		turns = turns[len(turns)-req.Limit:]
	}
	resp.Turns = make([]protocol.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		resp.Turns = append(resp.Turns, protocol.HistoryTurn{
			TurnID:    t.ID,
			Role:      string(t.Role),
			Text:      t.Text,
			Outcome:   string(t.Outcome),
			Truncated: t.Truncated,
			CreatedAt: t.CreatedAt,
		})
	}
	s.respond(msg, resp)
}

func (s *Service) respond(msg *nats.Msg, resp protocol.HistoryResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("router failed to encode history", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to reply", slogError(err))
	}
}

// acquire returns the session's orchestrator, creating it when needed, and
// marks a turn as pending on it.
func (s *Service) acquire(sessionID string) (*sessionEntry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	entry := s.sessions[sessionID]
	var evicted *sessionEntry
	var evictedID string
	if entry == nil {
		if len(s.sessions) >= s.cfg.MaxSessions {
			evictedID, evicted = s.oldestIdleLocked()
			if evicted == nil {
				s.mu.Unlock()
				return nil, errCapacity
			}
			delete(s.sessions, evictedID)
		}
		var err error
		entry, err = s.newEntry(sessionID)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.sessions[sessionID] = entry
	}
	entry.active++
	entry.lastUsed = time.Now()
	s.mu.Unlock()

	if evicted != nil {
		s.logger.Info("evicting idle session", slog.String("session_id", evictedID))
		s.release(evictedID, evicted)
	}
	return entry, nil
}

func (s *Service) releaseTurn(entry *sessionEntry) {
	s.mu.Lock()
	entry.active--
	entry.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Service) oldestIdleLocked() (string, *sessionEntry) {
	var (
		oldestID string
		oldest   *sessionEntry
	)
	for id, entry := range s.sessions {
		if entry.active > 0 {
			continue
		}
		if oldest == nil || entry.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, entry
		}
	}
	return oldestID, oldest
}

func (s *Service) newEntry(sessionID string) (*sessionEntry, error) {
	device, err := s.backends.Devices(sessionID)
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	sess, err := s.backends.Store.Load(ctx, sessionID)
	if err != nil {
		s.logger.Warn("starting session without stored history", slog.String("session_id", sessionID), slogError(err))
		sess = session.New(sessionID)
	}

	player := audio.NewPlayer(sessionID, device, s.backends.QueueCapacity, s.logger)
	orch := orchestrator.New(s.backends.Settings, sess, orchestrator.Deps{
		Store:       s.backends.Store,
		Retriever:   s.backends.Retriever,
		Generator:   s.backends.Generator,
		Synthesizer: s.backends.Synthesizer,
		Sink:        player,
		Logger:      s.logger,
		OnState:     s.statePublisher(sessionID),
	})
	return &sessionEntry{orch: orch, player: player, lastUsed: time.Now()}, nil
}

func (s *Service) release(sessionID string, entry *sessionEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()
	if err := entry.orch.Close(ctx); err != nil {
		s.logger.Warn("orchestrator did not stop in time", slog.String("session_id", sessionID), slogError(err))
	}
	if err := entry.player.Close(); err != nil {
		s.logger.Warn("failed to close playback device", slog.String("session_id", sessionID), slogError(err))
	}
}

func (s *Service) statePublisher(sessionID string) func(string, session.State) {
	subject := protocol.TurnStateSubject(sessionID)
	return func(turnID string, state session.State) {
		err := s.bus.PublishJSON(subject, protocol.TurnState{
			SessionID: sessionID,
			TurnID:    turnID,
			State:     string(state),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Debug("failed to publish turn state", slogError(err))
		}
	}
}

func (s *Service) publishResult(result protocol.TurnResult) {
	if err := s.bus.PublishJSON(protocol.SubjectTurnResult, result); err != nil {
		s.logger.Warn("router failed to publish turn result", slogError(err))
	}
}

func resultMessage(sessionID string, res orchestrator.Result) protocol.TurnResult {
	msg := protocol.TurnResult{
		SessionID: sessionID,
		TurnID:    res.TurnID,
		Outcome:   string(res.Turn.Outcome),
		Text:      res.Turn.Text,
		Truncated: res.Turn.Truncated,
		ErrorKind: res.Turn.ErrorKind,
		Chunks:    len(res.Turn.Chunks),
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	for _, d := range res.Degraded {
		msg.Degraded = append(msg.Degraded, d.Error())
	}
	return msg
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
