package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence the Coordinator needs: the captured selection and
// the session timeline.
type Store interface {
	SelectedText(ctx context.Context) (string, error)
	SetSelectedText(ctx context.Context, text string) error
	AppendSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt store.Event) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]store.Event, error)
}

// Service hosts a Tracker on the bus.
type Service struct {
	cfg     config.CoordinatorConfig
	bus     *bus.Client
	store   Store
	tracker *Tracker
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	sessions     metric.Int64Counter
	registration metric.Registration

	// serializes transitions with the broadcast that follows them
	mu sync.Mutex
}

func NewService(parent context.Context, cfg config.CoordinatorConfig, busClient *bus.Client, st Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   st,
		tracker: NewTracker(),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "coordinator")),
	}

	meter := otel.Meter("github.com/loqalabs/loqa-reader/coordinator")
	var err error
	if s.sessions, err = meter.Int64Counter("loqa.reader.sessions", metric.WithDescription("Reading sessions by outcome")); err != nil {
		s.logger.Warn("failed to create session counter", slogError(err))
	}
	progress, err := meter.Float64ObservableGauge("loqa.reader.progress",
		metric.WithDescription("Progress of the current reading session"),
		metric.WithUnit("%"))
	if err != nil {
		s.logger.Warn("failed to create progress gauge", slogError(err))
		return s
	}
	s.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		state := s.tracker.Snapshot()
		o.ObserveFloat64(progress, state.Progress, metric.WithAttributes(attribute.String("status", string(state.Status))))
		return nil
	}, progress)
	if err != nil {
		s.logger.Warn("failed to register progress gauge", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	services := []struct {
		subject string
		handler func(*nats.Msg) any
	}{
		{protocol.SubjectSelection, s.handleSelection},
		{protocol.SubjectStart, s.handleStart},
		{protocol.SubjectStop, s.handleStop},
		{protocol.SubjectStateGet, s.handleGetState},
		{protocol.SubjectHistory, s.handleHistory},
	}
	for _, sv := range services {
		sub, err := s.bus.Serve(sv.subject, sv.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", sv.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	sub, err := s.bus.Listen(protocol.SubjectDriverEvents, s.handleDriverEvent)
	if err != nil {
		s.drain()
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectDriverEvents, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	if s.registration != nil {
		_ = s.registration.Unregister()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSelection(msg *nats.Msg) any {
	var req protocol.SelectionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return s.reject("invalid selection", err)
	}
	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.SetSelectedText(ctx, req.Text); err != nil {
		s.logger.Warn("failed to store selection", slogError(err))
		return protocol.Reply{Error: err.Error()}
	}
	state := s.tracker.Snapshot()
	return protocol.Reply{OK: true, State: &state}
}

func (s *Service) handleStart(msg *nats.Msg) any {
	var req protocol.StartRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return s.reject("invalid start request", err)
		}
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	text := req.Text
	if strings.TrimSpace(text) == "" {
		stored, err := s.store.SelectedText(ctx)
		if err != nil {
			s.logger.Warn("failed to load selection", slogError(err))
		}
		text = stored
	} else if err := s.store.SetSelectedText(ctx, text); err != nil {
		s.logger.Warn("failed to store selection", slogError(err))
	}

	s.mu.Lock()
	sessionID, err := s.tracker.Begin(text)
	if err != nil {
		state := s.tracker.Snapshot()
		s.mu.Unlock()
		if errors.Is(err, ErrAlreadyReading) {
			s.logger.Info("ignoring start while reading", slog.String("session_id", state.SessionID))
		}
		return protocol.Reply{Error: err.Error(), State: &state}
	}
	s.broadcastLocked()
	started := s.tracker.Snapshot()
	s.mu.Unlock()

	s.logger.Info("reading session started", slog.String("session_id", sessionID))
	s.record(ctx, sessionID, store.EventBegin, nil)

	var perform protocol.Reply
	err = s.bus.Request(s.ctx, protocol.SubjectDriverPerform, protocol.PerformSpeech{SessionID: sessionID, Text: text}, &perform)
	if err == nil && perform.OK {
		s.countSession("started")
		return protocol.Reply{OK: true, State: &started}
	}

	// An unreachable Driver leaves nothing to track, so fall back to Idle. A
	// Driver that refused the session (still speaking an earlier one) is an
	// error the user has to see.
	s.mu.Lock()
	var changed bool
	outcome := "unreachable"
	if err != nil {
		if errors.Is(err, bus.ErrNoListener) {
			err = errors.New("no playback driver available")
		}
		s.logger.Warn("could not reach playback driver", slog.String("session_id", sessionID), slogError(err))
		changed = s.tracker.Reset(sessionID)
	} else {
		err = errors.New(perform.Error)
		if perform.Error == "" {
			err = errors.New("playback driver rejected the session")
		}
		s.logger.Warn("playback driver rejected session", slog.String("session_id", sessionID), slogError(err))
		changed = s.tracker.ReportFailed(sessionID)
		outcome = "rejected"
	}
	if changed {
		s.broadcastLocked()
	}
	state := s.tracker.Snapshot()
	s.mu.Unlock()
	s.countSession(outcome)
	s.record(ctx, sessionID, store.EventError, map[string]string{"error": err.Error()})
	return protocol.Reply{Error: err.Error(), State: &state}
}

func (s *Service) handleStop(_ *nats.Msg) any {
	s.mu.Lock()
	sessionID := s.tracker.Stop()
	s.broadcastLocked()
	state := s.tracker.Snapshot()
	s.mu.Unlock()

	if sessionID != "" {
		s.logger.Info("reading session stopped", slog.String("session_id", sessionID), slog.Int("position", state.Position))
		s.countSession("stopped")
		ctx, cancel := s.storeContext()
		defer cancel()
		s.record(ctx, sessionID, store.EventStopped, map[string]int{"position": state.Position})
	}
	return protocol.Reply{OK: true, State: &state}
}

func (s *Service) handleGetState(_ *nats.Msg) any {
	state := s.tracker.Snapshot()
	return protocol.Reply{OK: true, State: &state}
}

// handleHistory returns the recorded timeline of a session, the current one
// when no ID is given.
func (s *Service) handleHistory(msg *nats.Msg) any {
	var req protocol.HistoryRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return protocol.Reply{Error: fmt.Sprintf("invalid history request: %v", err)}
		}
	}
	state := s.tracker.Snapshot()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = state.SessionID
	}
	if sessionID == "" {
		return protocol.Reply{Error: "no session to show", State: &state}
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	events, err := s.store.ListSessionEvents(ctx, sessionID, req.Limit)
	if err != nil {
		s.logger.Warn("failed to read session history", slog.String("session_id", sessionID), slogError(err))
		return protocol.Reply{Error: err.Error(), State: &state}
	}
	history := make([]protocol.HistoryEvent, 0, len(events))
	for _, evt := range events {
		entry := protocol.HistoryEvent{SessionID: evt.SessionID, Type: evt.Type, Timestamp: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			entry.Payload = evt.Payload
		}
		history = append(history, entry)
	}
	return protocol.Reply{OK: true, State: &state, History: history}
}

func (s *Service) handleDriverEvent(msg *nats.Msg) {
	var (
		sessionID string
		applied   bool
		event     string
		payload   any
		outcome   string
	)

	s.mu.Lock()
	switch msg.Subject {
	case protocol.SubjectQueueReady:
		var evt protocol.QueueReady
		if !s.decode(msg, &evt) {
			s.mu.Unlock()
			return
		}
		sessionID = evt.SessionID
		applied = s.tracker.SetQueueLength(evt.SessionID, evt.TotalChunks)
		event, payload = store.EventQueued, evt
	case protocol.SubjectProgress:
		var evt protocol.ProgressUpdate
		if !s.decode(msg, &evt) {
			s.mu.Unlock()
			return
		}
		sessionID = evt.SessionID
		applied = s.tracker.ReportProgress(evt.SessionID, evt.Position)
	case protocol.SubjectSpeechEnded:
		var evt protocol.SpeechEnded
		if !s.decode(msg, &evt) {
			s.mu.Unlock()
			return
		}
		sessionID = evt.SessionID
		applied = s.tracker.ReportEnded(evt.SessionID)
		event, payload, outcome = store.EventDone, evt, "done"
	case protocol.SubjectSpeechFailed:
		var evt protocol.SpeechFailed
		if !s.decode(msg, &evt) {
			s.mu.Unlock()
			return
		}
		sessionID = evt.SessionID
		applied = s.tracker.ReportFailed(evt.SessionID)
		event, payload, outcome = store.EventError, evt, "error"
	default:
		s.mu.Unlock()
		s.logger.Debug("ignoring unknown driver event", slog.String("subject", msg.Subject))
		return
	}
	if applied {
		s.broadcastLocked()
	}
	s.mu.Unlock()

	if !applied {
		s.logger.Debug("ignoring stale driver event", slog.String("subject", msg.Subject), slog.String("session_id", sessionID))
		return
	}
	if outcome != "" {
		s.logger.Info("reading session finished", slog.String("session_id", sessionID), slog.String("outcome", outcome))
		s.countSession(outcome)
	}
	if event != "" {
		ctx, cancel := s.storeContext()
		defer cancel()
		s.record(ctx, sessionID, event, payload)
	}
}

func (s *Service) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn("failed to decode driver event", slog.String("subject", msg.Subject), slogError(err))
		return false
	}
	return true
}

// reject handles a request that could not be decoded: the caller gets an
// error reply and the Coordinator falls back to the Error state.
func (s *Service) reject(message string, err error) protocol.Reply {
	s.logger.Warn(message, slogError(err))
	s.mu.Lock()
	s.tracker.Fail()
	s.broadcastLocked()
	state := s.tracker.Snapshot()
	s.mu.Unlock()
	return protocol.Reply{Error: fmt.Sprintf("%s: %v", message, err), State: &state}
}

// broadcastLocked publishes the current state. Nobody listening is fine.
func (s *Service) broadcastLocked() bus.Delivery {
	delivery, err := s.bus.Publish(protocol.SubjectStateUpdate, s.tracker.Snapshot())
	if err != nil {
		s.logger.Warn("failed to broadcast state", slogError(err))
		return bus.NoListener
	}
	return delivery
}

func (s *Service) record(ctx context.Context, sessionID, eventType string, payload any) {
	if err := s.store.AppendSession(ctx, sessionID); err != nil {
		s.logger.Warn("failed to record session", slog.String("session_id", sessionID), slogError(err))
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			s.logger.Warn("failed to marshal session event", slogError(err))
		}
	}
	if err := s.store.AppendEvent(ctx, store.Event{SessionID: sessionID, Type: eventType, Payload: data}); err != nil {
		s.logger.Warn("failed to record session event", slog.String("session_id", sessionID), slog.String("event", eventType), slogError(err))
	}
}

func (s *Service) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, 5*time.Second)
}

func (s *Service) countSession(outcome string) {
	if s.sessions == nil {
		return
	}
	s.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
