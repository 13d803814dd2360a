package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/engine"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service hosts a Player on the bus. It is the surface that may come and go
// while the Coordinator stays up.
type Service struct {
	cfg    config.Config
	bus    *bus.Client
	player *Player
	prefs  *Preferences
	engine engine.Engine
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	voices []engine.Voice
	ready  bool
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, eng engine.Engine, prefs *Preferences, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	player := NewPlayer(ctx, eng, busClient, prefs, Options{
		MaxChunkLength:   cfg.Chunker.MaxLength,
		Volume:           cfg.Engine.Volume,
		UtteranceTimeout: time.Duration(cfg.Engine.UtteranceTimeoutMS) * time.Millisecond,
	}, logger)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		player: player,
		prefs:  prefs,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "driver-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Driver.Enabled {
		return nil
	}

	sub, err := s.bus.Listen(protocol.SubjectDriverStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectDriverStop, err)
	}
	s.subs = append(s.subs, sub)

	services := []struct {
		subject string
		handler func(*nats.Msg) any
	}{
		{protocol.SubjectDriverPerform, s.handlePerform},
		{protocol.SubjectPreferences, s.handlePreferences},
		{protocol.SubjectVoices, s.handleVoices},
	}
	for _, sv := range services {
		sub, err := s.bus.Serve(sv.subject, sv.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", sv.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loadVoices()
	}()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.player.Close()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.cfg.Driver.Enabled || s.ready
}

// Player exposes the hosted player.
func (s *Service) Player() *Player {
	return s.player
}

// Voices returns the voices loaded from the engine so far.
func (s *Service) Voices() []engine.Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]engine.Voice(nil), s.voices...)
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) loadVoices() {
	delay := time.Duration(s.cfg.Voices.RetryDelayMS) * time.Millisecond
	voices, err := LoadVoices(s.ctx, s.engine, s.cfg.Voices.LoadAttempts, delay, s.logger)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()

	id, changed := PickVoice(voices, s.prefs.Voice(), s.cfg.Voices.DefaultVoice, s.cfg.Voices.DefaultLang)
	if changed {
		if err := s.prefs.SetVoice(s.ctx, id); err != nil {
			s.logger.Warn("failed to store default voice", slogError(err))
			return
		}
		s.logger.Info("default voice selected", slog.String("voice", id))
	}
	s.logger.Info("voices loaded", slog.Int("count", len(voices)))
}

// handlePerform starts playback and tells the Coordinator whether it did, so
// a rejected session never shows as Reading.
func (s *Service) handlePerform(msg *nats.Msg) any {
	var req protocol.PerformSpeech
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode perform request", slogError(err))
		return protocol.Reply{Error: fmt.Sprintf("invalid perform request: %v", err)}
	}

	err := s.player.Play(req.SessionID, req.Text)
	switch {
	case err == nil:
		return protocol.Reply{OK: true}
	case errors.Is(err, ErrAlreadySpeaking):
		running := s.player.Snapshot()
		s.logger.Info("rejecting perform request while speaking",
			slog.String("session_id", req.SessionID),
			slog.String("speaking_session_id", running.SessionID),
			slog.Int("position", running.Position),
			slog.Int("total", running.Total))
	default:
		s.logger.Warn("cannot start playback", slog.String("session_id", req.SessionID), slogError(err))
	}
	return protocol.Reply{Error: err.Error()}
}

func (s *Service) handleStop(_ *nats.Msg) {
	s.player.Stop()
}

func (s *Service) handlePreferences(msg *nats.Msg) any {
	var req protocol.PreferencesUpdate
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return protocol.Reply{Error: fmt.Sprintf("invalid preferences: %v", err)}
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if req.Voice != nil {
		if err := s.prefs.SetVoice(ctx, *req.Voice); err != nil {
			return protocol.Reply{Error: err.Error()}
		}
	}
	if req.Rate != nil {
		if err := s.prefs.SetRate(ctx, *req.Rate); err != nil {
			return protocol.Reply{Error: err.Error()}
		}
	}
	return protocol.Reply{OK: true, Preferences: &protocol.Preferences{Voice: s.prefs.Voice(), Rate: s.prefs.Rate()}}
}

func (s *Service) handleVoices(_ *nats.Msg) any {
	voices := s.Voices()
	out := make([]protocol.Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, protocol.Voice{ID: v.ID, Name: v.Name, Lang: v.Lang})
	}
	return protocol.Reply{OK: true, Voices: out, Preferences: &protocol.Preferences{Voice: s.prefs.Voice(), Rate: s.prefs.Rate()}}
}
