// Package driver plays a text as a queue of chunks through a speech engine,
// one utterance at a time, and reports progress to the Coordinator.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/chunker"
	"github.com/loqalabs/loqa-reader/internal/engine"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the phase of a playback session.
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateFinished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateFinished:
		return "finished"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadySpeaking = errors.New("playback already in progress")
	ErrNothingToSay    = errors.New("no text to read")
)

// Settings supplies the voice and rate applied to each utterance at the
// moment it is submitted.
type Settings interface {
	Voice() string
	Rate() float64
}

// Options tune a Player.
type Options struct {
	MaxChunkLength int
	Volume         float64
	// UtteranceTimeout bounds one utterance at rate 1.0.
	UtteranceTimeout time.Duration
}

// Snapshot is a point-in-time view of the current session.
type Snapshot struct {
	SessionID string
	State     State
	Position  int
	Total     int
}

// Player owns at most one playback session at a time.
type Player struct {
	engine   engine.Engine
	events   bus.Publisher
	settings Settings
	opts     Options
	logger   *slog.Logger

	tracer     trace.Tracer
	utterances metric.Int64Counter
	sessions   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session *session
}

// session is the state of one playback. The queue never changes after
// creation; position only grows.
type session struct {
	id     string
	queue  []string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	position int
	failures int
	lastErr  error
}

func NewPlayer(parent context.Context, eng engine.Engine, events bus.Publisher, settings Settings, opts Options, logger *slog.Logger) *Player {
	if opts.MaxChunkLength <= 0 {
		opts.MaxChunkLength = chunker.DefaultMaxLength
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Player{
		engine:   eng,
		events:   events,
		settings: settings,
		opts:     opts,
		logger:   logger.With(slog.String("component", "playback-driver")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-reader/driver"),
		ctx:      ctx,
		cancel:   cancel,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-reader/driver")
	var err error
	if p.utterances, err = meter.Int64Counter("loqa.reader.utterances", metric.WithDescription("Utterances submitted to the speech engine")); err != nil {
		p.logger.Warn("failed to create utterance counter", slogError(err))
	}
	if p.sessions, err = meter.Int64Counter("loqa.reader.driver.sessions", metric.WithDescription("Playback sessions by terminal outcome")); err != nil {
		p.logger.Warn("failed to create session counter", slogError(err))
	}
	return p
}

// Play chunks text and starts speaking it under sessionID. It returns
// ErrAlreadySpeaking without touching the running session when one is active.
func (p *Player) Play(sessionID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && p.session.currentState() == StateSpeaking {
		return ErrAlreadySpeaking
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}

	queue := chunker.Chunk(text, p.opts.MaxChunkLength)
	if len(queue) == 0 {
		return ErrNothingToSay
	}

	ctx, cancel := context.WithCancel(p.ctx)
	sess := &session{
		id:     sessionID,
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateSpeaking,
	}
	p.session = sess

	p.logger.Info("playback started", slog.String("session_id", sessionID), slog.Int("chunks", len(queue)))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(sess)
	}()
	return nil
}

// Stop cancels the in-flight utterance of the active session. Once Stop
// returns no further events are emitted for that session.
func (p *Player) Stop() bool {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateSpeaking {
		return false
	}
	sess.state = StateStopped
	sess.cancel()
	p.countSession(StateStopped)
	p.logger.Info("playback stopped", slog.String("session_id", sess.id), slog.Int("position", sess.position))
	return true
}

// Snapshot describes the current (or last) session.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil {
		return Snapshot{State: StateIdle}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{SessionID: sess.id, State: sess.state, Position: sess.position, Total: len(sess.queue)}
}

// Done is closed when the current session stops advancing. It is nil when
// no session was ever started.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session.done
}

// Close stops playback and waits for the session goroutine to exit.
func (p *Player) Close() {
	p.Stop()
	p.cancel()
	p.wg.Wait()
}

func (p *Player) run(sess *session) {
	defer close(sess.done)

	ctx, span := p.tracer.Start(sess.ctx, "reader.playback",
		trace.WithAttributes(
			attribute.String("session.id", sess.id),
			attribute.Int("queue.length", len(sess.queue)),
		))
	defer span.End()

	if !p.emitLocked(sess, protocol.SubjectQueueReady, protocol.QueueReady{SessionID: sess.id, TotalChunks: len(sess.queue)}) {
		return
	}

	for _, text := range sess.queue {
		err := p.speak(ctx, text)
		if sess.ctx.Err() != nil {
			span.SetStatus(codes.Ok, "stopped")
			return
		}
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			p.logger.Warn("utterance failed, skipping", slog.String("session_id", sess.id), slogError(err))
		}
		if p.utterances != nil {
			p.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		if !p.advance(sess, err) {
			return
		}
	}

	p.finish(sess, span)
}

func (p *Player) speak(ctx context.Context, text string) error {
	rate := p.settings.Rate()
	if timeout := p.utteranceTimeout(rate); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.engine.Speak(ctx, engine.Utterance{
		Text:   text,
		Voice:  p.settings.Voice(),
		Rate:   rate,
		Volume: p.opts.Volume,
	})
}

// utteranceTimeout stretches the configured limit for slower rates. Zero
// means no limit.
func (p *Player) utteranceTimeout(rate float64) time.Duration {
	timeout := p.opts.UtteranceTimeout
	if timeout <= 0 {
		return 0
	}
	if rate > 0 && rate < 1 {
		timeout = time.Duration(float64(timeout) / rate)
	}
	return timeout
}

// advance moves past the current chunk, whether it completed or failed, and
// reports the new position.
func (p *Player) advance(sess *session, err error) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateSpeaking {
		return false
	}
	if err != nil {
		sess.failures++
		sess.lastErr = err
	}
	sess.position++
	position := sess.position
	p.emit(sess, protocol.SubjectProgress, protocol.ProgressUpdate{SessionID: sess.id, Position: &position})
	return true
}

func (p *Player) finish(sess *session, span trace.Span) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateSpeaking {
		return
	}
	sess.state = StateFinished
	now := time.Now().UTC()

	if sess.failures == len(sess.queue) {
		reason := "speech engine failed"
		if sess.lastErr != nil {
			reason = sess.lastErr.Error()
		}
		span.SetStatus(codes.Error, reason)
		p.countSession(StateFinished, attribute.Bool("failed", true))
		p.logger.Warn("playback failed", slog.String("session_id", sess.id), slog.String("error", reason))
		p.emit(sess, protocol.SubjectSpeechFailed, protocol.SpeechFailed{SessionID: sess.id, Error: reason, Timestamp: now})
		return
	}

	p.countSession(StateFinished, attribute.Bool("failed", false))
	p.logger.Info("playback finished", slog.String("session_id", sess.id), slog.Int("failures", sess.failures))
	p.emit(sess, protocol.SubjectSpeechEnded, protocol.SpeechEnded{SessionID: sess.id, Timestamp: now})
}

func (p *Player) emitLocked(sess *session, subject string, payload any) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateSpeaking {
		return false
	}
	p.emit(sess, subject, payload)
	return true
}

// emit must be called with sess.mu held.
func (p *Player) emit(sess *session, subject string, payload any) {
	delivery, err := p.events.Publish(subject, payload)
	if err != nil {
		p.logger.Warn("failed to publish playback event", slog.String("subject", subject), slogError(err))
		return
	}
	if delivery == bus.NoListener {
		p.logger.Debug("no coordinator listening", slog.String("subject", subject), slog.String("session_id", sess.id))
	}
}

func (p *Player) countSession(state State, attrs ...attribute.KeyValue) {
	if p.sessions == nil {
		return
	}
	attrs = append(attrs, attribute.String("state", state.String()))
	p.sessions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
