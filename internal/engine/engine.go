// Package engine defines the speech engine capability and its backends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
)

// Utterance is one playback operation for one chunk.
type Utterance struct {
	Text   string
	Voice  string
	Rate   float64
	Volume float64
}

// Voice is a voice the engine can speak with.
type Voice struct {
	ID   string
	Name string
	Lang string
}

// Engine speaks utterances one at a time.
//
// Speak blocks until the utterance completed or failed. Cancelling ctx stops
// the utterance immediately; Speak then returns ctx.Err().
//
// Voices may return an empty list while the backend is still loading; callers
// are expected to poll.
type Engine interface {
	Speak(ctx context.Context, u Utterance) error
	Voices(ctx context.Context) ([]Voice, error)
}

// ErrEmptyUtterance is returned when asked to speak blank text.
var ErrEmptyUtterance = errors.New("utterance text is empty")

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig, voices []Voice) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(time.Duration(cfg.MockDelayMS)*time.Millisecond, voices), nil
	case "exec":
		return NewExec(cfg.Command, cfg.VoicesCommand)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
