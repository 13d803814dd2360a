package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-reader/internal/config"
)

// PreferenceStore persists the user's voice and rate.
type PreferenceStore interface {
	SelectedVoice(ctx context.Context) (string, error)
	SetSelectedVoice(ctx context.Context, voice string) error
	Rate(ctx context.Context, fallback float64) (float64, error)
	SetRate(ctx context.Context, rate float64) error
}

// Preferences holds the live voice/rate selection, read at startup and
// written through on every change.
type Preferences struct {
	store   PreferenceStore
	minRate float64
	maxRate float64

	mu    sync.RWMutex
	voice string
	rate  float64
}

func LoadPreferences(ctx context.Context, st PreferenceStore, cfg config.PreferencesConfig) (*Preferences, error) {
	voice, err := st.SelectedVoice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load voice preference: %w", err)
	}
	rate, err := st.Rate(ctx, cfg.DefaultRate)
	if err != nil {
		return nil, fmt.Errorf("load rate preference: %w", err)
	}
	p := &Preferences{store: st, minRate: cfg.MinRate, maxRate: cfg.MaxRate, voice: voice}
	p.rate = p.clamp(rate)
	return p, nil
}

func (p *Preferences) Voice() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voice
}

func (p *Preferences) Rate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate
}

func (p *Preferences) SetVoice(ctx context.Context, voice string) error {
	if err := p.store.SetSelectedVoice(ctx, voice); err != nil {
		return err
	}
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
	return nil
}

// SetRate stores rate after clamping it into the configured bounds.
func (p *Preferences) SetRate(ctx context.Context, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", rate)
	}
	rate = p.clamp(rate)
	if err := p.store.SetRate(ctx, rate); err != nil {
		return err
	}
	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
	return nil
}

func (p *Preferences) clamp(rate float64) float64 {
	if p.minRate > 0 && rate < p.minRate {
		return p.minRate
	}
	if p.maxRate > 0 && rate > p.maxRate {
		return p.maxRate
	}
	return rate
}
