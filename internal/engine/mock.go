package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is an in-process engine that "speaks" by sleeping.
type Mock struct {
	delay time.Duration

	mu          sync.Mutex
	voices      []Voice
	voicesAfter int
	polls       int
	failures    map[string]error
	spoken      []Utterance
}

// MockOption customises a Mock.
type MockOption func(*Mock)

// WithFailure makes every utterance whose text contains substr fail with err.
func WithFailure(substr string, err error) MockOption {
	return func(m *Mock) { m.failures[substr] = err }
}

// WithVoicesAfter hides the voice list for the first n calls to Voices.
func WithVoicesAfter(n int) MockOption {
	return func(m *Mock) { m.voicesAfter = n }
}

func NewMock(delay time.Duration, voices []Voice, opts ...MockOption) *Mock {
	m := &Mock{
		delay:    delay,
		voices:   append([]Voice(nil), voices...),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) Speak(ctx context.Context, u Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmptyUtterance
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoken = append(m.spoken, u)
	for substr, err := range m.failures {
		if strings.Contains(u.Text, substr) {
			return err
		}
	}
	return nil
}

func (m *Mock) Voices(ctx context.Context) ([]Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.polls <= m.voicesAfter {
		return nil, nil
	}
	return append([]Voice(nil), m.voices...), nil
}

// Spoken returns every utterance that ran to completion or failure.
func (m *Mock) Spoken() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Utterance(nil), m.spoken...)
}
