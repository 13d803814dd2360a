package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	keySelectedVoice = "selectedVoice"
	keyRate          = "rate"
	keySelectedText  = "selectedText"
)

// SelectedVoice returns the stored voice identifier, or "" when none was chosen.
func (s *Store) SelectedVoice(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, keySelectedVoice)
	return v, err
}

func (s *Store) SetSelectedVoice(ctx context.Context, voice string) error {
	return s.Set(ctx, keySelectedVoice, voice)
}

// Rate returns the stored speech rate, or fallback when unset or unreadable.
func (s *Store) Rate(ctx context.Context, fallback float64) (float64, error) {
	v, ok, err := s.Get(ctx, keyRate)
	if err != nil || !ok {
		return fallback, err
	}
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate <= 0 {
		return fallback, nil
	}
	return rate, nil
}

func (s *Store) SetRate(ctx context.Context, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", rate)
	}
	return s.Set(ctx, keyRate, strconv.FormatFloat(rate, 'f', -1, 64))
}

// SelectedText returns the last captured selection.
func (s *Store) SelectedText(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, keySelectedText)
	return v, err
}

// SetSelectedText stores a captured selection, trimmed.
func (s *Store) SetSelectedText(ctx context.Context, text string) error {
	return s.Set(ctx, keySelectedText, strings.TrimSpace(text))
}
