package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-reader/internal/engine"
)

var errVoicesPending = errors.New("voices not loaded yet")

// LoadVoices polls the engine until it lists at least one voice, giving up
// after attempts tries spaced by delay. Running out of attempts is not an
// error: the caller proceeds with whatever is available, possibly nothing.
func LoadVoices(ctx context.Context, eng engine.Engine, attempts int, delay time.Duration, logger *slog.Logger) ([]engine.Voice, error) {
	if attempts <= 0 {
		attempts = 1
	}
	voices, err := backoff.Retry(ctx, func() ([]engine.Voice, error) {
		voices, err := eng.Voices(ctx)
		if err != nil {
			return nil, err
		}
		if len(voices) == 0 {
			return nil, errVoicesPending
		}
		return voices, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("proceeding without a complete voice list", slog.Int("attempts", attempts), slogError(err))
		return nil, nil
	}
	return voices, nil
}

// PickVoice returns the voice to use: the stored one when set, otherwise the
// configured default when the engine offers it. changed reports whether the
// choice should be persisted.
func PickVoice(voices []engine.Voice, stored, defaultName, defaultLang string) (id string, changed bool) {
	if stored != "" {
		return stored, false
	}
	for _, v := range voices {
		if v.Name == defaultName && (defaultLang == "" || v.Lang == defaultLang) {
			return v.ID, true
		}
	}
	return "", false
}
