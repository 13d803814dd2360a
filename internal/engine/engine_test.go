package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
)

func TestMockSpeaksAndRecords(t *testing.T) {
	m := NewMock(time.Millisecond, nil)
	u := Utterance{Text: "Hello.", Voice: "v1", Rate: 1.2, Volume: 1}
	if err := m.Speak(context.Background(), u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	spoken := m.Spoken()
	if len(spoken) != 1 || spoken[0] != u {
		t.Fatalf("unexpected spoken list %+v", spoken)
	}
}

func TestMockFailure(t *testing.T) {
	boom := errors.New("boom")
	m := NewMock(0, nil, WithFailure("bad", boom))
	if err := m.Speak(context.Background(), Utterance{Text: "a bad chunk"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := m.Speak(context.Background(), Utterance{Text: "a good chunk"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMockRejectsEmpty(t *testing.T) {
	m := NewMock(0, nil)
	if err := m.Speak(context.Background(), Utterance{Text: "  "}); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("expected ErrEmptyUtterance, got %v", err)
	}
}

func TestMockCancellation(t *testing.T) {
	m := NewMock(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Speak(ctx, Utterance{Text: "long"}) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after cancel")
	}
}

func TestMockVoicesBecomeAvailable(t *testing.T) {
	m := NewMock(0, []Voice{{ID: "a", Name: "A", Lang: "en-US"}}, WithVoicesAfter(2))
	for i := 0; i < 2; i++ {
		voices, err := m.Voices(context.Background())
		if err != nil || len(voices) != 0 {
			t.Fatalf("poll %d: expected no voices yet, got %v (%v)", i, voices, err)
		}
	}
	voices, err := m.Voices(context.Background())
	if err != nil || len(voices) != 1 {
		t.Fatalf("expected voices after loading, got %v (%v)", voices, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	e, err := New(config.EngineConfig{Mode: "mock"}, nil)
	if err != nil {
		t.Fatalf("mock engine: %v", err)
	}
	if _, ok := e.(*Mock); !ok {
		t.Fatalf("expected *Mock, got %T", e)
	}
	if _, err := New(config.EngineConfig{Mode: "exec"}, nil); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := New(config.EngineConfig{Mode: "laser"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecSpeak(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e, err := NewExec(`sh -c "cat >/dev/null"`, "")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := e.Speak(context.Background(), Utterance{Text: "Hello.", Rate: 1, Volume: 1}); err != nil {
		t.Fatalf("speak: %v", err)
	}

	failing, err := NewExec(`sh -c "cat >/dev/null; echo nope >&2; exit 3"`, "")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := failing.Speak(context.Background(), Utterance{Text: "Hello."}); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestExecCancelStopsPipeline(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e, err := NewExec(`sh -c "cat >/dev/null; sleep 5 | cat"`, "")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err = e.Speak(ctx, Utterance{Text: "Hello."})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("speak returned %v after cancel; pipeline kept running", elapsed)
	}
}

func TestExecVoices(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	listing := filepath.Join(t.TempDir(), "voices.jsonl")
	lines := "{\"name\":\"Alex\",\"lang\":\"en-US\"}\n\n{\"id\":\"v2\",\"name\":\"Bea\",\"lang\":\"en-GB\"}\n"
	if err := os.WriteFile(listing, []byte(lines), 0o644); err != nil {
		t.Fatalf("write listing: %v", err)
	}
	e, err := NewExec("true", "cat "+listing)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	voices, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %v", voices)
	}
	if voices[0].ID != "Alex" || voices[1].ID != "v2" {
		t.Fatalf("unexpected voice ids: %+v", voices)
	}
}
