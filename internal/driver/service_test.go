package driver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/engine"
	"github.com/loqalabs/loqa-reader/internal/natsserver"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/store"
)

func newTestService(t *testing.T, eng engine.Engine) (*Service, *bus.Client) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Voices.LoadAttempts = 5
	cfg.Voices.RetryDelayMS = 1

	srv, err := natsserver.Start(cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}

	client, err := bus.Connect(ctx, cfg.Bus, "driver-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	st, err := store.Open(ctx, config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	prefs, err := LoadPreferences(ctx, st, cfg.Preferences)
	if err != nil {
		t.Fatalf("load preferences: %v", err)
	}

	svc := NewService(ctx, cfg, client, eng, prefs, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, client
}

func TestServiceSelectsDefaultVoice(t *testing.T) {
	eng := engine.NewMock(0, testVoices, engine.WithVoicesAfter(2))
	_, client := newTestService(t, eng)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var reply protocol.Reply
		if err := client.Request(context.Background(), protocol.SubjectVoices, struct{}{}, &reply); err != nil {
			t.Fatalf("list voices: %v", err)
		}
		if len(reply.Voices) == 2 && reply.Preferences.Voice == "en-gb-m" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("default voice never selected: %#v", reply)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceUpdatesPreferences(t *testing.T) {
	eng := engine.NewMock(time.Millisecond, nil)
	svc, client := newTestService(t, eng)

	voice, rate := "custom", 1.5
	var reply protocol.Reply
	err := client.Request(context.Background(), protocol.SubjectPreferences, protocol.PreferencesUpdate{Voice: &voice, Rate: &rate}, &reply)
	if err != nil {
		t.Fatalf("update preferences: %v", err)
	}
	if !reply.OK || reply.Preferences.Voice != "custom" || reply.Preferences.Rate != 1.5 {
		t.Fatalf("unexpected reply %#v", reply)
	}

	if err := svc.Player().Play("s1", "Hi there."); err != nil {
		t.Fatalf("play: %v", err)
	}
	<-svc.Player().Done()
	spoken := eng.Spoken()
	if len(spoken) != 1 || spoken[0].Voice != "custom" || spoken[0].Rate != 1.5 {
		t.Fatalf("preferences not applied: %#v", spoken)
	}

	bad := -1.0
	reply = protocol.Reply{}
	if err := client.Request(context.Background(), protocol.SubjectPreferences, protocol.PreferencesUpdate{Rate: &bad}, &reply); err != nil {
		t.Fatalf("update preferences: %v", err)
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected rejection of negative rate, got %#v", reply)
	}
}

func TestServiceRepliesToPerform(t *testing.T) {
	eng := newGatedEngine()
	svc, client := newTestService(t, eng)
	ctx := context.Background()

	var reply protocol.Reply
	if err := client.Request(ctx, protocol.SubjectDriverPerform, protocol.PerformSpeech{SessionID: "s1", Text: "  "}, &reply); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected blank perform to be refused, got %#v", reply)
	}

	reply = protocol.Reply{}
	if err := client.Request(ctx, protocol.SubjectDriverPerform, protocol.PerformSpeech{SessionID: "s2", Text: "One sentence."}, &reply); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if !reply.OK {
		t.Fatalf("expected perform to be accepted, got %#v", reply)
	}
	eng.next(t)

	reply = protocol.Reply{}
	if err := client.Request(ctx, protocol.SubjectDriverPerform, protocol.PerformSpeech{SessionID: "s3", Text: "Three."}, &reply); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if reply.OK || !strings.Contains(reply.Error, ErrAlreadySpeaking.Error()) {
		t.Fatalf("expected busy refusal, got %#v", reply)
	}
	if snap := svc.Player().Snapshot(); snap.SessionID != "s2" {
		t.Fatalf("running session replaced: %+v", snap)
	}

	eng.finish(t, nil)
	<-svc.Player().Done()
}
