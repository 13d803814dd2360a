package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/natsserver"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) (*bus.Client, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "readctl-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client, srv.ClientURL()
}

func TestHistoryRequestsSession(t *testing.T) {
	client, url := newTestBus(t)
	requests := make(chan protocol.HistoryRequest, 1)
	if _, err := client.Serve(protocol.SubjectHistory, func(msg *nats.Msg) any {
		var req protocol.HistoryRequest
		_ = json.Unmarshal(msg.Data, &req)
		requests <- req
		return protocol.Reply{OK: true, History: []protocol.HistoryEvent{{SessionID: req.SessionID, Type: "session.begin"}}}
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var out bytes.Buffer
	if err := run("history", []string{"-servers", url, "-limit", "5", "abc"}, nil, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if req := <-requests; req.SessionID != "abc" || req.Limit != 5 {
		t.Fatalf("unexpected request %#v", req)
	}
	var reply protocol.Reply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !reply.OK || len(reply.History) != 1 || reply.History[0].SessionID != "abc" {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestHistoryRejectsExtraArguments(t *testing.T) {
	if err := run("history", []string{"a", "b"}, nil, io.Discard); err == nil {
		t.Fatal("expected error for two session ids")
	}
}

// syncBuffer lets the test read output while run is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrintsStateUpdates(t *testing.T) {
	client, url := newTestBus(t)

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- run("watch", []string{"-servers", url, "-count", "2"}, nil, &out) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for position := 0; ctx.Err() == nil; position++ {
			_, _ = client.Publish(protocol.SubjectStateUpdate, protocol.State{Status: protocol.StatusReading, Speaking: true, Position: position, TotalChunks: 100})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after two updates")
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
	for _, line := range lines {
		var state protocol.State
		if err := json.Unmarshal([]byte(line), &state); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if state.Status != protocol.StatusReading {
			t.Fatalf("unexpected state %#v", state)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	err := run("rewind", nil, nil, io.Discard)
	if err == nil || !strings.Contains(err.Error(), usage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestReadText(t *testing.T) {
	text, err := readText([]string{"-"}, strings.NewReader("From stdin."))
	if err != nil || text != "From stdin." {
		t.Fatalf("unexpected stdin text %q (%v)", text, err)
	}
	if text, _ := readText([]string{"Hello", "there."}, nil); text != "Hello there." {
		t.Fatalf("unexpected joined text %q", text)
	}
}
