// Package coordinator owns the canonical playback state and keeps it in sync
// with the Driver's progress events.
package coordinator

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-reader/internal/protocol"
)

var (
	ErrNoText         = errors.New("no text to read")
	ErrAlreadyReading = errors.New("already reading")
)

// Tracker holds the playback state of at most one session. Events carrying a
// session ID other than the current one, or arriving once the session left
// Reading, are tolerated and ignored.
type Tracker struct {
	newID func() string

	mu        sync.Mutex
	sessionID string
	status    protocol.Status
	speaking  bool
	completed int
	total     int
}

func NewTracker() *Tracker {
	return &Tracker{newID: uuid.NewString, status: protocol.StatusIdle}
}

// Begin opens a new session for text and returns its ID.
func (t *Tracker) Begin(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == protocol.StatusReading {
		return "", ErrAlreadyReading
	}
	t.sessionID = t.newID()
	t.status = protocol.StatusReading
	t.speaking = true
	t.completed = 0
	t.total = 0
	return t.sessionID, nil
}

// SetQueueLength records the Driver's chunk count for the session.
func (t *Tracker) SetQueueLength(sessionID string, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(sessionID) {
		return false
	}
	t.total = max(n, 0)
	t.completed = min(t.completed, t.total)
	return true
}

// ReportProgress stores the number of chunks consumed so far. A missing or
// negative position counts as 0.
func (t *Tracker) ReportProgress(sessionID string, position *int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(sessionID) {
		return false
	}
	p := 0
	if position != nil {
		p = *position
	}
	t.completed = min(max(p, 0), t.total)
	return true
}

func (t *Tracker) ReportEnded(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(sessionID) {
		return false
	}
	t.status = protocol.StatusDone
	t.speaking = false
	t.completed = t.total
	return true
}

func (t *Tracker) ReportFailed(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(sessionID) {
		return false
	}
	t.status = protocol.StatusError
	t.speaking = false
	return true
}

// Stop marks playback stopped. It returns the ID of the session that was
// reading, or "" when nothing was.
func (t *Tracker) Stop() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stopped string
	if t.status == protocol.StatusReading {
		stopped = t.sessionID
	}
	t.status = protocol.StatusStopped
	t.speaking = false
	return stopped
}

// Fail puts the tracker in the Error state after a request it could not handle.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = protocol.StatusError
	t.speaking = false
}

// Reset returns to Idle when sessionID could not be handed to a Driver.
func (t *Tracker) Reset(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.activeLocked(sessionID) {
		return false
	}
	t.status = protocol.StatusIdle
	t.speaking = false
	t.completed = 0
	t.total = 0
	return true
}

func (t *Tracker) Snapshot() protocol.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := protocol.State{
		SessionID:   t.sessionID,
		Speaking:    t.speaking,
		Position:    t.completed,
		TotalChunks: t.total,
		Status:      t.status,
	}
	if t.total > 0 {
		state.Progress = float64(t.completed) / float64(t.total) * 100
	}
	return state
}

func (t *Tracker) activeLocked(sessionID string) bool {
	return t.status == protocol.StatusReading && sessionID == t.sessionID
}
