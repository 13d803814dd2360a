package protocol

import (
	"encoding/json"
	"time"
)

// Status is the coarse playback phase shown to the user.
type Status string

const (
	StatusIdle    Status = "Idle"
	StatusReading Status = "Reading"
	StatusStopped Status = "Stopped"
	StatusDone    Status = "Done"
	StatusError   Status = "Error"
)

// State is the Coordinator's snapshot broadcast on stateUpdate and returned by getState.
type State struct {
	SessionID   string  `json:"session_id,omitempty"`
	Speaking    bool    `json:"speaking"`
	Paused      bool    `json:"paused"`
	Position    int     `json:"position"`
	TotalChunks int     `json:"total_chunks"`
	Progress    float64 `json:"progress"`
	Status      Status  `json:"status"`
}

// SelectionRequest carries captured page text.
type SelectionRequest struct {
	Text string `json:"text"`
}

// StartRequest asks the Coordinator to begin reading. An empty Text falls
// back to the stored selection.
type StartRequest struct {
	Text string `json:"text"`
}

// PerformSpeech is the Coordinator's signal for the Driver to start a session.
type PerformSpeech struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// QueueReady reports the authoritative chunk count of a session.
type QueueReady struct {
	SessionID   string `json:"session_id"`
	TotalChunks int    `json:"total_chunks"`
}

// ProgressUpdate reports how many chunks of a session have been consumed.
// Position is a pointer so a missing field can be told apart from zero.
type ProgressUpdate struct {
	SessionID string `json:"session_id"`
	Position  *int   `json:"position,omitempty"`
}

// SpeechEnded marks the normal end of a session.
type SpeechEnded struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechFailed marks a session in which every utterance failed.
type SpeechFailed struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PreferencesUpdate changes the voice and/or rate used for future utterances.
type PreferencesUpdate struct {
	Voice *string  `json:"voice,omitempty"`
	Rate  *float64 `json:"rate,omitempty"`
}

// Voice describes a speech engine voice.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// Preferences is the current voice/rate selection.
type Preferences struct {
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
}

// HistoryRequest asks for the recorded timeline of a session. An empty
// SessionID means the current one.
type HistoryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryEvent is one recorded step of a session.
type HistoryEvent struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Reply is the response to a command sent as a request.
type Reply struct {
	OK          bool           `json:"ok"`
	Error       string         `json:"error,omitempty"`
	State       *State         `json:"state,omitempty"`
	Voices      []Voice        `json:"voices,omitempty"`
	Preferences *Preferences   `json:"preferences,omitempty"`
	History     []HistoryEvent `json:"history,omitempty"`
}

const (
	SubjectSelection     = "reader.selection"
	SubjectStart         = "reader.start"
	SubjectStop          = "reader.stop"
	SubjectStateGet      = "reader.state.get"
	SubjectStateUpdate   = "reader.state.update"
	SubjectDriverPerform = "reader.driver.perform"
	SubjectDriverStop    = "reader.driver.stop"
	SubjectQueueReady    = "reader.progress.queued"
	SubjectProgress      = "reader.progress.update"
	SubjectSpeechEnded   = "reader.progress.ended"
	SubjectSpeechFailed  = "reader.progress.failed"
	// SubjectDriverEvents matches every Driver to Coordinator event subject.
	SubjectDriverEvents = "reader.progress.*"
	SubjectPreferences  = "reader.prefs.update"
	SubjectVoices       = "reader.voices.list"
	SubjectHistory      = "reader.history.get"
)
