package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/protocol"
)

const maxRequestBody = 1 << 20

// controlBus is the part of the bus the HTTP control API forwards to.
type controlBus interface {
	Request(ctx context.Context, subject string, req, resp any) error
	Publish(subject string, v any) (bus.Delivery, error)
}

// controlAPI exposes the Coordinator and Driver commands over HTTP, standing
// in for the popup and the context menu.
type controlAPI struct {
	bus     controlBus
	timeout time.Duration
	logger  *slog.Logger
}

func newControlAPI(b controlBus, timeout time.Duration, logger *slog.Logger) *controlAPI {
	return &controlAPI{bus: b, timeout: timeout, logger: logger.With(slog.String("component", "control-api"))}
}

func (a *controlAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/selection", a.handleSelection)
	mux.HandleFunc("POST /v1/start", a.handleStart)
	mux.HandleFunc("POST /v1/stop", a.handleStop)
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("PUT /v1/preferences", a.handlePreferences)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
}

func (a *controlAPI) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req protocol.SelectionRequest
	if !a.decode(w, r, &req, false) {
		return
	}
	a.forward(w, r, protocol.SubjectSelection, req)
}

func (a *controlAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if !a.decode(w, r, &req, true) {
		return
	}
	a.forward(w, r, protocol.SubjectStart, req)
}

// handleStop updates the Coordinator and separately tells the Driver to
// cancel the utterance in flight.
func (a *controlAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	var reply protocol.Reply
	err := a.request(r.Context(), protocol.SubjectStop, struct{}{}, &reply)
	delivery, pubErr := a.bus.Publish(protocol.SubjectDriverStop, struct{}{})
	if pubErr != nil {
		a.logger.Warn("failed to signal driver stop", slogError(pubErr))
	} else if delivery == bus.NoListener {
		a.logger.Debug("no driver listening for stop")
	}
	a.writeReply(w, reply, err)
}

func (a *controlAPI) handleState(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, protocol.SubjectStateGet, struct{}{})
}

func (a *controlAPI) handleVoices(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, protocol.SubjectVoices, struct{}{})
}

func (a *controlAPI) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req protocol.PreferencesUpdate
	if !a.decode(w, r, &req, false) {
		return
	}
	a.forward(w, r, protocol.SubjectPreferences, req)
}

// handleHistory returns the timeline of ?session_id=, or of the current
// session when it is absent.
func (a *controlAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := protocol.HistoryRequest{SessionID: query.Get("session_id")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, protocol.Reply{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		req.Limit = limit
	}
	a.forward(w, r, protocol.SubjectHistory, req)
}

func (a *controlAPI) forward(w http.ResponseWriter, r *http.Request, subject string, req any) {
	var reply protocol.Reply
	err := a.request(r.Context(), subject, req, &reply)
	a.writeReply(w, reply, err)
}

func (a *controlAPI) request(ctx context.Context, subject string, req any, reply *protocol.Reply) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.bus.Request(ctx, subject, req, reply)
}

func (a *controlAPI) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, protocol.Reply{Error: fmt.Sprintf("invalid request body: %v", err)})
	return false
}

func (a *controlAPI) writeReply(w http.ResponseWriter, reply protocol.Reply, err error) {
	switch {
	case errors.Is(err, bus.ErrNoListener):
		writeJSON(w, http.StatusServiceUnavailable, protocol.Reply{Error: err.Error()})
	case err != nil:
		a.logger.Warn("control request failed", slogError(err))
		writeJSON(w, http.StatusBadGateway, protocol.Reply{Error: err.Error()})
	case !reply.OK:
		writeJSON(w, http.StatusUnprocessableEntity, reply)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
