package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chaz8081/hublink/internal/compiler"
	"github.com/chaz8081/hublink/internal/hub"
)

type healthResponse struct {
	Status  string `json:"status"`
	Hub     string `json:"hub"`
	Clients int    `json:"clients"`
}

type sessionResponse struct {
	State           string `json:"state"`
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	Address         string `json:"address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	MaxWriteSize    int    `json:"max_write_size,omitempty"`
	MaxProgramSize  uint32 `json:"max_program_size,omitempty"`
	Slots           uint8  `json:"slots,omitempty"`
	Status          uint32 `json:"status"`
	StatusText      string `json:"status_text,omitempty"`
	ProgramRunning  bool   `json:"program_running"`
}

type runRequest struct {
	Source string `json:"source"`
	Mode   string `json:"mode"` // "repl" (default) or "compiled"
	Slot   uint8  `json:"slot"`
}

type stdinRequest struct {
	Data string `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Hub: s.ctrl.State().String(), Clients: n})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{State: s.ctrl.State().String()}
	if sess, ok := s.ctrl.Session(); ok {
		resp.ID = sess.ID
		resp.Name = sess.Device.Name
		resp.Address = sess.Device.Address
		resp.FirmwareVersion = sess.FirmwareVersion
		resp.Protocol = sess.Generation.String()
		resp.MaxWriteSize = sess.MaxWriteSize()
		resp.MaxProgramSize = sess.Capabilities.MaxUserProgramSize
		resp.Slots = sess.Capabilities.NumSlots
		resp.Status = uint32(sess.Status)
		resp.StatusText = sess.Status.String()
		resp.ProgramRunning = sess.Status.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// connect starts a connect in the background; progress and the outcome
// arrive on the websocket.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if state := s.ctrl.State(); state != hub.StateDisconnected {
		writeError(w, http.StatusConflict, "hub is "+state.String())
		return
	}
	go func() {
		if err := s.ctrl.Connect(context.Background()); err != nil {
			slog.Info("[RELAY] connect failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, healthResponse{Status: "connecting", Hub: hub.StateConnecting.String()})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	if err := s.ctrl.Stop(ctx); err != nil {
		writeHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	var err error
	switch req.Mode {
	case "", "repl":
		err = s.ctrl.RunSource(ctx, req.Source)
	case "compiled":
		err = s.ctrl.CompileAndRun(ctx, req.Source, req.Slot)
	default:
		writeError(w, http.StatusBadRequest, "mode must be repl or compiled")
		return
	}
	if err != nil {
		writeHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stdin(w http.ResponseWriter, r *http.Request) {
	var req stdinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	if err := s.ctrl.WriteStdin(ctx, []byte(req.Data)); err != nil {
		writeHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeHubError maps session errors onto HTTP status codes.
func writeHubError(w http.ResponseWriter, err error) {
	var ce *compiler.CompileError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrNotConnected), errors.Is(err, hub.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, hub.ErrProgramTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, hub.ErrEmptyProgram), errors.As(err, &ce):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, hub.ErrNoCompiler), errors.Is(err, compiler.ErrCompilerMissing):
		status = http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, compiler.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, hub.ErrWriteFailed):
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[RELAY] write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
