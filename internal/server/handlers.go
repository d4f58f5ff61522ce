package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"chatsync/internal/chat"
	"chatsync/internal/metrics"
	"chatsync/internal/process"
	"chatsync/internal/stream"
)

// maxCheckBatch bounds one liveness request.
const maxCheckBatch = 256

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.procs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "process inspection is disabled")
		return
	}
	var req process.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Failed to parse request body")
		return
	}
	if len(req.Processes) > maxCheckBatch {
		writeError(w, http.StatusBadRequest, "validation_error", "too many processes in one request")
		return
	}
	writeJSON(w, http.StatusOK, process.CheckResponse{Results: s.procs.Check(req.Processes)})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if s.procs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "process inspection is disabled")
		return
	}
	var req process.KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Failed to parse request body")
		return
	}
	if req.PID <= 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "pid must be positive")
		return
	}
	ok, err := s.procs.Kill(req.PID)
	if err != nil {
		s.logger.Warn("kill failed", "pid", req.PID, "err", err)
	}
	writeJSON(w, http.StatusOK, process.KillResponse{Success: ok})
}

// handleStream replays the chat's current run over a websocket and follows
// it until the terminal frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" || s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "no active stream")
		return
	}
	sub, err := s.hub.Subscribe(chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no active stream")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	metrics.RelaySubscribers.Inc()
	defer metrics.RelaySubscribers.Dec()
	s.logger.Info("relay client attached", "chat_id", chatID)

	ctx := conn.CloseRead(r.Context())
	for {
		f, err := sub.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			conn.Close(websocket.StatusNormalClosure, "run finished")
			return
		case errors.Is(err, chat.ErrStreamNotFound):
			conn.Close(stream.StatusStreamNotFound, "stream not found")
			return
		case err != nil:
			s.logger.Debug("relay follow ended", "chat_id", chatID, "err", err)
			return
		}
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug("relay write failed", "chat_id", chatID, "err", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
