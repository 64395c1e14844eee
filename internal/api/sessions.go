package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/almanac/internal/agent"
	"github.com/nugget/almanac/internal/memory"
	"github.com/nugget/almanac/internal/router"
)

// StatusClientClosedRequest is logged when the caller left before the
// turn finished. Nothing is written to the (gone) client.
const StatusClientClosedRequest = 499

// errNotOwner hides another user's session behind a 404.
var errNotOwner = errors.New("session belongs to another user")

// MessageRequest is the body of POST /v1/sessions/{id}/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse is the answer to one turn.
type MessageResponse struct {
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html"`
}

// CreateSessionResponse carries a fresh session ID. The session itself
// is created by its first message.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// HistoryResponse lists a session's stored records in order.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Messages  []memory.Record `json:"messages"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := uuid.NewString()
	s.logger.Debug("session id issued", "session", id, "user", userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, CreateSessionResponse{SessionID: id}, s.logger)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		s.logger.Error("list sessions failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []memory.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	exists, err := s.checkOwner(r.Context(), id, userID)
	if errors.Is(err, errNotOwner) || (err == nil && !exists) {
		s.errorResponse(w, http.StatusNotFound, "not_found_error", "session not found")
		return
	}
	if err != nil {
		s.logger.Error("session lookup failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load session")
		return
	}

	records, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.logger.Error("history load failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, HistoryResponse{SessionID: id, Messages: records}, s.logger)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	text := strings.TrimSpace(req.Content)
	if text == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "content is required")
		return
	}

	if _, err := s.checkOwner(r.Context(), id, userID); err != nil {
		if errors.Is(err, errNotOwner) {
			s.errorResponse(w, http.StatusNotFound, "not_found_error", "session not found")
			return
		}
		s.logger.Error("session lookup failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load session")
		return
	}

	reply, err := s.router.Route(r.Context(), id, userID, text)
	if err != nil {
		s.turnError(w, r, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, MessageResponse{
		SessionID:   id,
		Content:     reply,
		ContentHTML: s.renderHTML(reply),
	}, s.logger)
}

// sessionID validates the {id} path value, answering 400 when it is
// unusable.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !sessionIDPattern.MatchString(id) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid session id")
		return "", false
	}
	return id, true
}

// checkOwner reports whether the session exists. A session owned by
// someone else yields errNotOwner.
func (s *Server) checkOwner(ctx context.Context, id, userID string) (bool, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, memory.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.UserID != userID {
		return true, errNotOwner
	}
	return true, nil
}

// turnStatus maps a failed turn to an HTTP status and error type.
// Tool failures never get here; the model sees them as results.
func turnStatus(err error) (int, string) {
	var te *agent.TurnError
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, agent.ErrMaxRounds):
		return http.StatusBadGateway, "model_error"
	case errors.Is(err, agent.ErrNotOwner):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, router.ErrBusy):
		return http.StatusTooManyRequests, "busy_error"
	case errors.Is(err, router.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.As(err, &te) && te.Stage == agent.StageModel:
		return http.StatusBadGateway, "model_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func (s *Server) turnError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	code, errType := turnStatus(err)
	if code == StatusClientClosedRequest {
		s.logger.Info("client went away before the turn finished", "session", sessionID)
		w.WriteHeader(code)
		return
	}

	s.logger.Warn("turn failed", "session", sessionID, "status", code, "error", err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		msg = "could not save conversation"
	case http.StatusNotFound:
		msg = "session not found"
	}
	s.errorResponse(w, code, errType, msg)
}
