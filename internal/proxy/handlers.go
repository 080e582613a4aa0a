package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/middleware"
	"github.com/raaihank/pii-sentinel/internal/tokenizer"
)

const maxBodyBytes = 4 << 20

type serializeRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Mode           string `json:"mode"`
	ErrorContext   bool   `json:"error_context"`
}

type serializeResponse struct {
	Message string             `json:"message"`
	Context middleware.Context `json:"context"`
}

type deserializeRequest struct {
	Response string             `json:"response"`
	Context  middleware.Context `json:"context"`
}

type deserializeResponse struct {
	Response         string `json:"response"`
	UnresolvedTokens int    `json:"unresolved_tokens"`
}

type validateRequest struct {
	Text string `json:"text"`
}

type extendRequest struct {
	ErrorOccurred bool `json:"error_occurred"`
}

// handleSerialize tokenizes an outbound message
func (s *Server) handleSerialize(w http.ResponseWriter, r *http.Request) {
	var req serializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, "mode is required")
		return
	}

	message, c := s.pii.SerializeMessage(r.Context(), req.Message, req.ConversationID, req.UserID, req.Mode, req.ErrorContext)
	writeJSON(w, http.StatusOK, serializeResponse{Message: message, Context: c})
}

// handleDeserialize restores the tokens in a returned response
func (s *Server) handleDeserialize(w http.ResponseWriter, r *http.Request) {
	var req deserializeRequest
	if !s.decode(w, r, &req) {
		return
	}

	restored := s.pii.DeserializeResponse(r.Context(), req.Response, req.Context)
	writeJSON(w, http.StatusOK, deserializeResponse{
		Response:         restored,
		UnresolvedTokens: len(tokenizer.FindTokens(restored)),
	})
}

// handleValidate is the final output gate: 422 when tokens survive
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := middleware.ValidateOutput(req.Text); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// handleExtend resets a conversation's TTL
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req extendRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	if err := s.pii.ExtendCacheTTL(r.Context(), id, req.ErrorOccurred); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Extend failed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	ttl := s.pii.Config().TTLFor(req.ErrorOccurred)
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": id, "ttl_seconds": int(ttl.Seconds())})
}

// handleClear deletes a conversation's token map
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.pii.ClearCache(r.Context(), id); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Clear failed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory returns the audit trail of a conversation
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "audit history requires a database sink")
		return
	}

	id := mux.Vars(r)["id"]
	events, err := s.history.ForConversation(r.Context(), id)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Audit history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": id, "events": events})
}

// handleCleanup triggers a sweep
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.pii.Cleanup(r.Context())
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Cleanup failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// decode reads a JSON body, answering 400/413 itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
