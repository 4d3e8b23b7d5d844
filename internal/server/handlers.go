// ABOUTME: JSON handlers for conversations, messages, read state, typing and login
// ABOUTME: Each handler resolves the authenticated user and delegates to the chat service

package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/murmur/internal/auth"
	"github.com/2389/murmur/internal/chat"
)

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token string           `json:"token"`
	User  chat.UserSummary `json:"user"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ReceiverID     int64  `json:"receiver_id"`
	Body           string `json:"body"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

// SearchUsersRequest is the JSON request body for POST /api/users/search.
type SearchUsersRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// StartConversationRequest is the JSON request body for POST /api/conversations.
type StartConversationRequest struct {
	UserID int64 `json:"user_id"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Success    bool    `json:"success"`
	MessageIDs []int64 `json:"message_ids"`
}

// conversationID parses the {id} path segment. Malformed ids are reported
// as not found, the same as ids that do not exist.
func conversationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, chat.ErrNotFound
	}
	return id, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := auth.Authenticate(r.Context(), s.users, req.Email, req.Password)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	token, err := s.tokens.Generate(user.ID, s.opts.TokenTTL)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: chat.Summary(user)})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	var active *int64
	if raw := r.URL.Query().Get("active"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, s.logger, &chat.ValidationError{Field: "active", Message: "The active field must be an integer."})
			return
		}
		active = &id
	}

	conversations, err := s.chat.ListConversations(r.Context(), user, active)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	opened, err := s.chat.OpenConversation(r.Context(), user, id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, opened)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	messages, err := s.chat.ListMessages(r.Context(), user, id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.chat.SendMessage(r.Context(), user, chat.SendRequest{
		ReceiverID:     req.ReceiverID,
		Body:           req.Body,
		ConversationID: req.ConversationID,
		SocketID:       r.Header.Get(SocketIDHeader),
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	var req SearchUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := s.chat.SearchUsers(r.Context(), user, req.Query, req.Limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	var req StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.chat.StartConversation(r.Context(), user, req.UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"conversation_id": conv.ID})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	ids, err := s.chat.MarkConversationRead(r.Context(), user, id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Success: true, MessageIDs: ids})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	if err := s.chat.SignalTyping(r.Context(), user, id, r.Header.Get(SocketIDHeader)); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
