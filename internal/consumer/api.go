// ABOUTME: HTTP client for the murmur JSON API used alongside the realtime socket
// ABOUTME: Sends messages, marks conversations read and signals typing with the viewer's token

package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/murmur/internal/chat"
)

// SocketIDHeader carries the sender's socket id so the server can skip it
// when broadcasting.
const SocketIDHeader = "X-Socket-ID"

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int               `json:"-"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// API calls the HTTP endpoints on behalf of one user.
type API struct {
	baseURL  string
	token    string
	http     *http.Client
	socketID func() string
}

// NewAPI creates an API client. httpClient may be nil.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// UseSocketID attaches the socket id returned by fn to every request.
func (a *API) UseSocketID(fn func() string) {
	a.socketID = fn
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Token string           `json:"token"`
	User  chat.UserSummary `json:"user"`
}

// Login exchanges credentials for a token.
func Login(ctx context.Context, baseURL, email, password string, httpClient *http.Client) (*LoginResponse, error) {
	a := NewAPI(baseURL, "", httpClient)
	var resp LoginResponse
	err := a.do(ctx, http.MethodPost, "/api/login", map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConversations fetches the viewer's conversation list.
func (a *API) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var resp struct {
		Conversations []chat.ConversationSummary `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// OpenConversation loads a conversation and marks it read.
func (a *API) OpenConversation(ctx context.Context, conversationID int64) (*chat.OpenedConversation, error) {
	var resp chat.OpenedConversation
	if err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d", conversationID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage posts a message to receiverID. conversationID may be 0.
func (a *API) SendMessage(ctx context.Context, receiverID, conversationID int64, body string) (*chat.SendResult, error) {
	req := map[string]any{"receiver_id": receiverID, "body": body}
	if conversationID != 0 {
		req["conversation_id"] = conversationID
	}
	var resp chat.SendResult
	if err := a.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead implements ReadMarker.
func (a *API) MarkRead(ctx context.Context, conversationID int64) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conversationID), nil, nil)
}

// SignalTyping tells the other participant the viewer is typing.
func (a *API) SignalTyping(ctx context.Context, conversationID int64) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/typing", conversationID), nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if a.socketID != nil {
		if id := a.socketID(); id != "" {
			req.Header.Set(SocketIDHeader, id)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
