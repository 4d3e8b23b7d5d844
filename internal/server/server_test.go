// ABOUTME: Tests for the HTTP API against the in-memory store and a real broadcaster
// ABOUTME: Covers auth, error mapping, socket exclusion, read state, rate limiting and the WebSocket upgrade

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/murmur/internal/auth"
	"github.com/2389/murmur/internal/chat"
	"github.com/2389/murmur/internal/realtime"
	"github.com/2389/murmur/internal/store"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct horse battery"
)

type testEnv struct {
	store       *store.MockStore
	broadcaster *realtime.Broadcaster
	tokens      *auth.JWTVerifier
	srv         *httptest.Server

	alice, bob, charlie *store.User
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	st := store.NewMockStore()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	newUser := func(name, email string) *store.User {
		u := &store.User{Name: name, Email: email, PasswordHash: string(hash)}
		require.NoError(t, st.CreateUser(t.Context(), u))
		return u
	}
	env := &testEnv{
		store:   st,
		alice:   newUser("Alice", "alice@example.com"),
		bob:     newUser("Bob", "bob@example.com"),
		charlie: newUser("Charlie", "charlie@example.com"),
	}

	env.tokens, err = auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	env.broadcaster = realtime.NewBroadcaster(nil)
	svc := chat.New(st, env.broadcaster, nil, chat.WithTypingThrottle(0))
	hub := realtime.NewHub(env.broadcaster, svc, realtime.HubConfig{}, nil)

	s := New(opts, svc, st, hub, env.tokens, nil)
	env.srv = httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		env.srv.Close()
		env.broadcaster.Close()
		svc.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, u *store.User) string {
	t.Helper()
	tok, err := e.tokens.Generate(u.ID, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as u (nil for anonymous) and returns status and body.
func (e *testEnv) do(t *testing.T, u *store.User, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, u))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) conversation(t *testing.T, a, b *store.User) int64 {
	t.Helper()
	conv, err := e.store.FindOrCreateConversation(t.Context(), a.ID, b.ID)
	require.NoError(t, err)
	return conv.ID
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, body := env.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = env.do(t, nil, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", string(body))
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, body := env.do(t, nil, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing authorization header", decode[ErrorResponse](t, body).Error)

	status, _ = env.do(t, nil, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, Options{TokenTTL: time.Hour})

	t.Run("valid credentials", func(t *testing.T) {
		status, body := env.do(t, nil, http.MethodPost, "/api/login",
			LoginRequest{Email: "alice@example.com", Password: testPassword})
		require.Equal(t, http.StatusOK, status, string(body))

		resp := decode[LoginResponse](t, body)
		assert.Equal(t, env.alice.ID, resp.User.ID)
		assert.Equal(t, "Alice", resp.User.Name)

		userID, err := env.tokens.Verify(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, env.alice.ID, userID)
	})

	t.Run("wrong password", func(t *testing.T) {
		status, body := env.do(t, nil, http.MethodPost, "/api/login",
			LoginRequest{Email: "alice@example.com", Password: "guess"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "invalid credentials", decode[ErrorResponse](t, body).Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/login", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSendMessage_SkipsOriginatingSocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := t.Context()

	bobTab := env.broadcaster.Subscribe(ctx, realtime.UserChannel(env.bob.ID), "bob-tab")
	aliceOrigin := env.broadcaster.Subscribe(ctx, realtime.UserChannel(env.alice.ID), "alice-tab-1")
	aliceOther := env.broadcaster.Subscribe(ctx, realtime.UserChannel(env.alice.ID), "alice-tab-2")

	status, body := env.do(t, env.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: env.bob.ID, Body: "hi bob"},
		SocketIDHeader, "alice-tab-1")
	require.Equal(t, http.StatusOK, status, string(body))

	result := decode[chat.SendResult](t, body)
	assert.NotZero(t, result.ConversationID)
	assert.Equal(t, "hi bob", result.Message.Body)
	assert.True(t, result.Message.IsMine)

	for name, ch := range map[string]<-chan realtime.Event{"bob": bobTab, "alice second tab": aliceOther} {
		select {
		case evt := <-ch:
			assert.Equal(t, realtime.EventMessageSent, evt.Name, name)
			var payload realtime.MessageSentPayload
			require.NoError(t, evt.Decode(&payload))
			assert.Equal(t, result.Message.ID, payload.ID, name)
			assert.Equal(t, result.ConversationID, payload.ConversationID, name)
		default:
			t.Fatalf("%s did not receive message.sent", name)
		}
	}
	assert.Empty(t, aliceOrigin, "originating socket must not receive its own message")
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, body := env.do(t, env.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: env.bob.ID, Body: "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	resp := decode[ErrorResponse](t, body)
	assert.Contains(t, resp.Fields, "body")

	status, body = env.do(t, env.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: env.alice.ID, Body: "me"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, decode[ErrorResponse](t, body).Fields, "receiver_id")

	convs, err := env.store.GetConversationsForUser(t.Context(), env.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestConversationAccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	convID := env.conversation(t, env.alice, env.bob)
	path := "/api/conversations/" + strconv.FormatInt(convID, 10)

	tests := []struct {
		name   string
		user   *store.User
		path   string
		status int
	}{
		{"participant", env.bob, path, http.StatusOK},
		{"non-participant", env.charlie, path, http.StatusForbidden},
		{"non-participant messages", env.charlie, path + "/messages", http.StatusForbidden},
		{"non-participant read", env.charlie, path + "/read", http.StatusForbidden},
		{"unknown conversation", env.alice, "/api/conversations/999", http.StatusNotFound},
		{"malformed id", env.alice, "/api/conversations/abc", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			if strings.HasSuffix(tt.path, "/read") {
				method = http.MethodPost
			}
			status, body := env.do(t, tt.user, method, tt.path, nil)
			assert.Equal(t, tt.status, status, string(body))
		})
	}
}

func TestOpenConversation_MarksReadAndFlagsActive(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, body := env.do(t, env.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: env.bob.ID, Body: "**hello**"})
	convID := decode[chat.SendResult](t, body).ConversationID

	status, body := env.do(t, env.bob, http.MethodGet, "/api/conversations/"+strconv.FormatInt(convID, 10), nil)
	require.Equal(t, http.StatusOK, status, string(body))

	opened := decode[chat.OpenedConversation](t, body)
	assert.Equal(t, env.alice.ID, opened.Conversation.OtherUser.ID)
	require.Len(t, opened.Messages, 1)
	assert.True(t, opened.Messages[0].IsRead)
	assert.Contains(t, opened.Messages[0].BodyHTML, "<strong>hello</strong>")
	require.Len(t, opened.Conversations, 1)
	require.NotNil(t, opened.Conversations[0].IsActive)
	assert.True(t, *opened.Conversations[0].IsActive)
	assert.Zero(t, opened.Conversations[0].UnreadCount)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := t.Context()

	for _, text := range []string{"one", "two"} {
		status, _ := env.do(t, env.alice, http.MethodPost, "/api/messages",
			SendMessageRequest{ReceiverID: env.bob.ID, Body: text})
		require.Equal(t, http.StatusOK, status)
	}
	convID := env.conversation(t, env.alice, env.bob)
	path := "/api/conversations/" + strconv.FormatInt(convID, 10) + "/read"

	aliceConv := env.broadcaster.Subscribe(ctx, realtime.ConversationChannel(convID), "alice-tab")

	status, body := env.do(t, env.bob, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	resp := decode[MarkReadResponse](t, body)
	assert.True(t, resp.Success)
	assert.Len(t, resp.MessageIDs, 2)

	select {
	case evt := <-aliceConv:
		assert.Equal(t, realtime.EventMessageRead, evt.Name)
	default:
		t.Fatal("expected message.read on the conversation channel")
	}

	status, body = env.do(t, env.bob, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"success":true,"message_ids":[]}`, string(body))
	assert.Empty(t, aliceConv, "second mark-read must not publish")
}

func TestListConversationsAndMessages(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, body := env.do(t, env.alice, http.MethodPost, "/api/messages",
		SendMessageRequest{ReceiverID: env.bob.ID, Body: "hey"})
	convID := decode[chat.SendResult](t, body).ConversationID
	env.conversation(t, env.bob, env.charlie)

	status, body := env.do(t, env.bob, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[struct {
		Conversations []chat.ConversationSummary `json:"conversations"`
	}](t, body)
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, convID, list.Conversations[0].ID, "messaged conversation sorts first")
	assert.Equal(t, 1, list.Conversations[0].UnreadCount)
	assert.Nil(t, list.Conversations[1].LastMessage)
	assert.Nil(t, list.Conversations[0].IsActive)

	status, _ = env.do(t, env.bob, http.MethodGet, "/api/conversations?active=abc", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body = env.do(t, env.bob, http.MethodGet,
		"/api/conversations/"+strconv.FormatInt(convID, 10)+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := decode[struct {
		Messages []chat.FormattedMessage `json:"messages"`
	}](t, body)
	require.Len(t, msgs.Messages, 1)
	assert.False(t, msgs.Messages[0].IsMine)
	assert.False(t, msgs.Messages[0].IsRead, "listing messages does not mark them read")
}

func TestStartConversation(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, body := env.do(t, env.alice, http.MethodPost, "/api/conversations",
		StartConversationRequest{UserID: env.bob.ID})
	require.Equal(t, http.StatusOK, status)
	first := decode[map[string]int64](t, body)["conversation_id"]
	assert.NotZero(t, first)

	status, body = env.do(t, env.bob, http.MethodPost, "/api/conversations",
		StartConversationRequest{UserID: env.alice.ID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first, decode[map[string]int64](t, body)["conversation_id"])

	status, _ = env.do(t, env.alice, http.MethodPost, "/api/conversations",
		StartConversationRequest{UserID: env.alice.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = env.do(t, env.alice, http.MethodPost, "/api/conversations",
		StartConversationRequest{UserID: 999})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchUsers(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, body := env.do(t, env.alice, http.MethodPost, "/api/users/search",
		SearchUsersRequest{Query: "BO"})
	require.Equal(t, http.StatusOK, status)
	resp := decode[struct {
		Users []chat.UserSummary `json:"users"`
	}](t, body)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, env.bob.ID, resp.Users[0].ID)

	status, body = env.do(t, env.alice, http.MethodPost, "/api/users/search",
		SearchUsersRequest{Query: "example.com"})
	require.Equal(t, http.StatusOK, status)
	resp = decode[struct {
		Users []chat.UserSummary `json:"users"`
	}](t, body)
	assert.Len(t, resp.Users, 2, "the searching user is excluded")

	status, _ = env.do(t, env.alice, http.MethodPost, "/api/users/search", SearchUsersRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestTyping(t *testing.T) {
	env := newTestEnv(t, Options{})
	convID := env.conversation(t, env.alice, env.bob)
	channel := realtime.ConversationChannel(convID)

	bobConv := env.broadcaster.Subscribe(t.Context(), channel, "bob-tab")
	aliceConv := env.broadcaster.Subscribe(t.Context(), channel, "alice-tab")

	path := "/api/conversations/" + strconv.FormatInt(convID, 10) + "/typing"
	status, body := env.do(t, env.alice, http.MethodPost, path, nil, SocketIDHeader, "alice-tab")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"success":true}`, string(body))

	select {
	case evt := <-bobConv:
		assert.Equal(t, realtime.EventUserTyping, evt.Name)
	default:
		t.Fatal("expected user.typing for the other participant")
	}
	assert.Empty(t, aliceConv)

	status, _ = env.do(t, env.charlie, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RequestsPerSecond: 0.5, Burst: 1})

	status, _ := env.do(t, env.alice, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, status)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, env.alice))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// Buckets are per user.
	status, _ = env.do(t, env.bob, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{MetricsPath: "/metrics"})

	env.do(t, nil, http.MethodGet, "/health", nil)

	status, body := env.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "murmur_http_requests_total")
}

func TestWebSocket_QueryToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + env.token(t, env.alice)
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt realtime.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, realtime.EventConnectionEstablished, evt.Name)

	var established realtime.ConnectionEstablishedPayload
	require.NoError(t, evt.Decode(&established))
	assert.NotEmpty(t, established.SocketID)

	require.NoError(t, conn.WriteJSON(realtime.ClientMessage{
		Action:  realtime.ActionSubscribe,
		Channel: realtime.UserChannel(env.bob.ID),
	}))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, realtime.EventSubscriptionError, evt.Name, "alice cannot subscribe to bob's channel")
}

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
