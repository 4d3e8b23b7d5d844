// ABOUTME: Tests for the HTTP authentication middleware and user context helpers
// ABOUTME: Covers header and query tokens, rejection paths and context propagation

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/murmur/internal/store"
)

type failingUsers struct{}

func (failingUsers) GetUser(context.Context, int64) (*store.User, error) {
	return nil, errors.New("database down")
}

func setupMiddleware(t *testing.T) (http.Handler, *JWTVerifier, *store.User, **store.User) {
	t.Helper()
	st := store.NewMockStore()
	user := &store.User{Name: "Alice", Email: "alice@example.com"}
	require.NoError(t, st.CreateUser(t.Context(), user))

	verifier := newTestVerifier(t)

	var got *store.User
	handler := HTTPAuthMiddleware(st, verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return handler, verifier, user, &got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	handler, verifier, user, got := setupMiddleware(t)
	token, err := verifier.Generate(user.ID, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *got)
	assert.Equal(t, user.ID, (*got).ID)
	assert.Equal(t, "Alice", (*got).Name)
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	handler, verifier, user, got := setupMiddleware(t)
	token, err := verifier.Generate(user.ID, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *got)
	assert.Equal(t, user.ID, (*got).ID)
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	handler, verifier, _, got := setupMiddleware(t)

	expired, err := verifier.Generate(1, -time.Minute)
	require.NoError(t, err)
	unknownUser, err := verifier.Generate(999, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", wantMsg: "invalid authorization header format"},
		{name: "empty token", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage token", header: "Bearer garbage", wantMsg: "invalid token"},
		{name: "expired token", header: "Bearer " + expired, wantMsg: "token expired"},
		{name: "unknown user", header: "Bearer " + unknownUser, wantMsg: "user not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*got = nil
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantMsg, body["error"])
			assert.Nil(t, *got, "handler must not run")
		})
	}
}

func TestHTTPAuthMiddleware_StoreError(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate(1, time.Hour)
	require.NoError(t, err)

	called := false
	handler := HTTPAuthMiddleware(failingUsers{}, verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called)
}

func TestUserContext(t *testing.T) {
	ctx := t.Context()
	assert.Nil(t, UserFromContext(ctx))
	assert.Panics(t, func() { MustUserFromContext(ctx) })

	user := &store.User{ID: 3, Name: "Charlie"}
	ctx = WithUser(ctx, user)
	assert.Same(t, user, UserFromContext(ctx))
	assert.Same(t, user, MustUserFromContext(ctx))
}
