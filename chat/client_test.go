package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, srv.Client(), testLogger())
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return tok
}

// --- send() internals ---

func TestSend_SetsHeadersAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.SetToken("tok-1")

	err := c.send(context.Background(), http.MethodPost, "/test", nil, struct{}{}, nil)
	require.NoError(t, err)
}

func TestSend_NoTokenNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Type"), "GET without body")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.send(context.Background(), http.MethodGet, "/getChats", nil, nil, nil))
}

func TestSend_ErrorMessageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Invalid input"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, "API /x (400): Invalid input", err.Error())
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, chaterrors.ErrAPIRequest)
}

func TestSend_ErrorKeyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"not a participant"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	assert.ErrorContains(t, err, "not a participant")
}

func TestSend_NonJSONErrorIsSanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad\x00thing" + strings.Repeat("x", 400)))
	}))
	defer srv.Close()

	err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad?thing")
	assert.Less(t, len(err.Error()), 320)
}

func TestSend_TransientStatuses(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, nil)
		assert.True(t, IsTransient(err), "status %d", code)
		srv.Close()
	}
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	assert.True(t, IsTransient(err))
}

func TestSend_UnauthorizedIsInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid token: expired"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchConversations(context.Background())
	assert.ErrorIs(t, err, chaterrors.ErrInvalidToken)
}

func TestSend_DecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := newTestClient(srv).send(context.Background(), http.MethodGet, "/x", nil, nil, &out)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

// --- breaker ---

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv)

	for range breakerMaxFailures {
		_, err := c.FetchConversations(context.Background())
		require.True(t, IsTransient(err))
	}

	_, err := c.FetchConversations(context.Background())
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerMaxFailures), calls.Load(), "open breaker short-circuits")
}

func TestBreaker_IgnoresPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)

	for range breakerMaxFailures + 2 {
		_, err := c.FetchConversationByID(context.Background(), "c1")
		require.ErrorIs(t, err, chaterrors.ErrConversationNotFound)
	}

	assert.Equal(t, int32(breakerMaxFailures+2), calls.Load())
}

// --- Login / Register ---

func TestLogin_ReadsClaimsWhenResponseIsBare(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	token := signedToken(t, jwt.MapClaims{"sub": "u-42", "exp": exp.Unix()})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req LoginRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "alice", req.Username)
		assert.Equal(t, "Secret123!", req.Password)

		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	defer srv.Close()

	creds, err := newTestClient(srv).Login(context.Background(), "alice", "Secret123!")
	require.NoError(t, err)
	assert.Equal(t, token, creds.Token)
	assert.Equal(t, "u-42", creds.UserID)
	assert.True(t, exp.Equal(creds.Expiration))
}

func TestLogin_PrefersResponseFields(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "from-claims", "exp": time.Now().Add(time.Hour).Unix()})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"` + token + `","id":"u-7","expiration":1800000000}`))
	}))
	defer srv.Close()

	creds, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-7", creds.UserID)
	assert.Equal(t, int64(1800000000), creds.Expiration.Unix())
}

func TestLogin_OpaqueToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"opaque"}`))
	}))
	defer srv.Close()

	creds, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "opaque", creds.Token)
	assert.Empty(t, creds.UserID)
	assert.True(t, creds.Expiration.IsZero())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid credentials"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, chaterrors.ErrInvalidCredentials)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "logging in", fe.Op)
}

func TestLogin_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestRegister_FieldError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"field":"email","message":"invalid email format"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Register(context.Background(), "alice", "nope", "Secret123!")

	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "email", fieldErr.Field)
	assert.Equal(t, "invalid email format", fieldErr.Message)
	assert.Equal(t, "registering: email: invalid email format", err.Error())
}

func TestRegister_Success(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"user_id": "u-9"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req RegisterRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "a@example.com", req.Email)
		w.Write([]byte(`{"token":"` + token + `"}`))
	}))
	defer srv.Close()

	creds, err := newTestClient(srv).Register(context.Background(), "alice", "a@example.com", "Secret123!")
	require.NoError(t, err)
	assert.Equal(t, "u-9", creds.UserID)
}

// --- conversations and history ---

const conversationJSON = `{
	"id":"c1","created_by":"u-1","users":["u-1","u-2"],
	"last_message":"hi","last_message_at":"2026-03-01T12:00:05Z",
	"last_message_by":"u-2","last_message_id":"m5",
	"created_at":"2026-03-01T11:00:00Z",
	"user_data":{"id":"u-2","username":"bob"}
}`

func TestFetchConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getChats", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`[` + conversationJSON + `]`))
	}))
	defer srv.Close()

	list, err := newTestClient(srv).FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m5", list[0].LastMessage.ID)
	assert.Equal(t, "bob", list[0].Peer.DisplayName)
}

func TestFetchConversationByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getChatById", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("chat_id"))
		w.Write([]byte(conversationJSON))
	}))
	defer srv.Close()

	c, err := newTestClient(srv).FetchConversationByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, []string{"u-1", "u-2"}, c.ParticipantIDs)
}

func TestFetchConversationByID_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchConversationByID(context.Background(), "c1")
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestFetchMessagePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/getMessageChat", r.URL.Path)
		assert.Equal(t, "c1", q.Get("chat_id"))
		assert.Equal(t, "3", q.Get("page"))
		assert.Equal(t, "20", q.Get("limit"))
		w.Write([]byte(`{"messages":[{"id":"m1","chat_id":"c1","sender":"u-2","content":"hi","sent_at":"2026-03-01T12:00:01Z","type":null}],"total_pages":3}`))
	}))
	defer srv.Close()

	page, err := newTestClient(srv).FetchMessagePage(context.Background(), "c1", 3, 20)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "u-2", page.Messages[0].SenderID)
}

func TestFetchMessagePage_ErrorIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"limit must be between 1 and 99"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchMessagePage(context.Background(), "c1", 1, 500)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "page 1")
	assert.Contains(t, err.Error(), "limit must be between 1 and 99")
}

func TestCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createChat", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"user_id":"u-2"}`, string(body))
		w.Write([]byte(`{"id":"c2","created_by":"u-1","users":["u-1","u-2"],"created_at":"2026-03-01T11:00:00Z"}`))
	}))
	defer srv.Close()

	c, err := newTestClient(srv).CreateConversation(context.Background(), "u-2")
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID)
	assert.Nil(t, c.LastMessage)
}

func TestFetchOnlineUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/onlineUsers", r.URL.Path)
		w.Write([]byte(`{"online_users":[{"id":"u-2","username":"bob","img":"b.png"}]}`))
	}))
	defer srv.Close()

	users, err := newTestClient(srv).FetchOnlineUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u-2", users[0].ID)
	assert.Equal(t, "bob", users[0].DisplayName)
	assert.Equal(t, "b.png", users[0].AvatarRef)
}

func TestFetchOnlineUsers_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"online_users":[]}`))
	}))
	defer srv.Close()

	users, err := newTestClient(srv).FetchOnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestFetchOnlineUsers_BareListRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"u-2"}]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchOnlineUsers(context.Background())
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

// --- redirects ---

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://chat.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://chat.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.ErrorContains(t, sameHostRedirectPolicy(other, []*http.Request{orig}), "redirect to different host blocked")

	many := make([]*http.Request, maxRedirects)
	for i := range many {
		many[i] = orig
	}

	assert.Error(t, sameHostRedirectPolicy(same, many))
}

func TestErrorTypes(t *testing.T) {
	inner := errors.New("boom")

	fe := &FetchError{Op: "fetching conversations", Err: inner}
	assert.Equal(t, "fetching conversations: boom", fe.Error())
	assert.ErrorIs(t, fe, inner)

	te := &TransportError{Op: "dial", Err: inner}
	assert.Equal(t, "push channel dial: boom", te.Error())
	assert.ErrorIs(t, te, inner)

	pe := &ParseError{Type: "message", Err: inner}
	assert.Equal(t, "parsing message frame: boom", pe.Error())
	assert.Equal(t, "parsing frame: boom", (&ParseError{Err: inner}).Error())

	assert.True(t, IsTransient(&FetchError{Op: "x", Err: &TransientError{Err: inner}}))
	assert.False(t, IsTransient(fe))
}
