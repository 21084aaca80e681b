package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/sony/gobreaker"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// Breaker tuning. Only transient failures count toward tripping.
	breakerMaxFailures = 5
	breakerInterval    = 60 * time.Second
	breakerOpenTimeout = 30 * time.Second
)

// Client talks to the chat server's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger

	tokenMu sync.RWMutex
	token   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This keeps the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the server at baseURL.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return c
}

// SetToken sets the bearer token sent with authenticated requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the current bearer token, or empty string.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.token
}

// statusError is a non-200 response from the server.
type statusError struct {
	endpoint string
	code     int
	apiErr   APIError
	body     string
}

func (e *statusError) Error() string {
	if msg := e.apiErr.text(); msg != "" {
		return fmt.Sprintf("API %s (%d): %s", e.endpoint, e.code, msg)
	}

	return fmt.Sprintf("API %s returned status %d: %s", e.endpoint, e.code, e.body)
}

func (e *statusError) Is(target error) bool {
	switch target {
	case chaterrors.ErrAPIRequest:
		return true
	case chaterrors.ErrInvalidToken:
		return e.code == http.StatusUnauthorized
	}

	return false
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}

	return 0
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do runs a request through the circuit breaker. An open breaker is
// reported as transient so callers back off instead of giving up.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, method, endpoint, query, body, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Err: fmt.Errorf("API %s: %w", endpoint, err)}
	}

	return err
}

// send performs one JSON request and decodes the response into result.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, body, result interface{}) error {
	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		if ctx.Err() != nil {
			return wrapped
		}
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{endpoint: endpoint, code: resp.StatusCode, body: sanitizeResponseBody(respBody)}
		_ = json.Unmarshal(respBody, &se.apiErr)

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: se}
		}

		return se
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Login authenticates with a username (or email) and password.
func (c *Client) Login(ctx context.Context, username, password string) (*models.Credentials, error) {
	req := LoginRequest{Username: username, Password: password}

	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/login", nil, req, &resp); err != nil {
		if code := statusCode(err); code == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %w", chaterrors.ErrInvalidCredentials, err)
		}

		return nil, &FetchError{Op: "logging in", Err: err}
	}

	creds, err := credentialsFrom(resp)
	if err != nil {
		return nil, &FetchError{Op: "logging in", Err: err}
	}

	return creds, nil
}

// Register creates an account. Validation failures are returned as a
// *FieldError inside the FetchError.
func (c *Client) Register(ctx context.Context, username, email, password string) (*models.Credentials, error) {
	req := RegisterRequest{Username: username, Email: email, Password: password}

	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/register", nil, req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusBadRequest {
			err = &FieldError{Field: se.apiErr.Field, Message: se.apiErr.text()}
		}

		return nil, &FetchError{Op: "registering", Err: err}
	}

	creds, err := credentialsFrom(resp)
	if err != nil {
		return nil, &FetchError{Op: "registering", Err: err}
	}

	return creds, nil
}

// FetchConversations returns every conversation the user takes part in.
func (c *Client) FetchConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/getChats", nil, nil, &resp); err != nil {
		return nil, &FetchError{Op: "fetching conversations", Err: err}
	}

	return resp, nil
}

// FetchConversationByID returns a single conversation summary.
func (c *Client) FetchConversationByID(ctx context.Context, id string) (*models.ConversationSummary, error) {
	q := url.Values{"chat_id": {id}}

	var resp models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/getChatById", q, nil, &resp); err != nil {
		if statusCode(err) == http.StatusNotFound {
			err = fmt.Errorf("%w: %w", chaterrors.ErrConversationNotFound, err)
		}

		return nil, &FetchError{Op: "fetching conversation " + id, Err: err}
	}

	if resp.ID == "" {
		return nil, &FetchError{
			Op:  "fetching conversation " + id,
			Err: fmt.Errorf("%w: empty conversation", chaterrors.ErrAPIResponse),
		}
	}

	return &resp, nil
}

// FetchMessagePage returns one page of history, newest first. Pages
// start at 1.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID string, page, limit int) (*models.MessagePage, error) {
	q := url.Values{
		"chat_id": {conversationID},
		"page":    {strconv.Itoa(page)},
		"limit":   {strconv.Itoa(limit)},
	}

	var resp models.MessagePage
	if err := c.do(ctx, http.MethodGet, "/getMessageChat", q, nil, &resp); err != nil {
		return nil, &FetchError{Op: fmt.Sprintf("fetching messages of %s page %d", conversationID, page), Err: err}
	}

	return &resp, nil
}

// CreateConversation starts a conversation with the given user. The
// server returns the existing conversation if there already is one.
func (c *Client) CreateConversation(ctx context.Context, userID string) (*models.ConversationSummary, error) {
	req := CreateConversationRequest{UserID: userID}

	var resp models.ConversationSummary
	if err := c.do(ctx, http.MethodPost, "/createChat", nil, req, &resp); err != nil {
		return nil, &FetchError{Op: "creating conversation", Err: err}
	}

	return &resp, nil
}

// FetchOnlineUsers returns the users the server currently sees online.
func (c *Client) FetchOnlineUsers(ctx context.Context) ([]models.User, error) {
	var resp OnlineUsersResponse
	if err := c.do(ctx, http.MethodGet, "/onlineUsers", nil, nil, &resp); err != nil {
		return nil, &FetchError{Op: "fetching online users", Err: err}
	}

	return resp.OnlineUsers, nil
}
