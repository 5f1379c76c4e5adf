// Package directory is the client for the remote directory: the record
// store, auth primitive, push stream and object storage the sync engine
// builds on. Every call site branches on error; nothing here assumes
// success.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const DefaultTimeout = 10 * time.Second

// Client is an HTTP client for the directory's request/response surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call deadline applied when the caller's
// context has none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a directory client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token used on every call.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}

// do executes one request with a bounded deadline and maps HTTP failures
// onto the typed error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.mapStatus(resp, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) mapStatus(resp *http.Response, path string) error {
	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Reason: msg}
	case http.StatusNotFound:
		return &NotFoundError{Resource: strings.Trim(path, "/"), ID: ae.Error.Field}
	case http.StatusConflict:
		return &ConflictError{Detail: msg}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Field: ae.Error.Field, Detail: msg}
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &NetworkError{Op: path, Err: fmt.Errorf("%s", resp.Status)}
	default:
		return fmt.Errorf("directory: %s: %s", path, msg)
	}
}

// --- Auth surface ---

// SignIn exchanges a credential for a session.
func (c *Client) SignIn(ctx context.Context, cred Credential) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/auth/signin", cred, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SignUp registers a new user and returns the initial session.
func (c *Client) SignUp(ctx context.Context, payload RegisterPayload) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/auth/signup", payload, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SignOut revokes the current session server-side.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/signout", nil, nil, nil)
}

// GetSession validates the current token and returns the live session.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/auth/session", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetUser fetches a user's full profile.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Conversations ---

// GetOrCreateConversation is the directory's atomic find-or-insert keyed
// by the unordered participant pair. Calling it twice with the same pair
// yields the same row.
func (c *Client) GetOrCreateConversation(ctx context.Context, counterpartID string) (*ConversationRow, error) {
	var row ConversationRow
	body := map[string]string{"counterpart_id": counterpartID}
	if err := c.do(ctx, http.MethodPost, "/conversations/get-or-create", body, nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListConversations returns the caller's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationRow, error) {
	var rows []ConversationRow
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ConversationSettingsPatch carries a partial settings merge; nil fields
// are untouched.
type ConversationSettingsPatch struct {
	Mute    *bool `json:"mute,omitempty"`
	Pin     *bool `json:"pin,omitempty"`
	Archive *bool `json:"archive,omitempty"`
}

// UpdateConversationSettings applies a partial settings merge.
func (c *Client) UpdateConversationSettings(ctx context.Context, id string, patch ConversationSettingsPatch) error {
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id)+"/settings", patch, nil, nil)
}

// --- Messages ---

// InsertMessage writes a new message and returns the authoritative row.
// The correlation id in the request is echoed back, both here and on the
// push stream.
func (c *Client) InsertMessage(ctx context.Context, row MessageRow) (*MessageRow, error) {
	var out MessageRow
	if err := c.do(ctx, http.MethodPost, "/messages", row, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessagePatch carries the mutable message fields.
type MessagePatch struct {
	Payload     *string `json:"payload,omitempty"`
	IsRead      *bool   `json:"is_read,omitempty"`
	IsEdited    *bool   `json:"is_edited,omitempty"`
	IsDeleted   *bool   `json:"is_deleted,omitempty"`
	PinnedAt    *int64  `json:"pinned_at,omitempty"`
	PinnedUntil *int64  `json:"pinned_until,omitempty"`
}

// UpdateMessage patches the mutable fields of a message.
func (c *Client) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	return c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), patch, nil, nil)
}

// ListMessages returns all messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]MessageRow, error) {
	var rows []MessageRow
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkConversationRead sets is_read on every unread message in the
// conversation addressed to the caller. Idempotent server-side.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// --- Presence ---

// UpsertPresence announces liveness for the given user.
func (c *Client) UpsertPresence(ctx context.Context, row PresenceRow) error {
	return c.do(ctx, http.MethodPut, "/presence/"+url.PathEscape(row.UserID), row, nil, nil)
}

// GetPresence fetches the directory's presence record for a user.
func (c *Client) GetPresence(ctx context.Context, userID string) (*PresenceRow, error) {
	var row PresenceRow
	if err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}
