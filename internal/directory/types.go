package directory

import "encoding/json"

// User is the directory's user record. Profile carries the extended
// fields loaded in the second sign-in phase.
type User struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
	RoleTag     string            `json:"role_tag,omitempty"`
	Profile     map[string]string `json:"profile,omitempty"`
}

// Credential is an email/password pair for sign-in.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterPayload is the sign-up request body.
type RegisterPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// Session is the authenticated session returned by the auth endpoints.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         User   `json:"user"`
}

// ConversationRow is the directory's conversation record. UserA/UserB is
// the unordered participant pair normalized by the server; settings are
// per-requesting-user.
type ConversationRow struct {
	ID            string `json:"id"`
	UserA         string `json:"user_a"`
	UserB         string `json:"user_b"`
	LastMessageAt int64  `json:"last_message_at"`
	IsMuted       bool   `json:"is_muted"`
	IsPinned      bool   `json:"is_pinned"`
	IsArchived    bool   `json:"is_archived"`
}

// Counterpart returns the participant that is not me.
func (c *ConversationRow) Counterpart(me string) string {
	if c.UserA == me {
		return c.UserB
	}
	return c.UserA
}

// MessageRow is the directory's message record. CorrelationID echoes the
// client-generated id supplied on insert, so a sender can match its own
// message when the push stream delivers it back.
type MessageRow struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Kind           string `json:"kind"`
	Payload        string `json:"payload"`
	CreatedAt      int64  `json:"created_at"`
	IsRead         bool   `json:"is_read"`
	IsEdited       bool   `json:"is_edited"`
	IsDeleted      bool   `json:"is_deleted"`
	PinnedAt       int64  `json:"pinned_at"`
	PinnedUntil    int64  `json:"pinned_until"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// PresenceRow is the directory's presence record.
type PresenceRow struct {
	UserID     string `json:"user_id"`
	IsOnline   bool   `json:"is_online"`
	LastSeenAt int64  `json:"last_seen_at"`
}

// Push event types.
const (
	PushInsert = "insert"
	PushUpdate = "update"
	PushDelete = "delete"
)

// PushEvent is one at-least-once change notification from the directory.
// Row is decoded per Table by the consumer.
type PushEvent struct {
	Table string          `json:"table"`
	Type  string          `json:"type"`
	Row   json.RawMessage `json:"row"`
}

// Auth lifecycle event names delivered over the realtime stream. These
// are advisory inputs to the session manager, never unconditionally
// authoritative.
const (
	AuthEventRestored    = "session_restored"
	AuthEventRefreshed   = "token_refreshed"
	AuthEventSignedOut   = "signed_out"
	AuthEventUserUpdated = "user_updated"
)

// AuthEvent is an auth lifecycle notification.
type AuthEvent struct {
	Event   string   `json:"event"`
	Session *Session `json:"session,omitempty"`
}
