package store

// Message kinds accepted by the engine.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindVoice    = "voice"
	KindDocument = "document"
	KindLocation = "location"
)

// Message delivery statuses. "received" marks rows that arrived from the
// directory; the other three are the optimistic-send tri-state.
const (
	StatusSending  = "sending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusReceived = "received"
)

// Pending action kinds.
const (
	ActionSend     = "send"
	ActionEdit     = "edit"
	ActionDelete   = "delete"
	ActionMarkRead = "mark_read"
	ActionPin      = "pin"
	ActionUnpin    = "unpin"
	ActionSettings = "settings"
)

// Pending action statuses.
const (
	PendingQueued    = "queued"
	PendingInflight  = "inflight"
	PendingConfirmed = "confirmed"
	PendingFailed    = "failed"
)

// Conversation is the local mirror of one two-person channel.
// LastMessageAt is unix milliseconds; 0 means no message yet.
type Conversation struct {
	ID                 string
	CounterpartID      string
	DisplayName        string
	AvatarURL          string
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
	IsMuted            bool
	IsPinned           bool
	IsArchived         bool
}

// Message is the local mirror of one unit of conversation content.
// ID, SenderID, CreatedAt and Kind are immutable once created.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Kind           string
	Payload        string
	CreatedAt      int64
	IsRead         bool
	IsEdited       bool
	IsDeleted      bool
	Status         string
	PinnedAt       int64
	PinnedUntil    int64
}

// PinActive reports whether the message is effectively pinned at the
// given instant. Expiry is checked at read time, never swept eagerly.
func (m *Message) PinActive(nowMillis int64) bool {
	if m.PinnedAt == 0 {
		return false
	}
	return m.PinnedUntil == 0 || nowMillis < m.PinnedUntil
}

// PresenceRecord is a cached liveness entry, last-writer-wins by
// LastSeenAt (unix milliseconds).
type PresenceRecord struct {
	UserID     string
	IsOnline   bool
	LastSeenAt int64
}

// PendingAction is an optimistic local mutation not yet confirmed by the
// directory. CorrelationID is client-generated, unique per session, and
// used exactly once to match a confirmation or timeout.
type PendingAction struct {
	CorrelationID  string
	Kind           string
	ConversationID string
	MessageID      string
	Payload        string
	Expiry         int64
	Status         string
	ErrorMessage   string
	CreatedAt      int64
}
