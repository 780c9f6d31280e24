package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who produced a piece of content.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Content is a role-tagged piece of text, the unit exchanged with the generation backend.
type Content struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Message is one turn of a conversation.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	AuthorID  string    `json:"authorId"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SeenBy    []string  `json:"seenBy"`
}

// NewMessageID returns a fresh identifier. IDs sort in creation order.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewUserMessage builds an outgoing user message. The author has already seen it.
func NewUserMessage(chatID, authorID, text string, now time.Time) Message {
	return Message{
		ID:        NewMessageID(),
		ChatID:    chatID,
		AuthorID:  authorID,
		Content:   Content{Role: RoleUser, Text: text},
		CreatedAt: now,
		SeenBy:    []string{authorID},
	}
}

// NewAssistantMessage builds a generated reply authored by the avatar.
func NewAssistantMessage(chatID, avatarID, text string, now time.Time) Message {
	return Message{
		ID:        NewMessageID(),
		ChatID:    chatID,
		AuthorID:  avatarID,
		Content:   Content{Role: RoleAssistant, Text: text},
		CreatedAt: now,
		SeenBy:    []string{},
	}
}

// HasBeenSeenBy reports whether viewerID is in the seen-set.
func (m Message) HasBeenSeenBy(viewerID string) bool {
	return slices.Contains(m.SeenBy, viewerID)
}

// WithSeen returns a copy of m with viewerID added to the seen-set.
// The second result is false when viewerID was already present.
func (m Message) WithSeen(viewerID string) (Message, bool) {
	if m.HasBeenSeenBy(viewerID) {
		return m, false
	}
	seen := make([]string, 0, len(m.SeenBy)+1)
	seen = append(seen, m.SeenBy...)
	seen = append(seen, viewerID)
	slices.Sort(seen)
	m.SeenBy = seen
	return m, true
}

// Clone returns a deep copy so callers can hand messages out without sharing the seen slice.
func (m Message) Clone() Message {
	m.SeenBy = append([]string{}, m.SeenBy...)
	return m
}

// Compare orders messages by CreatedAt, breaking ties by ID.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortMessages orders msgs in place by CreatedAt ascending with a stable ID tie-break.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, Compare)
}
