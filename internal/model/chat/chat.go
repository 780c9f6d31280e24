package chat

import "time"

// Chat is the single conversation between one user and one avatar.
type Chat struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	AvatarID       string    `json:"avatarId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// ChatID derives the deterministic chat identifier for a (user, avatar) pair.
func ChatID(userID, avatarID string) string {
	return userID + "_" + avatarID
}

// NewChat builds a chat record for the pair, stamped at now.
func NewChat(userID, avatarID string, now time.Time) Chat {
	return Chat{
		ID:             ChatID(userID, avatarID),
		UserID:         userID,
		AvatarID:       avatarID,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// Touch raises LastModifiedAt to ts. Older timestamps are ignored.
func (c *Chat) Touch(ts time.Time) {
	if ts.After(c.LastModifiedAt) {
		c.LastModifiedAt = ts
	}
}

// Report is a moderation record filed against a chat.
type Report struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	AvatarID  string    `json:"avatarId"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
