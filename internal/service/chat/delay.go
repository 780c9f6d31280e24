package chat

import (
	"time"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

// DisplayMessage is a message annotated for timestamp grouping.
type DisplayMessage struct {
	chat.Message
	// Delayed is set when the gap to the predecessor exceeds the threshold.
	// The first message has no predecessor and is never delayed.
	Delayed bool `json:"delayed"`
}

// MarkDelayed annotates an ordered message list.
func MarkDelayed(messages []chat.Message, threshold time.Duration) []DisplayMessage {
	out := make([]DisplayMessage, len(messages))
	for i, msg := range messages {
		delayed := false
		if i > 0 {
			delayed = msg.CreatedAt.Sub(messages[i-1].CreatedAt) > threshold
		}
		out[i] = DisplayMessage{Message: msg.Clone(), Delayed: delayed}
	}
	return out
}
