package ai

import (
	"fmt"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

// BuildSystemPrompt renders the persona instruction for an avatar description.
func BuildSystemPrompt(description string) string {
	return fmt.Sprintf("You are a %s with the intelligence of an AI. We are having a VERY casual conversation. You are my friend.", description)
}

// BuildConversation maps messages to role/text pairs and prepends the system
// prompt when a description is available.
func BuildConversation(description string, messages []chat.Message) []chat.Content {
	conversation := make([]chat.Content, 0, len(messages)+1)
	if description != "" {
		conversation = append(conversation, chat.Content{Role: chat.RoleSystem, Text: BuildSystemPrompt(description)})
	}
	for _, msg := range messages {
		conversation = append(conversation, msg.Content)
	}
	return conversation
}
