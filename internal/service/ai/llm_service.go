package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/avatar-chat/backend/internal/config"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

var (
	// ErrUnavailable is returned when no chat model is configured.
	ErrUnavailable = errors.New("generation backend unavailable")
	// ErrEmptyResponse is returned when the model replies with no text.
	ErrEmptyResponse = errors.New("generation backend returned an empty response")
)

// Generator turns a role-tagged conversation into the assistant's reply.
type Generator interface {
	Generate(ctx context.Context, conversation []chat.Content) (chat.Content, error)
}

// Service generates replies with an eino chat model.
type Service struct {
	chatModel model.BaseChatModel
}

// NewService builds the configured Ark chat model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(chatModel), nil
}

// NewServiceWithModel wraps an existing chat model.
func NewServiceWithModel(chatModel model.BaseChatModel) *Service {
	return &Service{chatModel: chatModel}
}

// Generate sends the conversation to the model and returns the assistant reply.
func (s *Service) Generate(ctx context.Context, conversation []chat.Content) (chat.Content, error) {
	input := toSchemaMessages(conversation)

	response, err := s.chatModel.Generate(ctx, input)
	if err != nil {
		return chat.Content{}, fmt.Errorf("failed to generate response: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return chat.Content{}, ErrEmptyResponse
	}

	log.Printf("[ai] generated response turns=%d length=%d", len(conversation), len(response.Content))
	return chat.Content{Role: chat.RoleAssistant, Text: strings.TrimSpace(response.Content)}, nil
}

func toSchemaMessages(conversation []chat.Content) []*schema.Message {
	messages := make([]*schema.Message, 0, len(conversation))
	for _, c := range conversation {
		switch c.Role {
		case chat.RoleSystem:
			messages = append(messages, schema.SystemMessage(c.Text))
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(c.Text))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(c.Text, nil))
		case chat.RoleTool:
			messages = append(messages, &schema.Message{Role: schema.Tool, Content: c.Text})
		}
	}
	return messages
}

// Unavailable is the Generator used when no model credentials are configured.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, []chat.Content) (chat.Content, error) {
	return chat.Content{}, ErrUnavailable
}
