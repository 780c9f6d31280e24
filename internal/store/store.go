package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

// ErrNotFound is returned when an operation requires a record that does not exist.
var ErrNotFound = errors.New("record not found")

// ChatStore persists chat records keyed by chat.ChatID.
type ChatStore interface {
	// CreateChat is idempotent at the identity level: a second call for the same
	// id never produces a second record and never moves timestamps backwards.
	CreateChat(ctx context.Context, c chat.Chat) error
	// GetChat returns nil, nil when the chat does not exist.
	GetChat(ctx context.Context, userID, avatarID string) (*chat.Chat, error)
	ListChats(ctx context.Context, userID string) ([]chat.Chat, error)
	TouchLastModified(ctx context.Context, chatID string, ts time.Time) error
	DeleteChat(ctx context.Context, chatID string) error
}

// MessageStore persists the ordered message log of each chat.
type MessageStore interface {
	// AppendMessage stores msg and raises the chat's LastModifiedAt to msg.CreatedAt.
	// It returns ErrNotFound when the chat does not exist.
	AppendMessage(ctx context.Context, chatID string, msg chat.Message) error
	// MarkSeen adds viewerID to the message's seen-set. Repeated calls are no-ops.
	MarkSeen(ctx context.Context, chatID, messageID, viewerID string) error
	// Subscribe streams complete, ordered snapshots of the chat. The first
	// snapshot reflects the current state. Cancelling ctx closes both channels.
	// A transport failure is delivered once on the error channel before both close.
	Subscribe(ctx context.Context, chatID string) (<-chan []chat.Message, <-chan error)
	// GetLastMessage returns nil, nil for an empty chat.
	GetLastMessage(ctx context.Context, chatID string) (*chat.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	DeleteAllMessages(ctx context.Context, chatID string) error
}

// ReportStore accepts moderation reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report chat.Report) error
}

// Stores bundles the collaborators a backend provides.
type Stores struct {
	Chats    ChatStore
	Messages MessageStore
	Reports  ReportStore
	// Close releases backend resources. May be nil.
	Close func()
}

// DeleteChatCascade removes every message of chatID and then the chat itself.
// Appends fail once the chat is gone, so a second sweep clears anything that
// landed between the two steps.
func DeleteChatCascade(ctx context.Context, chats ChatStore, messages MessageStore, chatID string) error {
	if err := messages.DeleteAllMessages(ctx, chatID); err != nil {
		return fmt.Errorf("delete messages of %s: %w", chatID, err)
	}
	if err := chats.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	if err := messages.DeleteAllMessages(ctx, chatID); err != nil {
		return fmt.Errorf("sweep messages of %s: %w", chatID, err)
	}
	return nil
}

// DeleteAllChats deletes every chat of userID concurrently. Each chat is
// attempted independently; failures are joined and successful deletions stay.
func DeleteAllChats(ctx context.Context, chats ChatStore, messages MessageStore, userID string) error {
	list, err := chats.ListChats(ctx, userID)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	errs := make([]error, len(list))
	var wg sync.WaitGroup
	for i, c := range list {
		wg.Add(1)
		go func(i int, chatID string) {
			defer wg.Done()
			errs[i] = DeleteChatCascade(ctx, chats, messages, chatID)
		}(i, c.ID)
	}
	wg.Wait()

	return errors.Join(errs...)
}
