package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/ai"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/entitlement"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

const (
	DefaultFreeMessageLimit = 3
	DefaultDelayThreshold   = 45 * time.Minute
)

// Dependencies are the collaborators the engine composes.
type Dependencies struct {
	Chats     store.ChatStore
	Messages  store.MessageStore
	Reports   store.ReportStore
	Generator ai.Generator
	Gate      entitlement.Gate
	Avatars   avatar.Directory
}

// Config tunes quota, timestamp grouping and validation.
type Config struct {
	FreeMessageLimit int
	DelayThreshold   time.Duration
	MaxMessageLength int
	BlockedTerms     []string
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Engine creates chat sessions and runs chat-level operations that do not
// need an open session.
type Engine struct {
	deps      Dependencies
	cfg       Config
	validator *TextValidator
	sends     *chatLocks
}

// chatLocks admits one send per chat across every session of an Engine.
type chatLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *chatLocks) tryLock(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[chatID]; busy {
		return false
	}
	l.held[chatID] = struct{}{}
	return true
}

func (l *chatLocks) unlock(chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, chatID)
}

// NewEngine validates deps and fills config defaults.
func NewEngine(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Chats == nil:
		return nil, errors.New("chat store is required")
	case deps.Messages == nil:
		return nil, errors.New("message store is required")
	case deps.Reports == nil:
		return nil, errors.New("report store is required")
	case deps.Generator == nil:
		return nil, errors.New("generator is required")
	case deps.Gate == nil:
		return nil, errors.New("entitlement gate is required")
	case deps.Avatars == nil:
		return nil, errors.New("avatar directory is required")
	}

	if cfg.FreeMessageLimit <= 0 {
		cfg.FreeMessageLimit = DefaultFreeMessageLimit
	}
	if cfg.DelayThreshold <= 0 {
		cfg.DelayThreshold = DefaultDelayThreshold
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		deps:      deps,
		cfg:       cfg,
		validator: NewTextValidator(cfg.MaxMessageLength, cfg.BlockedTerms),
		sends:     &chatLocks{held: make(map[string]struct{})},
	}, nil
}

// Open loads the chat for (userID, avatarID) and, when it exists, subscribes
// to its messages. Open returns once the first snapshot has been applied so
// the caller sees Ready with or without messages.
func (e *Engine) Open(ctx context.Context, userID, avatarID string) (*Session, error) {
	if err := (sessionKey{UserID: userID, AvatarID: avatarID}).validate(); err != nil {
		return nil, err
	}

	s := newSession(ctx, e, userID, avatarID)

	description, _ := e.deps.Avatars.Describe(avatarID)
	s.description = description

	existing, err := e.deps.Chats.GetChat(ctx, userID, avatarID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", s.chatID, err)
	}

	if existing == nil {
		s.markReady()
		return s, nil
	}

	s.setChat(existing)
	if err := s.subscribe(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe chat %s: %w", s.chatID, err)
	}
	return s, nil
}

// Snapshot reads the chat once, without opening a session or subscribing.
func (e *Engine) Snapshot(ctx context.Context, userID, avatarID string) (View, error) {
	if err := (sessionKey{UserID: userID, AvatarID: avatarID}).validate(); err != nil {
		return View{}, err
	}

	chatID := chat.ChatID(userID, avatarID)
	view := View{ChatID: chatID, State: StateReady, Messages: []DisplayMessage{}}

	existing, err := e.deps.Chats.GetChat(ctx, userID, avatarID)
	if err != nil {
		return View{}, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	if existing == nil {
		return view, nil
	}

	messages, err := e.deps.Messages.ListMessages(ctx, chatID)
	if err != nil {
		return View{}, fmt.Errorf("load messages of %s: %w", chatID, err)
	}
	chat.SortMessages(messages)

	view.Chat = existing
	view.Messages = MarkDelayed(messages, e.cfg.DelayThreshold)
	return view, nil
}

// ReportChat files a moderation report. Any failure collapses to ErrTryAgain.
func (e *Engine) ReportChat(ctx context.Context, userID, avatarID, reason string) (chat.Report, error) {
	if err := (sessionKey{UserID: userID, AvatarID: avatarID}).validate(); err != nil {
		return chat.Report{}, err
	}

	report := chat.Report{
		ID:        uuid.NewString(),
		ChatID:    chat.ChatID(userID, avatarID),
		UserID:    userID,
		AvatarID:  avatarID,
		Reason:    reason,
		CreatedAt: e.cfg.Now(),
	}
	if err := e.deps.Reports.SaveReport(ctx, report); err != nil {
		log.Printf("[chat] report chat=%s failed: %v", report.ChatID, err)
		return chat.Report{}, ErrTryAgain
	}

	log.Printf("[chat] report filed id=%s chat=%s", report.ID, report.ChatID)
	return report, nil
}

// DeleteChat removes the chat and all of its messages.
func (e *Engine) DeleteChat(ctx context.Context, userID, avatarID string) error {
	if err := (sessionKey{UserID: userID, AvatarID: avatarID}).validate(); err != nil {
		return err
	}
	return store.DeleteChatCascade(ctx, e.deps.Chats, e.deps.Messages, chat.ChatID(userID, avatarID))
}

// DeleteAllChats removes every chat of userID. Every chat is attempted and
// failures are joined.
func (e *Engine) DeleteAllChats(ctx context.Context, userID string) error {
	if userID == "" {
		return &ValidationError{Message: "userId: cannot be blank."}
	}
	err := store.DeleteAllChats(ctx, e.deps.Chats, e.deps.Messages, userID)
	if err != nil {
		log.Printf("[chat] delete all chats user=%s finished with errors: %v", userID, err)
	}
	return err
}

// Preview summarises a chat for the chat list.
type Preview struct {
	Chat        chat.Chat     `json:"chat"`
	LastMessage *chat.Message `json:"lastMessage,omitempty"`
	// Unseen is true when the last message has not been seen by the user.
	Unseen bool `json:"unseen"`
}

// ListChats returns previews ordered by most recent activity.
func (e *Engine) ListChats(ctx context.Context, userID string) ([]Preview, error) {
	if userID == "" {
		return nil, &ValidationError{Message: "userId: cannot be blank."}
	}

	chats, err := e.deps.Chats.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	slices.SortFunc(chats, func(a, b chat.Chat) int {
		if c := b.LastModifiedAt.Compare(a.LastModifiedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	previews := make([]Preview, 0, len(chats))
	for _, c := range chats {
		last, err := e.deps.Messages.GetLastMessage(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("load preview of %s: %w", c.ID, err)
		}
		previews = append(previews, Preview{
			Chat:        c,
			LastMessage: last,
			Unseen:      last != nil && !last.HasBeenSeenBy(userID),
		})
	}
	return previews, nil
}
