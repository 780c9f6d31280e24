package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/ai"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

// State is the lifecycle state of a session.
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
)

// View is what a listener renders: the latest snapshot plus session state.
type View struct {
	ChatID      string           `json:"chatId"`
	Chat        *chat.Chat       `json:"chat,omitempty"`
	State       State            `json:"state"`
	Messages    []DisplayMessage `json:"messages"`
	StreamError string           `json:"streamError,omitempty"`
}

// HasMessages distinguishes Ready(hasMessages) from Ready(noMessages).
func (v View) HasMessages() bool { return len(v.Messages) > 0 }

// SendResult holds the messages a send appended.
type SendResult struct {
	UserMessage      chat.Message  `json:"userMessage"`
	AssistantMessage *chat.Message `json:"assistantMessage,omitempty"`
}

// SeenFailure records a mark-seen call that failed. Failures are not retried.
type SeenFailure struct {
	MessageID string
	Err       error
	At        time.Time
}

// Session is one open chat between a user and an avatar.
type Session struct {
	engine      *Engine
	userID      string
	avatarID    string
	chatID      string
	description string
	// baseCtx outlives the Open request; background work derives from it.
	baseCtx context.Context

	mu           sync.Mutex
	state        State
	chat         *chat.Chat
	messages     []chat.Message
	pending      []chat.Message
	streamErr    error
	closed       bool
	subCancel    context.CancelFunc
	subGen       int
	seenInFlight map[string]struct{}
	seenFailures []SeenFailure
	updates      chan View

	subWG     sync.WaitGroup
	seenWG    sync.WaitGroup
	closeOnce sync.Once
}

func newSession(ctx context.Context, e *Engine, userID, avatarID string) *Session {
	return &Session{
		engine:       e,
		userID:       userID,
		avatarID:     avatarID,
		chatID:       chat.ChatID(userID, avatarID),
		baseCtx:      context.WithoutCancel(ctx),
		state:        StateLoading,
		seenInFlight: make(map[string]struct{}),
		updates:      make(chan View, 1),
	}
}

func (s *Session) UserID() string   { return s.userID }
func (s *Session) AvatarID() string { return s.avatarID }
func (s *Session) ChatID() string   { return s.chatID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Updates delivers a View after every change. Only the latest unread view is
// kept. The channel closes when the session is closed.
func (s *Session) Updates() <-chan View {
	return s.updates
}

// SeenFailures returns the mark-seen calls that failed so far.
func (s *Session) SeenFailures() []SeenFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.seenFailures)
}

// Send validates text, enforces the free-tier quota, persists the user
// message, generates the reply and persists it.
//
// A generation failure leaves the user message in place and returns a
// *SendError wrapping ErrGeneration together with the partial result.
func (s *Session) Send(ctx context.Context, text string) (SendResult, error) {
	e := s.engine
	if !e.sends.tryLock(s.chatID) {
		return SendResult{}, ErrSendInProgress
	}
	defer e.sends.unlock(s.chatID)

	if s.isClosed() {
		return SendResult{}, ErrSessionClosed
	}

	text, err := e.validator.Validate(text)
	if err != nil {
		return SendResult{}, err
	}

	unlimited, err := e.deps.Gate.IsUnlimited(ctx, s.userID)
	if err != nil {
		log.Printf("[chat] entitlement check user=%s failed, applying free tier: %v", s.userID, err)
		unlimited = false
	}

	s.mu.Lock()
	count := len(s.conversationLocked())
	hasChat := s.chat != nil
	s.mu.Unlock()

	if !unlimited && count >= e.cfg.FreeMessageLimit {
		log.Printf("[chat] quota reached user=%s chat=%s count=%d", s.userID, s.chatID, count)
		return SendResult{}, ErrRequiresUpgrade
	}

	now := e.cfg.Now()
	if !hasChat {
		if err := s.createChat(ctx, now); err != nil {
			return SendResult{}, err
		}
	}

	userMsg := chat.NewUserMessage(s.chatID, s.userID, text, now)
	err = e.deps.Messages.AppendMessage(ctx, s.chatID, userMsg)
	if errors.Is(err, store.ErrNotFound) && hasChat {
		// Deleted from another session since it was loaded.
		log.Printf("[chat] chat=%s vanished, recreating", s.chatID)
		if err := s.createChat(ctx, now); err != nil {
			return SendResult{}, err
		}
		err = e.deps.Messages.AppendMessage(ctx, s.chatID, userMsg)
	}
	if err != nil {
		return SendResult{}, &SendError{Step: StepAppendUserMessage, Err: err}
	}
	result := SendResult{UserMessage: userMsg}

	s.mu.Lock()
	s.pending = append(s.pending, userMsg)
	s.touchLocked(userMsg.CreatedAt)
	conversation := s.conversationLocked()
	s.state = StateGenerating
	s.publishLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateGenerating {
			s.state = StateReady
		}
		s.publishLocked()
		s.mu.Unlock()
	}()

	reply, err := e.deps.Generator.Generate(ctx, ai.BuildConversation(s.description, conversation))
	if err != nil {
		log.Printf("[chat] generation chat=%s failed: %v", s.chatID, err)
		return result, &SendError{Step: StepGenerate, Err: fmt.Errorf("%w: %w", ErrGeneration, err)}
	}

	assistantMsg := chat.NewAssistantMessage(s.chatID, s.avatarID, reply.Text, e.cfg.Now())
	if err := e.deps.Messages.AppendMessage(ctx, s.chatID, assistantMsg); err != nil {
		return result, &SendError{Step: StepAppendAssistantMessage, Err: err}
	}
	result.AssistantMessage = &assistantMsg

	s.mu.Lock()
	s.pending = append(s.pending, assistantMsg)
	s.touchLocked(assistantMsg.CreatedAt)
	s.mu.Unlock()

	return result, nil
}

func (s *Session) createChat(ctx context.Context, now time.Time) error {
	created := chat.NewChat(s.userID, s.avatarID, now)
	if err := s.engine.deps.Chats.CreateChat(ctx, created); err != nil {
		return &SendError{Step: StepCreateChat, Err: err}
	}
	s.setChat(&created)
	if err := s.subscribe(ctx); err != nil {
		log.Printf("[chat] subscribe after create chat=%s failed: %v", s.chatID, err)
	}
	return nil
}

// MarkVisible records that the session's user has seen messageID. The store
// call runs in the background; the result reports whether one was dispatched.
func (s *Session) MarkVisible(messageID string) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}

	msg, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return false, ErrMessageNotFound
	}
	if msg.AuthorID == s.userID || msg.HasBeenSeenBy(s.userID) {
		s.mu.Unlock()
		return false, nil
	}
	if _, busy := s.seenInFlight[messageID]; busy {
		s.mu.Unlock()
		return false, nil
	}
	s.seenInFlight[messageID] = struct{}{}
	s.seenWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.seenWG.Done()
		err := s.engine.deps.Messages.MarkSeen(s.baseCtx, s.chatID, messageID, s.userID)

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.seenInFlight, messageID)
		if err != nil {
			log.Printf("[chat] mark seen chat=%s message=%s failed: %v", s.chatID, messageID, err)
			s.seenFailures = append(s.seenFailures, SeenFailure{MessageID: messageID, Err: err, At: s.engine.cfg.Now()})
		}
	}()
	return true, nil
}

// Report files a moderation report for this chat.
func (s *Session) Report(ctx context.Context, reason string) (chat.Report, error) {
	return s.engine.ReportChat(ctx, s.userID, s.avatarID, reason)
}

// Delete removes the chat and its messages. The session stays usable and a
// later send starts a fresh chat.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.engine.DeleteChat(ctx, s.userID, s.avatarID); err != nil {
		return err
	}

	s.stopSubscription()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = nil
	s.messages = nil
	s.pending = nil
	s.streamErr = nil
	s.publishLocked()
	return nil
}

// Close stops the subscription and waits for background work. An in-flight
// Send is not cancelled.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = StateUnloaded
		s.subGen++
		cancel := s.subCancel
		s.subCancel = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.subWG.Wait()
		s.seenWG.Wait()

		s.mu.Lock()
		close(s.updates)
		s.mu.Unlock()
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLoading || s.state == StateUnloaded {
		s.state = StateReady
	}
	s.publishLocked()
}

func (s *Session) setChat(c *chat.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.chat = &copied
}

func (s *Session) touchLocked(ts time.Time) {
	if s.chat != nil {
		s.chat.Touch(ts)
	}
}

// subscribe opens the message subscription and waits for the first snapshot.
func (s *Session) subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.subCancel != nil {
		s.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(s.baseCtx)
	s.subCancel = cancel
	s.subGen++
	gen := s.subGen
	s.streamErr = nil
	s.subWG.Add(1)
	s.mu.Unlock()

	snapshots, errs := s.engine.deps.Messages.Subscribe(subCtx, s.chatID)
	first := make(chan error, 1)
	go s.consume(gen, snapshots, errs, first)

	select {
	case err := <-first:
		if err != nil {
			s.stopSubscription()
		}
		return err
	case <-ctx.Done():
		s.stopSubscription()
		return ctx.Err()
	}
}

func (s *Session) stopSubscription() {
	s.mu.Lock()
	cancel := s.subCancel
	s.subCancel = nil
	s.subGen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Session) consume(gen int, snapshots <-chan []chat.Message, errs <-chan error, first chan<- error) {
	defer s.subWG.Done()

	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			first <- err
		}
	}

	for snapshots != nil || errs != nil {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			s.applySnapshot(gen, snapshot)
			signal(nil)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.failStream(gen, err)
			signal(err)
			return
		}
	}
	signal(context.Canceled)
}

func (s *Session) applySnapshot(gen int, snapshot []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.subGen {
		return
	}

	ordered := slices.Clone(snapshot)
	chat.SortMessages(ordered)
	s.messages = ordered
	s.pending = slices.DeleteFunc(s.pending, func(m chat.Message) bool {
		return containsMessage(ordered, m.ID)
	})
	if s.state == StateLoading || s.state == StateUnloaded {
		s.state = StateReady
	}
	s.publishLocked()
}

func (s *Session) failStream(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.subGen {
		return
	}

	log.Printf("[chat] subscription chat=%s terminated: %v", s.chatID, err)
	s.streamErr = err
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	if s.state == StateLoading {
		s.state = StateReady
	}
	s.publishLocked()
}

// conversationLocked merges the snapshot with this session's appends that
// the subscription has not echoed yet.
func (s *Session) conversationLocked() []chat.Message {
	merged := slices.Clone(s.messages)
	for _, m := range s.pending {
		if !containsMessage(merged, m.ID) {
			merged = append(merged, m)
		}
	}
	chat.SortMessages(merged)
	return merged
}

func (s *Session) findLocked(messageID string) (chat.Message, bool) {
	for _, list := range [][]chat.Message{s.messages, s.pending} {
		for _, m := range list {
			if m.ID == messageID {
				return m, true
			}
		}
	}
	return chat.Message{}, false
}

func (s *Session) viewLocked() View {
	v := View{
		ChatID:   s.chatID,
		State:    s.state,
		Messages: MarkDelayed(s.messages, s.engine.cfg.DelayThreshold),
	}
	if s.chat != nil {
		c := *s.chat
		v.Chat = &c
	}
	if s.streamErr != nil {
		v.StreamError = s.streamErr.Error()
	}
	return v
}

// publishLocked replaces any unread view with the current one.
func (s *Session) publishLocked() {
	if s.closed {
		return
	}
	v := s.viewLocked()
	select {
	case s.updates <- v:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- v
	}
}

func containsMessage(list []chat.Message, id string) bool {
	return slices.ContainsFunc(list, func(m chat.Message) bool { return m.ID == id })
}
