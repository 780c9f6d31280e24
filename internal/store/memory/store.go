// Package memory provides an in-process implementation of the chat stores.
// It backs local development and doubles as a failure-injectable test store.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

// Op names a store operation for fault injection and call counting.
type Op string

const (
	OpCreateChat    Op = "create_chat"
	OpGetChat       Op = "get_chat"
	OpListChats     Op = "list_chats"
	OpTouch         Op = "touch_last_modified"
	OpDeleteChat    Op = "delete_chat"
	OpAppend        Op = "append_message"
	OpMarkSeen      Op = "mark_seen"
	OpSubscribe     Op = "subscribe"
	OpGetLast       Op = "get_last_message"
	OpListMessages  Op = "list_messages"
	OpDeleteMessage Op = "delete_all_messages"
	OpSaveReport    Op = "save_report"
)

// FaultFunc decides whether an operation on key fails. key is the chat id,
// or the user id for user-scoped operations. Returning nil lets the call through.
type FaultFunc func(key string) error

type listener struct {
	snapshots chan []chat.Message
	errs      chan error
	done      chan struct{}
}

// Store keeps chats, messages and reports in memory.
type Store struct {
	mu        sync.Mutex
	chats     map[string]chat.Chat
	messages  map[string][]chat.Message
	reports   []chat.Report
	listeners map[string]map[*listener]struct{}
	faults    map[Op]FaultFunc
	calls     map[Op]int
}

var (
	_ store.ChatStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
	_ store.ReportStore  = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		chats:     make(map[string]chat.Chat),
		messages:  make(map[string][]chat.Message),
		listeners: make(map[string]map[*listener]struct{}),
		faults:    make(map[Op]FaultFunc),
		calls:     make(map[Op]int),
	}
}

// Stores exposes the memory store through the backend bundle.
func (s *Store) Stores() store.Stores {
	return store.Stores{Chats: s, Messages: s, Reports: s}
}

// InjectFault makes op consult fn before running. A nil fn clears the fault.
func (s *Store) InjectFault(op Op, fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fn
}

// FailAlways makes every call of op return err.
func (s *Store) FailAlways(op Op, err error) {
	s.InjectFault(op, func(string) error { return err })
}

// Calls reports how many times op was invoked, including failed attempts.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reports returns the saved moderation reports.
func (s *Store) Reports() []chat.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Report(nil), s.reports...)
}

// BreakSubscriptions terminates every live subscription of chatID with err.
func (s *Store) BreakSubscriptions(chatID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners[chatID] {
		l.errs <- err
		s.removeListenerLocked(chatID, l)
	}
}

// enter records a call and evaluates any injected fault. Callers hold s.mu.
func (s *Store) enter(op Op, key string) error {
	s.calls[op]++
	if fn, ok := s.faults[op]; ok {
		return fn(key)
	}
	return nil
}

func (s *Store) CreateChat(_ context.Context, c chat.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateChat, c.ID); err != nil {
		return err
	}

	if existing, ok := s.chats[c.ID]; ok {
		if existing.CreatedAt.Before(c.CreatedAt) || c.CreatedAt.IsZero() {
			c.CreatedAt = existing.CreatedAt
		}
		if existing.LastModifiedAt.After(c.LastModifiedAt) {
			c.LastModifiedAt = existing.LastModifiedAt
		}
	}
	s.chats[c.ID] = c
	return nil
}

func (s *Store) GetChat(_ context.Context, userID, avatarID string) (*chat.Chat, error) {
	id := chat.ChatID(userID, avatarID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetChat, id); err != nil {
		return nil, err
	}

	c, ok := s.chats[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) ListChats(_ context.Context, userID string) ([]chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListChats, userID); err != nil {
		return nil, err
	}

	var out []chat.Chat
	for _, c := range s.chats {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) TouchLastModified(_ context.Context, chatID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpTouch, chatID); err != nil {
		return err
	}
	s.touchLocked(chatID, ts)
	return nil
}

func (s *Store) touchLocked(chatID string, ts time.Time) {
	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	c.Touch(ts)
	s.chats[chatID] = c
}

func (s *Store) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteChat, chatID); err != nil {
		return err
	}
	delete(s.chats, chatID)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, chatID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppend, chatID); err != nil {
		return err
	}
	if _, ok := s.chats[chatID]; !ok {
		return store.ErrNotFound
	}

	msg = msg.Clone()
	msg.ChatID = chatID
	s.messages[chatID] = append(s.messages[chatID], msg)
	s.touchLocked(chatID, msg.CreatedAt)
	s.publishLocked(chatID)
	return nil
}

func (s *Store) MarkSeen(_ context.Context, chatID, messageID, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMarkSeen, chatID); err != nil {
		return err
	}

	msgs := s.messages[chatID]
	idx := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ID == messageID })
	if idx < 0 {
		return store.ErrNotFound
	}

	updated, changed := msgs[idx].WithSeen(viewerID)
	if !changed {
		return nil
	}
	msgs[idx] = updated
	s.publishLocked(chatID)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, chatID string) (<-chan []chat.Message, <-chan error) {
	l := &listener{
		snapshots: make(chan []chat.Message, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if err := s.enter(OpSubscribe, chatID); err != nil {
		s.mu.Unlock()
		l.errs <- err
		close(l.errs)
		close(l.snapshots)
		return l.snapshots, l.errs
	}
	if s.listeners[chatID] == nil {
		s.listeners[chatID] = make(map[*listener]struct{})
	}
	s.listeners[chatID][l] = struct{}{}
	l.snapshots <- s.snapshotLocked(chatID)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.removeListenerLocked(chatID, l)
			s.mu.Unlock()
		case <-l.done:
		}
	}()

	return l.snapshots, l.errs
}

func (s *Store) removeListenerLocked(chatID string, l *listener) {
	set, ok := s.listeners[chatID]
	if !ok {
		return
	}
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(s.listeners, chatID)
	}
	close(l.done)
	close(l.snapshots)
	close(l.errs)
}

// publishLocked pushes the current snapshot to every listener. A listener
// that has not consumed the previous snapshot gets it replaced by the newer one.
func (s *Store) publishLocked(chatID string) {
	set := s.listeners[chatID]
	if len(set) == 0 {
		return
	}
	for l := range set {
		snap := s.snapshotLocked(chatID)
		select {
		case l.snapshots <- snap:
		default:
			select {
			case <-l.snapshots:
			default:
			}
			l.snapshots <- snap
		}
	}
}

func (s *Store) snapshotLocked(chatID string) []chat.Message {
	src := s.messages[chatID]
	out := make([]chat.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	chat.SortMessages(out)
	return out
}

func (s *Store) GetLastMessage(_ context.Context, chatID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetLast, chatID); err != nil {
		return nil, err
	}

	snap := s.snapshotLocked(chatID)
	if len(snap) == 0 {
		return nil, nil
	}
	last := snap[len(snap)-1]
	return &last, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListMessages, chatID); err != nil {
		return nil, err
	}
	return s.snapshotLocked(chatID), nil
}

func (s *Store) DeleteAllMessages(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteMessage, chatID); err != nil {
		return err
	}
	delete(s.messages, chatID)
	s.publishLocked(chatID)
	return nil
}

func (s *Store) SaveReport(_ context.Context, report chat.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSaveReport, report.ChatID); err != nil {
		return err
	}
	s.reports = append(s.reports, report)
	return nil
}
