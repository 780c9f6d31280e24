package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	chatsvc "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/entitlement"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
	"github.com/zhouzirui/avatar-chat/backend/internal/store/memory"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   [][]chat.Content
	reply   string
	err     error
	release chan struct{}
	started chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, conversation []chat.Content) (chat.Content, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]chat.Content(nil), conversation...))
	release, started := g.release, g.started
	reply, err := g.reply, g.err
	g.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return chat.Content{}, err
	}
	if reply == "" {
		reply = "hello friend"
	}
	return chat.Content{Role: chat.RoleAssistant, Text: reply}, nil
}

func (g *fakeGenerator) Calls() [][]chat.Content {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]chat.Content(nil), g.calls...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *memory.Store
	gen    *fakeGenerator
	gate   *entitlement.StaticGate
	engine *chatsvc.Engine
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.New(),
		gen:   &fakeGenerator{},
		gate:  entitlement.NewStaticGate(),
		clock: &clock{t: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	engine, err := chatsvc.NewEngine(chatsvc.Dependencies{
		Chats:     f.store,
		Messages:  f.store,
		Reports:   f.store,
		Generator: f.gen,
		Gate:      f.gate,
		Avatars:   avatar.NewMemoryStore(avatar.Seed()),
	}, chatsvc.Config{
		BlockedTerms: []string{"forbidden"},
		Now:          f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewEngine err: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) open(t *testing.T, userID, avatarID string) *chatsvc.Session {
	t.Helper()
	s, err := f.engine.Open(context.Background(), userID, avatarID)
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) seedMessages(t *testing.T, userID, avatarID string, n int) {
	t.Helper()
	ctx := context.Background()
	c := chat.NewChat(userID, avatarID, f.clock.Now())
	if err := f.store.CreateChat(ctx, c); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	for i := 0; i < n; i++ {
		var msg chat.Message
		if i%2 == 0 {
			msg = chat.NewUserMessage(c.ID, userID, "seed", f.clock.Now())
		} else {
			msg = chat.NewAssistantMessage(c.ID, avatarID, "seed reply", f.clock.Now())
		}
		if err := f.store.AppendMessage(ctx, c.ID, msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	if _, err := chatsvc.NewEngine(chatsvc.Dependencies{}, chatsvc.Config{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestOpenWithoutChatIsReadyAndEmpty(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")

	view := s.View()
	if view.State != chatsvc.StateReady {
		t.Fatalf("expected ready, got %s", view.State)
	}
	if view.Chat != nil || view.HasMessages() {
		t.Fatalf("expected no chat and no messages: %+v", view)
	}
	if got := f.store.Calls(memory.OpSubscribe); got != 0 {
		t.Fatalf("expected no subscription without a chat, got %d", got)
	}
	if chats, _ := f.store.ListChats(context.Background(), "U"); len(chats) != 0 {
		t.Fatal("opening a session must not create a chat")
	}
}

func TestOpenExistingChatLoadsFirstSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 2)

	s := f.open(t, "U", "alpha-wolf")
	view := s.View()
	if view.State != chatsvc.StateReady || len(view.Messages) != 2 {
		t.Fatalf("expected ready with 2 messages, got %s with %d", view.State, len(view.Messages))
	}
}

func TestOpenRejectsBlankIdentity(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Open(context.Background(), "", "alpha-wolf"); !errors.Is(err, chatsvc.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, "U", "alpha-wolf")

	result, err := s.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}

	got, _ := f.store.GetChat(ctx, "U", "alpha-wolf")
	if got == nil || got.ID != "U_alpha-wolf" {
		t.Fatalf("expected chat U_alpha-wolf, got %+v", got)
	}

	if result.UserMessage.Content != (chat.Content{Role: chat.RoleUser, Text: "hi"}) {
		t.Fatalf("unexpected user message: %+v", result.UserMessage)
	}
	if len(result.UserMessage.SeenBy) != 1 || result.UserMessage.SeenBy[0] != "U" {
		t.Fatalf("user message must be seen by its author: %v", result.UserMessage.SeenBy)
	}
	if result.AssistantMessage == nil || result.AssistantMessage.Content.Role != chat.RoleAssistant {
		t.Fatalf("expected assistant message, got %+v", result.AssistantMessage)
	}
	if len(result.AssistantMessage.SeenBy) != 0 {
		t.Fatalf("assistant message must start unseen: %v", result.AssistantMessage.SeenBy)
	}

	calls := f.gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one generation call, got %d", len(calls))
	}
	conv := calls[0]
	if len(conv) != 2 || conv[0].Role != chat.RoleSystem || conv[1] != (chat.Content{Role: chat.RoleUser, Text: "hi"}) {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if !strings.HasPrefix(conv[0].Text, "You are a dog that is eating in the park") {
		t.Fatalf("unexpected system prompt: %q", conv[0].Text)
	}

	chats, _ := f.store.ListChats(ctx, "U")
	if len(chats) != 1 {
		t.Fatalf("expected exactly one chat, got %d", len(chats))
	}
	if !chats[0].LastModifiedAt.Equal(result.AssistantMessage.CreatedAt) {
		t.Fatalf("lastModifiedAt not raised to the reply: %s", chats[0].LastModifiedAt)
	}
	if f.store.Calls(memory.OpAppend) != 2 {
		t.Fatalf("expected two appends, got %d", f.store.Calls(memory.OpAppend))
	}

	waitFor(t, "both messages in view", func() bool { return len(s.View().Messages) == 2 })
	if s.State() != chatsvc.StateReady {
		t.Fatalf("expected ready after send, got %s", s.State())
	}
}

func TestSendWithoutDescriptionOmitsSystemPrompt(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "mystery-guest")

	if _, err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	conv := f.gen.Calls()[0]
	if len(conv) != 1 || conv[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", conv)
	}
}

func TestSecondSendIncludesHistoryAndKeepsSingleChat(t *testing.T) {
	f := newFixture(t)
	f.gate.SetUnlimited("U", true)
	s := f.open(t, "U", "alpha-wolf")
	ctx := context.Background()

	if _, err := s.Send(ctx, "first"); err != nil {
		t.Fatalf("first Send err: %v", err)
	}
	if _, err := s.Send(ctx, "second"); err != nil {
		t.Fatalf("second Send err: %v", err)
	}

	conv := f.gen.Calls()[1]
	texts := make([]string, 0, len(conv))
	for _, c := range conv[1:] {
		texts = append(texts, c.Text)
	}
	if strings.Join(texts, "|") != "first|hello friend|second" {
		t.Fatalf("unexpected history: %v", texts)
	}
	if f.store.Calls(memory.OpCreateChat) != 1 {
		t.Fatalf("chat must be created once, got %d", f.store.Calls(memory.OpCreateChat))
	}
}

func TestSendValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")

	cases := []string{"", "   \n ", strings.Repeat("a", chatsvc.DefaultMaxMessageLength+1), "this is Forbidden talk", "bell\a"}
	for _, text := range cases {
		_, err := s.Send(context.Background(), text)
		var vErr *chatsvc.ValidationError
		if !errors.As(err, &vErr) || !errors.Is(err, chatsvc.ErrValidation) {
			t.Fatalf("text %q: expected validation error, got %v", text, err)
		}
		if vErr.Message == "" {
			t.Fatalf("text %q: expected descriptive message", text)
		}
	}

	if f.store.Calls(memory.OpCreateChat) != 0 || f.store.Calls(memory.OpAppend) != 0 {
		t.Fatal("validation failures must not touch the store")
	}
	if len(f.gen.Calls()) != 0 {
		t.Fatal("validation failures must not call the generator")
	}
}

func TestQuotaGateBlocksFreeUserAtCeiling(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 3)
	s := f.open(t, "U", "alpha-wolf")
	appendsBefore := f.store.Calls(memory.OpAppend)

	_, err := s.Send(context.Background(), "one more")
	if !errors.Is(err, chatsvc.ErrRequiresUpgrade) {
		t.Fatalf("expected ErrRequiresUpgrade, got %v", err)
	}
	if f.store.Calls(memory.OpAppend) != appendsBefore {
		t.Fatal("quota rejection must not append")
	}
	if len(f.gen.Calls()) != 0 {
		t.Fatal("quota rejection must not call the generator")
	}
}

func TestQuotaReadAtSendTime(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 3)
	s := f.open(t, "U", "alpha-wolf")

	if _, err := s.Send(context.Background(), "blocked"); !errors.Is(err, chatsvc.ErrRequiresUpgrade) {
		t.Fatalf("expected ErrRequiresUpgrade, got %v", err)
	}

	f.gate.SetUnlimited("U", true)
	if _, err := s.Send(context.Background(), "after upgrade"); err != nil {
		t.Fatalf("expected upgrade to apply on next send, got %v", err)
	}
}

func TestQuotaAllowsSendBelowCeiling(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 2)
	s := f.open(t, "U", "alpha-wolf")

	if _, err := s.Send(context.Background(), "still free"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if _, err := s.Send(context.Background(), "now blocked"); !errors.Is(err, chatsvc.ErrRequiresUpgrade) {
		t.Fatalf("expected ErrRequiresUpgrade, got %v", err)
	}
}

func TestGenerationFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("backend unreachable")
	f.gen.err = boom
	s := f.open(t, "U", "alpha-wolf")

	result, err := s.Send(context.Background(), "hi")
	if !errors.Is(err, chatsvc.ErrGeneration) || !errors.Is(err, boom) {
		t.Fatalf("expected generation error, got %v", err)
	}
	var sendErr *chatsvc.SendError
	if !errors.As(err, &sendErr) || sendErr.Step != chatsvc.StepGenerate {
		t.Fatalf("expected SendError at generate, got %v", err)
	}
	if result.UserMessage.ID == "" || result.AssistantMessage != nil {
		t.Fatalf("unexpected partial result: %+v", result)
	}

	msgs, _ := f.store.ListMessages(context.Background(), "U_alpha-wolf")
	if len(msgs) != 1 || msgs[0].Content.Role != chat.RoleUser {
		t.Fatalf("expected exactly the user message, got %+v", msgs)
	}
	if s.State() != chatsvc.StateReady {
		t.Fatalf("expected ready after failed generation, got %s", s.State())
	}
}

func TestAppendFailureSkipsGeneration(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("permission denied")
	f.store.FailAlways(memory.OpAppend, boom)
	s := f.open(t, "U", "alpha-wolf")

	_, err := s.Send(context.Background(), "hi")
	var sendErr *chatsvc.SendError
	if !errors.As(err, &sendErr) || sendErr.Step != chatsvc.StepAppendUserMessage || !errors.Is(err, boom) {
		t.Fatalf("expected SendError at append_user_message, got %v", err)
	}
	if len(f.gen.Calls()) != 0 {
		t.Fatal("generator must not run when the user message was not stored")
	}
}

func TestCreateChatFailureAbortsSend(t *testing.T) {
	f := newFixture(t)
	f.store.FailAlways(memory.OpCreateChat, errors.New("unavailable"))
	s := f.open(t, "U", "alpha-wolf")

	_, err := s.Send(context.Background(), "hi")
	var sendErr *chatsvc.SendError
	if !errors.As(err, &sendErr) || sendErr.Step != chatsvc.StepCreateChat {
		t.Fatalf("expected SendError at create_chat, got %v", err)
	}
	if f.store.Calls(memory.OpAppend) != 0 {
		t.Fatal("no message may be appended without a chat")
	}
}

func TestAssistantAppendFailureIsReported(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")

	appends := 0
	f.store.InjectFault(memory.OpAppend, func(string) error {
		appends++
		if appends == 2 {
			return errors.New("write failed")
		}
		return nil
	})

	_, err := s.Send(context.Background(), "hi")
	var sendErr *chatsvc.SendError
	if !errors.As(err, &sendErr) || sendErr.Step != chatsvc.StepAppendAssistantMessage {
		t.Fatalf("expected SendError at append_assistant_message, got %v", err)
	}
	if errors.Is(err, chatsvc.ErrGeneration) {
		t.Fatal("a store failure is not a generation failure")
	}
}

func TestConcurrentSendRejected(t *testing.T) {
	f := newFixture(t)
	f.gen.release = make(chan struct{})
	f.gen.started = make(chan struct{})
	s := f.open(t, "U", "alpha-wolf")

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first")
		done <- err
	}()

	<-f.gen.started
	if s.State() != chatsvc.StateGenerating {
		t.Fatalf("expected generating while backend call is outstanding, got %s", s.State())
	}
	if _, err := s.Send(context.Background(), "second"); !errors.Is(err, chatsvc.ErrSendInProgress) {
		t.Fatalf("expected ErrSendInProgress, got %v", err)
	}

	close(f.gen.release)
	if err := <-done; err != nil {
		t.Fatalf("first Send err: %v", err)
	}
	if s.State() != chatsvc.StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}
}

func TestConcurrentSendAcrossSessionsRejected(t *testing.T) {
	f := newFixture(t)
	f.gen.release = make(chan struct{})
	f.gen.started = make(chan struct{})
	first := f.open(t, "U", "alpha-wolf")
	second := f.open(t, "U", "alpha-wolf")

	done := make(chan error, 1)
	go func() {
		_, err := first.Send(context.Background(), "first")
		done <- err
	}()

	<-f.gen.started
	if _, err := second.Send(context.Background(), "second"); !errors.Is(err, chatsvc.ErrSendInProgress) {
		t.Fatalf("expected ErrSendInProgress from a second session, got %v", err)
	}

	close(f.gen.release)
	if err := <-done; err != nil {
		t.Fatalf("first Send err: %v", err)
	}
	msgs, _ := f.store.ListMessages(context.Background(), "U_alpha-wolf")
	if len(msgs) != 2 {
		t.Fatalf("expected only the first exchange to be stored, got %d messages", len(msgs))
	}
}

func TestSnapshotReadsWithoutSubscribing(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 2)

	view, err := f.engine.Snapshot(context.Background(), "U", "alpha-wolf")
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if view.State != chatsvc.StateReady || len(view.Messages) != 2 || view.Chat == nil {
		t.Fatalf("unexpected view %+v", view)
	}

	empty, err := f.engine.Snapshot(context.Background(), "U", "sunny-sloth")
	if err != nil {
		t.Fatalf("Snapshot without chat err: %v", err)
	}
	if empty.HasMessages() || empty.Chat != nil || empty.State != chatsvc.StateReady {
		t.Fatalf("unexpected empty view %+v", empty)
	}

	if got := f.store.Calls(memory.OpSubscribe); got != 0 {
		t.Fatalf("expected no subscriptions, got %d", got)
	}
	if _, err := f.engine.Snapshot(context.Background(), "", "alpha-wolf"); !errors.Is(err, chatsvc.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendRecreatesChatDeletedElsewhere(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 1)
	s := f.open(t, "U", "alpha-wolf")

	if err := f.engine.DeleteChat(context.Background(), "U", "alpha-wolf"); err != nil {
		t.Fatalf("DeleteChat err: %v", err)
	}

	if _, err := s.Send(context.Background(), "still there?"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if c, _ := f.store.GetChat(context.Background(), "U", "alpha-wolf"); c == nil {
		t.Fatal("expected the chat to be recreated")
	}
	msgs, _ := f.store.ListMessages(context.Background(), "U_alpha-wolf")
	if len(msgs) != 2 || msgs[0].Content.Text != "still there?" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestReplyToDeletedChatIsDropped(t *testing.T) {
	f := newFixture(t)
	f.gen.release = make(chan struct{})
	f.gen.started = make(chan struct{})
	s := f.open(t, "U", "alpha-wolf")

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello")
		done <- err
	}()

	<-f.gen.started
	if err := f.engine.DeleteChat(context.Background(), "U", "alpha-wolf"); err != nil {
		t.Fatalf("DeleteChat err: %v", err)
	}
	close(f.gen.release)

	err := <-done
	var sendErr *chatsvc.SendError
	if !errors.As(err, &sendErr) || sendErr.Step != chatsvc.StepAppendAssistantMessage || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected assistant append to fail with ErrNotFound, got %v", err)
	}
	if msgs, _ := f.store.ListMessages(context.Background(), "U_alpha-wolf"); len(msgs) != 0 {
		t.Fatalf("expected no orphan messages, got %d", len(msgs))
	}
	if c, _ := f.store.GetChat(context.Background(), "U", "alpha-wolf"); c != nil {
		t.Fatal("deleted chat must not come back")
	}
}

func TestSessionReceivesSnapshotsFromOtherWriters(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 1)
	s := f.open(t, "U", "alpha-wolf")

	late := chat.NewAssistantMessage("U_alpha-wolf", "alpha-wolf", "late", f.clock.Now())
	early := chat.NewAssistantMessage("U_alpha-wolf", "alpha-wolf", "early", late.CreatedAt.Add(-time.Millisecond))
	_ = f.store.AppendMessage(context.Background(), "U_alpha-wolf", late)
	_ = f.store.AppendMessage(context.Background(), "U_alpha-wolf", early)

	var view chatsvc.View
	waitFor(t, "three messages", func() bool {
		view = s.View()
		return len(view.Messages) == 3
	})
	if view.Messages[1].Content.Text != "early" || view.Messages[2].Content.Text != "late" {
		t.Fatalf("view not ordered by createdAt: %+v", view.Messages)
	}
}

func TestUpdatesDeliverLatestView(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")

	if _, err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case view := <-s.Updates():
			if len(view.Messages) == 2 && view.State == chatsvc.StateReady {
				return
			}
		case <-deadline:
			t.Fatal("no view with both messages delivered")
		}
	}
}

func TestSubscriptionErrorSurfacesInView(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 1)
	s := f.open(t, "U", "alpha-wolf")

	f.store.BreakSubscriptions("U_alpha-wolf", errors.New("transport dropped"))

	waitFor(t, "stream error", func() bool { return s.View().StreamError != "" })
	if subs := f.store.Calls(memory.OpSubscribe); subs != 1 {
		t.Fatalf("engine must not reconnect on its own, got %d subscribe calls", subs)
	}
}

func TestOpenFailsWhenSubscribeFails(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 1)
	f.store.FailAlways(memory.OpSubscribe, errors.New("listen failed"))

	if _, err := f.engine.Open(context.Background(), "U", "alpha-wolf"); err == nil {
		t.Fatal("expected subscribe failure to fail Open")
	}
}

func TestMarkVisibleSkipsOwnAndSeenMessages(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")
	result, err := s.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}

	if dispatched, err := s.MarkVisible(result.UserMessage.ID); err != nil || dispatched {
		t.Fatalf("own message must be skipped: %v, %v", dispatched, err)
	}

	replyID := result.AssistantMessage.ID
	dispatched, err := s.MarkVisible(replyID)
	if err != nil || !dispatched {
		t.Fatalf("expected mark seen dispatch: %v, %v", dispatched, err)
	}

	waitFor(t, "seen reply", func() bool {
		for _, m := range s.View().Messages {
			if m.ID == replyID && m.HasBeenSeenBy("U") {
				return true
			}
		}
		return false
	})
	if again, _ := s.MarkVisible(replyID); again {
		t.Fatal("already seen message must be skipped")
	}
	if calls := f.store.Calls(memory.OpMarkSeen); calls != 1 {
		t.Fatalf("expected one MarkSeen call, got %d", calls)
	}

	if _, err := s.MarkVisible("unknown"); !errors.Is(err, chatsvc.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMarkVisibleRecordsFailureWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 2)
	f.store.FailAlways(memory.OpMarkSeen, errors.New("offline"))

	s, err := f.engine.Open(context.Background(), "U", "alpha-wolf")
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	reply := s.View().Messages[1]
	if dispatched, _ := s.MarkVisible(reply.ID); !dispatched {
		t.Fatal("expected dispatch")
	}
	s.Close()

	failures := s.SeenFailures()
	if len(failures) != 1 || failures[0].MessageID != reply.ID {
		t.Fatalf("expected one recorded failure, got %+v", failures)
	}
	if calls := f.store.Calls(memory.OpMarkSeen); calls != 1 {
		t.Fatalf("failures must not be retried, got %d calls", calls)
	}
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")

	report, err := s.Report(context.Background(), "inappropriate")
	if err != nil {
		t.Fatalf("Report err: %v", err)
	}
	saved := f.store.Reports()
	if len(saved) != 1 || saved[0].ID != report.ID || saved[0].ChatID != "U_alpha-wolf" || saved[0].UserID != "U" {
		t.Fatalf("unexpected saved reports: %+v", saved)
	}

	f.store.FailAlways(memory.OpSaveReport, errors.New("db down"))
	if _, err := s.Report(context.Background(), ""); !errors.Is(err, chatsvc.ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}
}

func TestDeleteRemovesChatAndResetsSession(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "U", "alpha-wolf")
	if _, err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	if err := s.Delete(context.Background()); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if got, _ := f.store.GetChat(context.Background(), "U", "alpha-wolf"); got != nil {
		t.Fatal("expected chat deleted")
	}
	if msgs, _ := f.store.ListMessages(context.Background(), "U_alpha-wolf"); len(msgs) != 0 {
		t.Fatal("expected messages deleted")
	}
	if view := s.View(); view.Chat != nil || view.HasMessages() {
		t.Fatalf("expected empty view after delete: %+v", view)
	}

	if _, err := s.Send(context.Background(), "again"); err != nil {
		t.Fatalf("Send after delete err: %v", err)
	}
	if f.store.Calls(memory.OpCreateChat) != 2 {
		t.Fatal("expected the chat to be recreated")
	}
}

func TestDeleteAllChatsAttemptsEveryChat(t *testing.T) {
	f := newFixture(t)
	for _, a := range []string{"alpha-wolf", "sunny-sloth", "captain-nova"} {
		f.seedMessages(t, "U", a, 1)
	}
	boom := errors.New("delete failed")
	f.store.InjectFault(memory.OpDeleteMessage, func(chatID string) error {
		if chatID == "U_sunny-sloth" {
			return boom
		}
		return nil
	})

	err := f.engine.DeleteAllChats(context.Background(), "U")
	if !errors.Is(err, boom) {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	chats, _ := f.store.ListChats(context.Background(), "U")
	if len(chats) != 1 || chats[0].AvatarID != "sunny-sloth" {
		t.Fatalf("expected only the failing chat to remain, got %+v", chats)
	}
}

func TestListChatsOrdersByActivityWithUnseenFlag(t *testing.T) {
	f := newFixture(t)
	f.seedMessages(t, "U", "alpha-wolf", 2)  // ends with an assistant message
	f.seedMessages(t, "U", "sunny-sloth", 1) // ends with the user's own message

	previews, err := f.engine.ListChats(context.Background(), "U")
	if err != nil {
		t.Fatalf("ListChats err: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}
	if previews[0].Chat.AvatarID != "sunny-sloth" {
		t.Fatalf("expected most recent chat first, got %s", previews[0].Chat.AvatarID)
	}
	if previews[0].Unseen {
		t.Fatal("own last message is not unseen")
	}
	if !previews[1].Unseen {
		t.Fatal("unseen assistant reply must be flagged")
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	f := newFixture(t)
	s, err := f.engine.Open(context.Background(), "U", "alpha-wolf")
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	s.Close()
	s.Close()

	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, chatsvc.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok := <-s.Updates(); ok {
		// drain the last buffered view, then the channel must be closed
		if _, ok := <-s.Updates(); ok {
			t.Fatal("expected updates channel closed")
		}
	}
}
