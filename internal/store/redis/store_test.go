package redis_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
	redisstore "github.com/zhouzirui/avatar-chat/backend/internal/store/redis"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis integration tests")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	prefix := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		_ = rdb.Close()
	})

	return redisstore.New(rdb, prefix)
}

func TestRedisChatIdentityAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 2; i++ {
		if err := s.CreateChat(ctx, chat.NewChat("u1", "a1", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("CreateChat #%d err: %v", i, err)
		}
	}

	msg := chat.NewUserMessage("u1_a1", "u1", "hi", base.Add(2*time.Hour))
	if err := s.AppendMessage(ctx, "u1_a1", msg); err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}
	if err := s.TouchLastModified(ctx, "u1_a1", base); err != nil {
		t.Fatalf("TouchLastModified err: %v", err)
	}

	chats, err := s.ListChats(ctx, "u1")
	if err != nil {
		t.Fatalf("ListChats err: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected one chat, got %d", len(chats))
	}
	if !chats[0].CreatedAt.Equal(base) {
		t.Fatalf("createdAt moved: %s", chats[0].CreatedAt)
	}
	if !chats[0].LastModifiedAt.Equal(msg.CreatedAt) {
		t.Fatalf("unexpected lastModifiedAt: %s", chats[0].LastModifiedAt)
	}
}

func TestRedisSeenAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := chat.NewChat("u1", "a1", now)
	_ = s.CreateChat(ctx, c)
	reply := chat.NewAssistantMessage(c.ID, "a1", "hello", now)
	_ = s.AppendMessage(ctx, c.ID, reply)

	for i := 0; i < 2; i++ {
		if err := s.MarkSeen(ctx, c.ID, reply.ID, "u1"); err != nil {
			t.Fatalf("MarkSeen err: %v", err)
		}
	}
	if err := s.MarkSeen(ctx, c.ID, "missing", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	last, err := s.GetLastMessage(ctx, c.ID)
	if err != nil || last == nil {
		t.Fatalf("GetLastMessage: %v, %v", last, err)
	}
	if len(last.SeenBy) != 1 || last.SeenBy[0] != "u1" {
		t.Fatalf("unexpected seen-set: %v", last.SeenBy)
	}

	if err := store.DeleteChatCascade(ctx, s, s, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetChat(ctx, "u1", "a1"); got != nil {
		t.Fatal("expected chat to be deleted")
	}
	if msgs, _ := s.ListMessages(ctx, c.ID); len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestRedisSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := chat.NewChat("u1", "a1", time.Now().UTC())
	if err := s.CreateChat(ctx, c); err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	chatID := c.ID
	snaps, _ := s.Subscribe(ctx, chatID)

	select {
	case first := <-snaps:
		if len(first) != 0 {
			t.Fatalf("expected empty first snapshot, got %d", len(first))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first snapshot")
	}

	_ = s.AppendMessage(ctx, chatID, chat.NewUserMessage(chatID, "u1", "hi", time.Now().UTC()))

	select {
	case snap := <-snaps:
		if len(snap) != 1 || snap[0].Content.Text != "hi" {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for append snapshot")
	}

	cancel()
	for range snaps {
	}
}

func TestRedisAppendRequiresChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := chat.NewChat("u1", "a1", time.Now().UTC())
	_ = s.CreateChat(ctx, c)
	if err := store.DeleteChatCascade(ctx, s, s, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	err := s.AppendMessage(ctx, c.ID, chat.NewAssistantMessage(c.ID, "a1", "too late", time.Now().UTC()))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if msgs, _ := s.ListMessages(ctx, c.ID); len(msgs) != 0 {
		t.Fatalf("expected no orphan messages, got %d", len(msgs))
	}
}
