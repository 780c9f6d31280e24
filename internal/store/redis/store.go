// Package redis implements the chat stores on Redis hashes and sorted sets.
// Snapshot subscriptions are driven by Pub/Sub on a per-chat events channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

// Timestamps are stored as Unix microseconds so Lua comparisons and sorted-set
// scores stay exact.

var createChatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'id', ARGV[1], 'user_id', ARGV[2], 'avatar_id', ARGV[3], 'created_at', ARGV[4], 'last_modified_at', ARGV[5])
else
	local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
	if created == nil or tonumber(ARGV[4]) < created then
		redis.call('HSET', KEYS[1], 'created_at', ARGV[4])
	end
	local modified = tonumber(redis.call('HGET', KEYS[1], 'last_modified_at'))
	if modified == nil or tonumber(ARGV[5]) > modified then
		redis.call('HSET', KEYS[1], 'last_modified_at', ARGV[5])
	end
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

const touchSource = `
local modified = tonumber(redis.call('HGET', KEYS[1], 'last_modified_at'))
if modified == nil then
	return 0
end
if tonumber(ARGV[1]) > modified then
	redis.call('HSET', KEYS[1], 'last_modified_at', ARGV[1])
	return 1
end
return 0
`

var touchScript = redis.NewScript(touchSource)

// appendMessageScript writes a message only while its chat hash exists.
// KEYS: chat, message, seen-set, message index. ARGV: payload, score,
// message id, events channel, seen-by members...
var appendMessageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[1])
for i = 5, #ARGV do
	redis.call('SADD', KEYS[3], ARGV[i])
end
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
local modified = tonumber(redis.call('HGET', KEYS[1], 'last_modified_at'))
if modified == nil or tonumber(ARGV[2]) > modified then
	redis.call('HSET', KEYS[1], 'last_modified_at', ARGV[2])
end
redis.call('PUBLISH', ARGV[4], ARGV[3])
return 1
`)

// Store implements store.ChatStore, store.MessageStore and store.ReportStore.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ store.ChatStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
	_ store.ReportStore  = (*Store)(nil)
)

// New wraps rdb. prefix namespaces every key, and may be empty.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

// Stores exposes the Redis store through the backend bundle. Close closes the client.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Chats:    s,
		Messages: s,
		Reports:  s,
		Close:    func() { _ = s.rdb.Close() },
	}
}

func (s *Store) chatKey(chatID string) string       { return s.prefix + "chat:" + chatID }
func (s *Store) messagesKey(chatID string) string   { return s.prefix + "chat:" + chatID + ":messages" }
func (s *Store) eventsKey(chatID string) string     { return s.prefix + "chat:" + chatID + ":events" }
func (s *Store) messageKey(messageID string) string { return s.prefix + "message:" + messageID }
func (s *Store) seenKey(messageID string) string    { return s.prefix + "message:" + messageID + ":seen" }
func (s *Store) userChatsKey(userID string) string  { return s.prefix + "user:" + userID + ":chats" }
func (s *Store) reportsKey() string                 { return s.prefix + "chat_reports" }

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) error {
	err := createChatScript.Run(ctx, s.rdb,
		[]string{s.chatKey(c.ID), s.userChatsKey(c.UserID)},
		c.ID, c.UserID, c.AvatarID, c.CreatedAt.UnixMicro(), c.LastModifiedAt.UnixMicro(),
	).Err()
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, userID, avatarID string) (*chat.Chat, error) {
	return s.getChat(ctx, chat.ChatID(userID, avatarID))
}

func (s *Store) getChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	fields, err := s.rdb.HGetAll(ctx, s.chatKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode chat %s created_at: %w", chatID, err)
	}
	modified, err := strconv.ParseInt(fields["last_modified_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode chat %s last_modified_at: %w", chatID, err)
	}

	return &chat.Chat{
		ID:             fields["id"],
		UserID:         fields["user_id"],
		AvatarID:       fields["avatar_id"],
		CreatedAt:      time.UnixMicro(created).UTC(),
		LastModifiedAt: time.UnixMicro(modified).UTC(),
	}, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	ids, err := s.rdb.SMembers(ctx, s.userChatsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	chats := make([]chat.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.getChat(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			chats = append(chats, *c)
		}
	}
	return chats, nil
}

func (s *Store) TouchLastModified(ctx context.Context, chatID string, ts time.Time) error {
	if err := touchScript.Run(ctx, s.rdb, []string{s.chatKey(chatID)}, ts.UnixMicro()).Err(); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	userID, err := s.rdb.HGet(ctx, s.chatKey(chatID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get chat for deletion: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.chatKey(chatID))
	pipe.SRem(ctx, s.userChatsKey(userID), chatID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// AppendMessage stores the message, raises the chat timestamp and publishes a
// change event in one script, so nothing is written once the chat is gone.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg chat.Message) error {
	msg.ChatID = chatID
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	keys := []string{s.chatKey(chatID), s.messageKey(msg.ID), s.seenKey(msg.ID), s.messagesKey(chatID)}
	args := []any{payload, msg.CreatedAt.UnixMicro(), msg.ID, s.eventsKey(chatID)}
	for _, v := range msg.SeenBy {
		args = append(args, v)
	}

	written, err := appendMessageScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if written == 0 {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkSeen(ctx context.Context, chatID, messageID, viewerID string) error {
	if err := s.rdb.ZScore(ctx, s.messagesKey(chatID), messageID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		return fmt.Errorf("check message: %w", err)
	}

	added, err := s.rdb.SAdd(ctx, s.seenKey(messageID), viewerID).Result()
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if added == 0 {
		return nil
	}

	if err := s.rdb.Publish(ctx, s.eventsKey(chatID), messageID).Err(); err != nil {
		return fmt.Errorf("publish seen: %w", err)
	}
	return nil
}

func (s *Store) GetLastMessage(ctx context.Context, chatID string) (*chat.Message, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.messagesKey(chatID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("get last message: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &messages[0], nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	ids, err := s.rdb.ZRange(ctx, s.messagesKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	chat.SortMessages(messages)
	return messages, nil
}

func (s *Store) loadMessages(ctx context.Context, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return []chat.Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	bodies := make([]*redis.StringCmd, len(ids))
	seen := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		bodies[i] = pipe.Get(ctx, s.messageKey(id))
		seen[i] = pipe.SMembers(ctx, s.seenKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(ids))
	for i, id := range ids {
		raw, err := bodies[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}

		var msg chat.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}

		viewers, err := seen[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load seen-set of %s: %w", id, err)
		}
		slices.Sort(viewers)
		if viewers == nil {
			viewers = []string{}
		}
		msg.SeenBy = viewers
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) DeleteAllMessages(ctx context.Context, chatID string) error {
	ids, err := s.rdb.ZRange(ctx, s.messagesKey(chatID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list message ids for deletion: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if len(ids) > 0 {
		keys := make([]string, 0, len(ids)*2)
		for _, id := range ids {
			keys = append(keys, s.messageKey(id), s.seenKey(id))
		}
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, s.messagesKey(chatID))
	pipe.Publish(ctx, s.eventsKey(chatID), "deleted")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// SaveReport appends the report to a moderation stream.
func (s *Store) SaveReport(ctx context.Context, report chat.Report) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.reportsKey(),
		Values: map[string]any{
			"id":         report.ID,
			"chat_id":    report.ChatID,
			"user_id":    report.UserID,
			"avatar_id":  report.AvatarID,
			"reason":     report.Reason,
			"created_at": report.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
