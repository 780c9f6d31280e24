// Package postgres implements the chat stores on PostgreSQL. Snapshot
// subscriptions are driven by LISTEN/NOTIFY on a per-deployment channel.
package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

// Store implements store.ChatStore, store.MessageStore and store.ReportStore.
type Store struct {
	pool     *pgxpool.Pool
	tables   TableNames
	notifier *notifier
}

var (
	_ store.ChatStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
	_ store.ReportStore  = (*Store)(nil)
)

// New wraps pool. Call Migrate beforehand to create the tables.
func New(pool *pgxpool.Pool, tables TableNames) *Store {
	s := &Store{pool: pool, tables: tables}
	s.notifier = newNotifier(s.listenShared)
	return s
}

// Stores exposes the Postgres store through the backend bundle.
func (s *Store) Stores() store.Stores {
	return store.Stores{Chats: s, Messages: s, Reports: s, Close: s.Close}
}

// Close ends open subscriptions, waits for the LISTEN connection to be
// returned and closes the pool.
func (s *Store) Close() {
	if run := s.notifier.close(); run != nil {
		<-run.done
	}
	s.pool.Close()
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, user_id, avatar_id, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			created_at = LEAST(%[1]s.created_at, EXCLUDED.created_at),
			last_modified_at = GREATEST(%[1]s.last_modified_at, EXCLUDED.last_modified_at)
	`, s.tables.Chats)

	if _, err := s.pool.Exec(ctx, query, c.ID, c.UserID, c.AvatarID, c.CreatedAt, c.LastModifiedAt); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, userID, avatarID string) (*chat.Chat, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, avatar_id, created_at, last_modified_at
		FROM %s
		WHERE id = $1
	`, s.tables.Chats)

	var c chat.Chat
	err := s.pool.QueryRow(ctx, query, chat.ChatID(userID, avatarID)).Scan(
		&c.ID,
		&c.UserID,
		&c.AvatarID,
		&c.CreatedAt,
		&c.LastModifiedAt,
	)
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, avatar_id, created_at, last_modified_at
		FROM %s
		WHERE user_id = $1
	`, s.tables.Chats)

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []chat.Chat
	for rows.Next() {
		var c chat.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.AvatarID, &c.CreatedAt, &c.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

func (s *Store) TouchLastModified(ctx context.Context, chatID string, ts time.Time) error {
	if _, err := s.pool.Exec(ctx, s.touchQuery(), chatID, ts); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *Store) touchQuery() string {
	return fmt.Sprintf(`
		UPDATE %s SET last_modified_at = GREATEST(last_modified_at, $2)
		WHERE id = $1
	`, s.tables.Chats)
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tables.Chats)
	if _, err := s.pool.Exec(ctx, query, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// AppendMessage raises the chat timestamp, inserts the message and notifies
// subscribers in one transaction. A missing chat row yields store.ErrNotFound.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg chat.Message) error {
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, chat_id, author_id, role, text, created_at, seen_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.tables.Messages)

	seenBy := msg.SeenBy
	if seenBy == nil {
		seenBy = []string{}
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, s.touchQuery(), chatID, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if _, err := tx.Exec(ctx, insert,
			msg.ID,
			chatID,
			msg.AuthorID,
			string(msg.Content.Role),
			msg.Content.Text,
			msg.CreatedAt,
			seenBy,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return s.notify(ctx, tx, chatID)
	})
}

func (s *Store) MarkSeen(ctx context.Context, chatID, messageID, viewerID string) error {
	update := fmt.Sprintf(`
		UPDATE %s
		SET seen_by = ARRAY(SELECT DISTINCT v FROM unnest(array_append(seen_by, $3::text)) AS v ORDER BY v)
		WHERE chat_id = $1 AND id = $2 AND NOT ($3::text = ANY(seen_by))
	`, s.tables.Messages)
	exists := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE chat_id = $1 AND id = $2)`, s.tables.Messages)

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update, chatID, messageID, viewerID)
		if err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return s.notify(ctx, tx, chatID)
		}

		var found bool
		if err := tx.QueryRow(ctx, exists, chatID, messageID).Scan(&found); err != nil {
			return fmt.Errorf("check message: %w", err)
		}
		if !found {
			return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetLastMessage(ctx context.Context, chatID string) (*chat.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, chat_id, author_id, role, text, created_at, seen_by
		FROM %s
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, s.tables.Messages)

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, chatID))
	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last message: %w", err)
	}
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, chat_id, author_id, role, text, created_at, seen_by
		FROM %s
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.tables.Messages)

	rows, err := s.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *Store) DeleteAllMessages(ctx context.Context, chatID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE chat_id = $1`, s.tables.Messages)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, chatID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return s.notify(ctx, tx, chatID)
	})
}

func (s *Store) SaveReport(ctx context.Context, report chat.Report) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, chat_id, user_id, avatar_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.tables.Reports)

	_, err := s.pool.Exec(ctx, query,
		report.ID,
		report.ChatID,
		report.UserID,
		report.AvatarID,
		report.Reason,
		report.CreatedAt,
	)
	if err != nil {
		if IsPgDuplicateError(err) {
			return nil
		}
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, chatID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.tables.Channel, chatID); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			log.Printf("[postgres] rollback failed: %v", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		msg  chat.Message
		role string
	)
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.AuthorID,
		&role,
		&msg.Content.Text,
		&msg.CreatedAt,
		&msg.SeenBy,
	)
	msg.Content.Role = chat.Role(role)
	if msg.SeenBy == nil {
		msg.SeenBy = []string{}
	}
	return msg, err
}
