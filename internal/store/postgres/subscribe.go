package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

// Subscribe re-reads the full message list whenever a notification for chatID
// arrives. All subscriptions of a Store share one LISTEN connection.
func (s *Store) Subscribe(ctx context.Context, chatID string) (<-chan []chat.Message, <-chan error) {
	snapshots := make(chan []chat.Message, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(snapshots)
		defer close(errs)

		if err := s.follow(ctx, chatID, snapshots); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return snapshots, errs
}

func (s *Store) follow(ctx context.Context, chatID string, out chan<- []chat.Message) error {
	sub := newSubscriber()
	run, err := s.notifier.add(chatID, sub)
	if err != nil {
		return err
	}
	defer s.notifier.remove(chatID, sub)

	select {
	case <-run.ready:
	case <-run.done:
		if run.err != nil {
			return run.err
		}
		return errStoreClosed
	case err := <-sub.fail:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	// The first snapshot is read after LISTEN so no append can slip between them.
	if err := s.emitSnapshot(ctx, chatID, out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.fail:
			return err
		case <-sub.wake:
			if err := s.emitSnapshot(ctx, chatID, out); err != nil {
				return err
			}
		}
	}
}

// listenShared is the notifier's listenFunc. It pins one pooled connection in
// LISTEN mode for as long as any subscription is open.
func (s *Store) listenShared(ctx context.Context, ready func(), dispatch func(payload string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	channel := pgx.Identifier{s.tables.Channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() {
		if conn.Conn().IsClosed() {
			return
		}
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN "+channel); err != nil {
			log.Printf("[postgres] unlisten %s failed: %v", s.tables.Channel, err)
		}
	}()

	log.Printf("[postgres] listening on %s", s.tables.Channel)
	ready()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		dispatch(notification.Payload)
	}
}

func (s *Store) emitSnapshot(ctx context.Context, chatID string, out chan<- []chat.Message) error {
	snapshot, err := s.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}

	select {
	case out <- snapshot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
