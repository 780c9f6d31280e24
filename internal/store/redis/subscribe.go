package redis

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
)

// Subscribe listens on the chat's events channel and re-reads the full
// message list for every published change.
func (s *Store) Subscribe(ctx context.Context, chatID string) (<-chan []chat.Message, <-chan error) {
	snapshots := make(chan []chat.Message, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(snapshots)
		defer close(errs)

		if err := s.listen(ctx, chatID, snapshots); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return snapshots, errs
}

func (s *Store) listen(ctx context.Context, chatID string, out chan<- []chat.Message) error {
	pubsub := s.rdb.Subscribe(ctx, s.eventsKey(chatID))
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[redis] close subscription chat=%s: %v", chatID, err)
		}
	}()

	// Wait for the subscription to be confirmed before reading the first snapshot.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := s.emitSnapshot(ctx, chatID, out); err != nil {
		return err
	}

	for {
		if _, err := pubsub.ReceiveMessage(ctx); err != nil {
			return fmt.Errorf("receive event: %w", err)
		}
		if err := s.emitSnapshot(ctx, chatID, out); err != nil {
			return err
		}
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
