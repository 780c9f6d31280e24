// Package rabbitmq publishes moderation reports to a durable queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/store"
)

const publishTimeout = 5 * time.Second

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ReportPublisher implements store.ReportStore on a RabbitMQ queue.
type ReportPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pub   publisher
	queue string
	// amqp channels are not safe for concurrent publishing
	mu sync.Mutex
}

var _ store.ReportStore = (*ReportPublisher)(nil)

// ReportMessage is the JSON body consumed by the moderation worker.
type ReportMessage struct {
	ReportID  string    `json:"report_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	AvatarID  string    `json:"avatar_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewReportPublisher dials url and declares queue together with its dead-letter queue.
func NewReportPublisher(url, queue string) (*ReportPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}

	return &ReportPublisher{conn: conn, ch: ch, pub: ch, queue: queue}, nil
}

// Close releases the channel and connection.
func (p *ReportPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// SaveReport publishes report as a persistent message.
func (p *ReportPublisher) SaveReport(ctx context.Context, report chat.Report) error {
	body, err := json.Marshal(ReportMessage{
		ReportID:  report.ID,
		ChatID:    report.ChatID,
		UserID:    report.UserID,
		AvatarID:  report.AvatarID,
		Reason:    report.Reason,
		CreatedAt: report.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.pub.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    report.ID,
			Body:         body,
			Timestamp:    report.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}
