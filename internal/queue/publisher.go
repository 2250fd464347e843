package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/marketplace-auth/internal/service"
)

// DialTimeout bounds the TCP connect and AMQP handshake of one publish.
const DialTimeout = 5 * time.Second

// Publisher is a service.Mailer that hands reset mail to RabbitMQ. Each
// publish dials its own connection.
type Publisher struct {
	url   string
	queue string
	log   *slog.Logger
	now   func() time.Time
}

var _ service.Mailer = (*Publisher)(nil)

func NewPublisher(url, queue string, log *slog.Logger) *Publisher {
	if queue == "" {
		queue = PasswordResetQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{url: url, queue: queue, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SendPasswordReset publishes a PasswordResetRequestedEvent as a persistent
// message on the reset queue.
func (p *Publisher) SendPasswordReset(ctx context.Context, m service.PasswordResetMail) error {
	body, err := json.Marshal(PasswordResetRequestedEvent{
		UserID:      m.UserID,
		Email:       m.Email,
		ResetToken:  m.Token,
		ExpiresAt:   m.ExpiresAt.UTC(),
		RequestedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal reset event: %w", err)
	}
	if err := p.publish(ctx, body); err != nil {
		p.log.WarnContext(ctx, "rabbitmq publish failed", "queue", p.queue, "error", err)
		return err
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, body []byte) error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(DialTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	return ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	})
}
