package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/marketplace-auth/internal/service"
)

// MailLog appends one line per reset mail to a file. It stands in for an
// SMTP relay: the consumer writes to it, and so does the service directly
// when no broker is configured.
type MailLog struct {
	mu       sync.Mutex
	path     string
	linkBase string
}

var _ service.Mailer = (*MailLog)(nil)

// NewMailLog writes to path. linkBase is the reset page URL; the token is
// appended as the "token" query parameter.
func NewMailLog(path, linkBase string) *MailLog {
	return &MailLog{path: path, linkBase: linkBase}
}

func (l *MailLog) SendPasswordReset(_ context.Context, m service.PasswordResetMail) error {
	return l.Write(PasswordResetRequestedEvent{
		UserID:      m.UserID,
		Email:       m.Email,
		ResetToken:  m.Token,
		ExpiresAt:   m.ExpiresAt.UTC(),
		RequestedAt: time.Now().UTC(),
	})
}

// Write appends ev to the mail log.
func (l *MailLog) Write(ev PasswordResetRequestedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir mail log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open mail log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] Password reset requested | user_id=%d | to=%q | link=%s | expires_at=%s\n",
		ev.RequestedAt.Format(time.RFC3339), ev.UserID, ev.Email, l.link(ev.ResetToken), ev.ExpiresAt.Format(time.RFC3339))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write mail log: %w", err)
	}
	return nil
}

func (l *MailLog) link(token string) string {
	u, err := url.Parse(l.linkBase)
	if err != nil || l.linkBase == "" {
		return "token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Consumer drains the reset queue into a MailLog.
type Consumer struct {
	url   string
	queue string
	mail  *MailLog
	log   *slog.Logger
}

func NewConsumer(amqpURL, queue string, mail *MailLog, log *slog.Logger) *Consumer {
	if queue == "" {
		queue = PasswordResetQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{url: amqpURL, queue: queue, mail: mail, log: log}
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff
// capped at 30s. It returns ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("mail consumer: dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("mail consumer: consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(20, 0, false); err != nil {
		c.log.Warn("mail consumer: set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(d.Body); err != nil {
				c.log.Error("mail consumer: handle message failed", "error", err)
				// no requeue: a malformed message would loop forever
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes one message body and writes it to the mail log.
func (c *Consumer) Handle(body []byte) error {
	var ev PasswordResetRequestedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Email == "" || ev.ResetToken == "" {
		return errors.New("reset event without email or token")
	}
	return c.mail.Write(ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
