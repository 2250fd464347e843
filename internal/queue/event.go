// Package queue carries password reset mail over RabbitMQ: the publisher
// used by the auth service and the consumer that delivers the mail.
package queue

import "time"

// PasswordResetQueue is the default durable queue name.
const PasswordResetQueue = "auth.password_reset"

// PasswordResetRequestedEvent is published for every accepted reset request.
// It carries the raw token because the consumer has to put it in the link.
type PasswordResetRequestedEvent struct {
	UserID      uint64    `json:"user_id"`
	Email       string    `json:"email"`
	ResetToken  string    `json:"reset_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	RequestedAt time.Time `json:"requested_at"`
}
