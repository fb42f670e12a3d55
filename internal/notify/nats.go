// Package notify publishes engine events over NATS JetStream for the CRM
// frontends and the downstream processing jobs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
)

const streamName = "MAILSYNC"

// Publisher implements store.Notifier on a JetStream stream. Message ids
// reuse the provider message identity so JetStream deduplication absorbs
// at-least-once re-delivery from the sync pipeline.
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

func NewPublisher(url string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	return &Publisher{nc: nc, js: js, log: log.With().Str("component", "notify").Logger()}, nil
}

// EnsureStream creates the MAILSYNC stream when it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

func (p *Publisher) publish(subject string, payload interface{}, msgID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := p.js.Publish(subject, data, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// NewMessage announces one newly ingested canonical email.
func (p *Publisher) NewMessage(_ context.Context, userID string, email *domain.Email) error {
	subject := fmt.Sprintf("user.%s.mail.received", userID)
	msgID := fmt.Sprintf("mail.received|%s|%s", email.AccountID, email.ProviderMessageID)
	return p.publish(subject, map[string]interface{}{
		"event":               "mail.received",
		"ts":                  time.Now().Unix(),
		"user_id":             userID,
		"account_id":          email.AccountID,
		"company_id":          email.CompanyID,
		"email_id":            email.ID,
		"provider_message_id": email.ProviderMessageID,
		"thread_id":           email.ThreadID,
		"subject":             email.Subject,
		"from":                email.From,
		"incoming":            email.Incoming,
		"folder":              email.Folder,
		"received_at":         email.ReceivedAt.Unix(),
	}, msgID)
}

// SyncStatus announces a sync phase transition for one account.
func (p *Publisher) SyncStatus(_ context.Context, userID, accountID, phase, detail string) error {
	subject := fmt.Sprintf("user.%s.mail.sync", userID)
	return p.publish(subject, map[string]interface{}{
		"event":      "mail.sync",
		"ts":         time.Now().Unix(),
		"user_id":    userID,
		"account_id": accountID,
		"phase":      phase,
		"detail":     detail,
	}, uuid.NewString())
}

// Error surfaces a user-visible failure such as "reconnect your account".
func (p *Publisher) Error(_ context.Context, userID, message string, cause error) error {
	subject := fmt.Sprintf("user.%s.mail.error", userID)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return p.publish(subject, map[string]interface{}{
		"event":   "mail.error",
		"ts":      time.Now().Unix(),
		"user_id": userID,
		"message": message,
		"detail":  detail,
	}, uuid.NewString())
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
