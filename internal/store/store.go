// Package store declares the persistence and notification interfaces the
// sync engine consumes. The engine never owns the CRM schemas; it talks to
// collaborators through these boundaries.
package store

import (
	"context"

	"github.com/relaycrm/mailsync/internal/domain"
)

// EmailStore persists canonical email records. Identity is
// (account id, provider message id); Create of a duplicate is a no-op.
type EmailStore interface {
	// FindExisting reports whether the message was ingested before.
	FindExisting(ctx context.Context, accountID, providerMessageID string) (bool, error)

	// GetEmail returns one record by composite id, domain.ErrNotFound when
	// missing.
	GetEmail(ctx context.Context, id string) (*domain.Email, error)

	// Create inserts one record. It returns false when the record already
	// existed; that is the dedup path, not an error.
	Create(ctx context.Context, email *domain.Email) (bool, error)

	// BulkCreate inserts many records and returns how many were new.
	BulkCreate(ctx context.Context, emails []*domain.Email) (int, error)

	// UpdateLabels mutates folder/label state of an existing record.
	// Body content never changes after first ingestion.
	UpdateLabels(ctx context.Context, accountID, providerMessageID, folder string, labels []string) error
}

// CursorStore persists per-account resumption state. key is a folder path
// for watermark providers or CursorGlobal for an account-level change
// cursor. Read-then-advance is not atomic across a crash; re-delivery is
// absorbed by EmailStore dedup, making sync at-least-once.
type CursorStore interface {
	GetCursor(ctx context.Context, accountID, key string) (string, error)
	SetCursor(ctx context.Context, accountID, key, cursor string) error
}

// CursorGlobal is the CursorStore key for account-level change cursors
// shared across folders.
const CursorGlobal = "__global__"

// AccountStore reads and advances account records.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	Update(ctx context.Context, acct *domain.Account) error
	ListActive(ctx context.Context) ([]*domain.Account, error)
}

// Matches is the CRM linkage found for a message's address list.
type Matches struct {
	ContactIDs []string
	DealIDs    []string
}

// CRMMatcher resolves message addresses to CRM entities.
type CRMMatcher interface {
	FindMatchingEntities(ctx context.Context, companyID string, addresses []string) (*Matches, error)
}

// ActivityLogger records one activity per matched deal per processed
// message.
type ActivityLogger interface {
	RecordActivity(ctx context.Context, dealID string, incoming bool, summary string) error
}

// Notifier pushes engine events to downstream consumers. All methods are
// best effort; the orchestrator logs failures and keeps syncing.
type Notifier interface {
	NewMessage(ctx context.Context, userID string, email *domain.Email) error
	SyncStatus(ctx context.Context, userID, accountID, phase, detail string) error
	Error(ctx context.Context, userID, message string, cause error) error
}
