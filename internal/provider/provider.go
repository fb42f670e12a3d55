// Package provider defines the uniform operation set the sync engine uses
// against heterogeneous mail backends. Three concrete adapters exist
// (gmail, outlook, imap); orchestration code depends only on these
// interfaces and type-asserts for the capability each backend offers.
package provider

import (
	"context"
	"time"

	"github.com/relaycrm/mailsync/internal/domain"
)

// Folder is one server-side mailbox folder as discovered by ListFolders.
type Folder struct {
	Path string
	Role domain.FolderRole
}

// Ref identifies a message at its last known location. For IMAP the
// primary key is (Folder, UID) and is invalidated the moment the message
// moves; StableID carries the RFC Message-ID header so a moved message can
// be re-resolved. Cloud providers use the globally stable MessageID and
// usually leave Folder/UID empty.
type Ref struct {
	Folder    string
	UID       uint32
	MessageID string
	StableID  string
}

// RawMessage is a provider-native message lifted into a neutral envelope
// before normalization. Cloud adapters pre-extract bodies; the IMAP
// adapter ships the raw MIME and lets the normalizer walk it.
type RawMessage struct {
	ProviderMessageID string
	ThreadID          string
	Folder            string
	Role              domain.FolderRole
	UID               uint32
	Labels            []string
	Headers           map[string]string

	From string
	To   string
	Cc   string
	Bcc  string

	Subject string
	Date    time.Time

	Read  bool
	Draft bool
	Sent  bool

	TextBody string
	HTMLBody string
	RawMIME  []byte

	Attachments []domain.Attachment
}

// ChangeKind discriminates records in a provider change feed.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeLabelAdded
	ChangeLabelRemoved
)

// Change is one record from a cloud provider's change feed. Message is
// populated for ChangeAdded; label changes carry only ids and labels.
type Change struct {
	Kind      ChangeKind
	MessageID string
	Labels    []string
	Message   *RawMessage
}

// Draft is an outgoing or draft message payload.
type Draft struct {
	To      []domain.Address
	Cc      []domain.Address
	Bcc     []domain.Address
	Subject string
	Body    string
	HTML    bool
}

// Client is the operation set every adapter implements. Mutating calls
// return domain.ErrNotFound when the message is no longer at the given
// Ref; the Mutator owns the fallback search.
type Client interface {
	Kind() domain.Provider

	ListFolders(ctx context.Context, acct *domain.Account) ([]Folder, error)

	// FindByMessageID searches one folder for a message by its stable
	// Message-ID key and returns its current location.
	FindByMessageID(ctx context.Context, acct *domain.Account, folder, messageID string) (*Ref, error)

	ModifyFlags(ctx context.Context, acct *domain.Account, ref Ref, add, remove []string) error
	Trash(ctx context.Context, acct *domain.Account, ref Ref) error
	Restore(ctx context.Context, acct *domain.Account, ref Ref) error
	Delete(ctx context.Context, acct *domain.Account, ref Ref) error
	MarkSpam(ctx context.Context, acct *domain.Account, ref Ref) error

	// SaveDraft creates a draft, or replaces it when existingID is set.
	// It returns the provider draft id.
	SaveDraft(ctx context.Context, acct *domain.Account, d *Draft, existingID string) (string, error)
	DeleteDraft(ctx context.Context, acct *domain.Account, draftID string) error

	// Send submits the message and returns the provider message id.
	Send(ctx context.Context, acct *domain.Account, d *Draft) (string, error)
}

// ChangeFeed is the capability of cloud providers with a durable change
// cursor (Gmail history, Graph delta).
type ChangeFeed interface {
	// ListAll streams every message newest-first and returns a fresh
	// cursor for subsequent incremental syncs.
	ListAll(ctx context.Context, acct *domain.Account, fn func(*RawMessage) error) (string, error)

	// ListChanges streams changes since cursor and returns the advanced
	// cursor. A provider-rejected cursor surfaces as
	// domain.ErrCursorExpired.
	ListChanges(ctx context.Context, acct *domain.Account, cursor string, fn func(Change) error) (string, error)
}

// Mailbox is the capability of folder/sequence-id providers (IMAP), where
// incremental sync runs on per-folder high-water UIDs.
type Mailbox interface {
	// ListUIDs returns the folder's UIDs strictly above the given
	// watermark, ascending. above == 0 lists the whole folder.
	ListUIDs(ctx context.Context, acct *domain.Account, folder string, above uint32) ([]uint32, error)

	// FetchByUID fetches full messages for the given UIDs in one folder.
	FetchByUID(ctx context.Context, acct *domain.Account, folder string, uids []uint32) ([]*RawMessage, error)
}

// AccountCloser is implemented by adapters holding per-account resources,
// such as the IMAP connection pool. The orchestrator releases them when an
// account's sync run ends.
type AccountCloser interface {
	CloseAccount(accountID string)
}

// Factory resolves the adapter for an account's provider kind.
type Factory interface {
	For(acct *domain.Account) (Client, error)
}
