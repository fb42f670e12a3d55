package domain

import (
	"fmt"
	"time"
)

// Provider identifies a mail backend kind.
type Provider string

const (
	ProviderGmail   Provider = "GMAIL"
	ProviderOutlook Provider = "OUTLOOK"
	ProviderIMAP    Provider = "IMAP"
)

// OAuthCredentials holds delegated tokens for the cloud providers.
type OAuthCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// PasswordCredentials holds the connection bundle for IMAP accounts.
// SMTP settings ride along because sending for these accounts goes out
// through the paired SMTP server.
type PasswordCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Password string `json:"password"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
}

// Account is one connected mailbox identity. The sync engine advances
// SyncCursor and LastSyncAt and refreshes OAuth tokens; everything else is
// owned by the account-management collaborator.
type Account struct {
	ID        string
	UserID    string
	CompanyID string
	Address   string
	Provider  Provider

	OAuth    *OAuthCredentials
	Password *PasswordCredentials

	Active     bool
	LastSyncAt time.Time
	SyncCursor string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the credential-shape invariant: OAuth providers carry
// exactly delegated tokens, IMAP carries exactly a password bundle.
func (a *Account) Validate() error {
	switch a.Provider {
	case ProviderGmail, ProviderOutlook:
		if a.OAuth == nil || a.OAuth.RefreshToken == "" {
			return fmt.Errorf("account %s: no delegated credentials for %s: %w", a.ID, a.Provider, ErrConfigurationMissing)
		}
		if a.Password != nil {
			return fmt.Errorf("account %s: password credentials set on %s account: %w", a.ID, a.Provider, ErrConfigurationMissing)
		}
	case ProviderIMAP:
		if a.Password == nil || a.Password.Host == "" || a.Password.Username == "" {
			return fmt.Errorf("account %s: no password credentials for IMAP: %w", a.ID, ErrConfigurationMissing)
		}
		if a.OAuth != nil {
			return fmt.Errorf("account %s: delegated credentials set on IMAP account: %w", a.ID, ErrConfigurationMissing)
		}
	default:
		return fmt.Errorf("account %s: unknown provider %q: %w", a.ID, a.Provider, ErrConfigurationMissing)
	}
	return nil
}
