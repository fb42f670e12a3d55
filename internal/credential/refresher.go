// Package credential validates and refreshes delegated credentials before
// outbound provider operations. Refreshes are single-flighted per account
// so concurrent folder fetches do not race each other to the token
// endpoint.
package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/relaycrm/mailsync/internal/domain"
)

// AccountPersister saves refreshed tokens. Implemented by the store's
// AccountStore.
type AccountPersister interface {
	Update(ctx context.Context, acct *domain.Account) error
}

// OAuthApp holds the registered application credentials per provider.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Refresher implements ensureValid with retry-then-fail semantics: one
// refresh attempt, persisted atomically on success; on failure the caller
// must surface a reauthenticate error, never retry silently.
type Refresher struct {
	accounts AccountPersister
	apps     map[domain.Provider]OAuthApp
	group    singleflight.Group
	slack    time.Duration
	log      zerolog.Logger
}

func NewRefresher(accounts AccountPersister, apps map[domain.Provider]OAuthApp, log zerolog.Logger) *Refresher {
	return &Refresher{
		accounts: accounts,
		apps:     apps,
		slack:    2 * time.Minute,
		log:      log.With().Str("component", "credential").Logger(),
	}
}

func (r *Refresher) oauthConfig(p domain.Provider) (*oauth2.Config, error) {
	app, ok := r.apps[p]
	if !ok {
		return nil, fmt.Errorf("no oauth app registered for %s: %w", p, domain.ErrConfigurationMissing)
	}
	cfg := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Scopes:       app.Scopes,
	}
	switch p {
	case domain.ProviderGmail:
		cfg.Endpoint = google.Endpoint
	case domain.ProviderOutlook:
		cfg.Endpoint = microsoft.AzureADEndpoint("common")
	default:
		return nil, fmt.Errorf("provider %s does not use oauth: %w", p, domain.ErrConfigurationMissing)
	}
	return cfg, nil
}

// EnsureValid refreshes the account's delegated credentials when they are
// expiring. Password-credential accounts always pass: there is no refresh
// concept for them. Must run before every outbound send/mutate operation,
// not only at sync start, because tokens expire mid-session.
func (r *Refresher) EnsureValid(ctx context.Context, acct *domain.Account) error {
	if acct.Provider == domain.ProviderIMAP {
		return nil
	}
	if acct.OAuth == nil {
		return fmt.Errorf("account %s: no delegated credentials: %w", acct.ID, domain.ErrConfigurationMissing)
	}
	if acct.OAuth.AccessToken != "" && time.Until(acct.OAuth.Expiry) > r.slack {
		return nil
	}

	_, err, _ := r.group.Do(acct.ID, func() (interface{}, error) {
		return nil, r.refresh(ctx, acct)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context, acct *domain.Account) error {
	cfg, err := r.oauthConfig(acct.Provider)
	if err != nil {
		return err
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  acct.OAuth.AccessToken,
		RefreshToken: acct.OAuth.RefreshToken,
		Expiry:       acct.OAuth.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		r.log.Warn().Str("account_id", acct.ID).Err(err).Msg("token refresh failed")
		return fmt.Errorf("refresh tokens for %s: %w", acct.Address, domain.ErrAuthExpired)
	}

	acct.OAuth.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acct.OAuth.RefreshToken = tok.RefreshToken
	}
	acct.OAuth.Expiry = tok.Expiry
	acct.UpdatedAt = time.Now()

	if err := r.accounts.Update(ctx, acct); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}
	r.log.Info().Str("account_id", acct.ID).Time("expiry", tok.Expiry).Msg("tokens refreshed")
	return nil
}
