// Package mutate pushes local state changes back to the provider: flag
// updates, folder moves, drafts, and sends. Every operation validates
// credentials first, and a message that has moved since ingestion is
// re-resolved by its stable key before the mutation is declared lost.
package mutate

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/credential"
	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

type Mutator struct {
	providers provider.Factory
	creds     *credential.Refresher
	log       zerolog.Logger
}

func New(providers provider.Factory, creds *credential.Refresher, log zerolog.Logger) *Mutator {
	return &Mutator{
		providers: providers,
		creds:     creds,
		log:       log.With().Str("component", "mutate").Logger(),
	}
}

// refFor builds the provider-side reference for a stored email. Cloud
// providers address by their stable message id. IMAP addresses by
// (folder, UID), but UIDs are not persisted because they die on move; the
// stable Message-ID key triggers resolution instead.
func refFor(acct *domain.Account, email *domain.Email) provider.Ref {
	if acct.Provider == domain.ProviderIMAP {
		return provider.Ref{Folder: email.Folder, StableID: email.ProviderMessageID}
	}
	return provider.Ref{Folder: email.Folder, MessageID: email.ProviderMessageID}
}

// resolve searches the account's folders for the stable key. trashFirst
// orders the trash folder ahead of everything else, for operations whose
// target normally lives there.
func (m *Mutator) resolve(ctx context.Context, client provider.Client, acct *domain.Account, stableID string, trashFirst bool) (*provider.Ref, error) {
	folders, err := client.ListFolders(ctx, acct)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(folders, func(i, j int) bool {
		if trashFirst {
			if ti, tj := folders[i].Role == domain.RoleTrash, folders[j].Role == domain.RoleTrash; ti != tj {
				return ti
			}
		}
		return folders[i].Role.Priority() < folders[j].Role.Priority()
	})
	for _, f := range folders {
		ref, err := client.FindByMessageID(ctx, acct, f.Path, stableID)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrNotFound
}

// apply runs op against the message's last known location, falling back to
// stable-key resolution when the provider reports it gone. A message that
// cannot be found anywhere is logged and dropped, not surfaced: the user
// deleted it out of band and the mutation is moot.
func (m *Mutator) apply(ctx context.Context, acct *domain.Account, email *domain.Email, trashFirst bool, op func(provider.Client, provider.Ref) error) error {
	if err := m.creds.EnsureValid(ctx, acct); err != nil {
		return err
	}
	client, err := m.providers.For(acct)
	if err != nil {
		return err
	}

	ref := refFor(acct, email)
	if ref.MessageID != "" || ref.UID != 0 {
		err = op(client, ref)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}

	stableID := ref.StableID
	if stableID == "" {
		stableID = email.ProviderMessageID
	}
	resolved, rerr := m.resolve(ctx, client, acct, stableID, trashFirst)
	if rerr != nil {
		if errors.Is(rerr, domain.ErrNotFound) {
			m.log.Warn().
				Str("account_id", acct.ID).
				Str("email_id", email.ID).
				Msg("message gone from provider, mutation skipped")
			return nil
		}
		return rerr
	}
	if err := op(client, *resolved); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.log.Warn().
				Str("account_id", acct.ID).
				Str("email_id", email.ID).
				Msg("message vanished during mutation, skipped")
			return nil
		}
		return err
	}
	return nil
}

// MarkRead flips the read flag on the provider copy.
func (m *Mutator) MarkRead(ctx context.Context, acct *domain.Account, email *domain.Email, read bool) error {
	return m.apply(ctx, acct, email, false, func(c provider.Client, ref provider.Ref) error {
		if read {
			return c.ModifyFlags(ctx, acct, ref, []string{"read"}, nil)
		}
		return c.ModifyFlags(ctx, acct, ref, nil, []string{"read"})
	})
}

func (m *Mutator) Trash(ctx context.Context, acct *domain.Account, email *domain.Email) error {
	return m.apply(ctx, acct, email, false, func(c provider.Client, ref provider.Ref) error {
		return c.Trash(ctx, acct, ref)
	})
}

// Restore moves a trashed message back to the inbox. Resolution looks in
// trash first; that is where the target lives.
func (m *Mutator) Restore(ctx context.Context, acct *domain.Account, email *domain.Email) error {
	return m.apply(ctx, acct, email, true, func(c provider.Client, ref provider.Ref) error {
		return c.Restore(ctx, acct, ref)
	})
}

// Delete removes the message permanently.
func (m *Mutator) Delete(ctx context.Context, acct *domain.Account, email *domain.Email) error {
	return m.apply(ctx, acct, email, true, func(c provider.Client, ref provider.Ref) error {
		return c.Delete(ctx, acct, ref)
	})
}

func (m *Mutator) MarkSpam(ctx context.Context, acct *domain.Account, email *domain.Email) error {
	return m.apply(ctx, acct, email, false, func(c provider.Client, ref provider.Ref) error {
		return c.MarkSpam(ctx, acct, ref)
	})
}

// SaveDraft creates or replaces a provider-side draft and returns its id.
func (m *Mutator) SaveDraft(ctx context.Context, acct *domain.Account, d *provider.Draft, existingID string) (string, error) {
	if err := m.creds.EnsureValid(ctx, acct); err != nil {
		return "", err
	}
	client, err := m.providers.For(acct)
	if err != nil {
		return "", err
	}
	return client.SaveDraft(ctx, acct, d, existingID)
}

func (m *Mutator) DeleteDraft(ctx context.Context, acct *domain.Account, draftID string) error {
	if err := m.creds.EnsureValid(ctx, acct); err != nil {
		return err
	}
	client, err := m.providers.For(acct)
	if err != nil {
		return err
	}
	if err := client.DeleteDraft(ctx, acct, draftID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.log.Warn().Str("account_id", acct.ID).Str("draft_id", draftID).Msg("draft already gone")
			return nil
		}
		return err
	}
	return nil
}

// Send submits through the account's own provider so the message lands in
// the real sent folder, and returns the provider message id.
func (m *Mutator) Send(ctx context.Context, acct *domain.Account, d *provider.Draft) (string, error) {
	if err := m.creds.EnsureValid(ctx, acct); err != nil {
		return "", err
	}
	client, err := m.providers.For(acct)
	if err != nil {
		return "", err
	}
	return client.Send(ctx, acct, d)
}
