package mutate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/mailsync/internal/credential"
	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

// fakeClient simulates a provider where the message may have moved away
// from its last known folder.
type fakeClient struct {
	folders []provider.Folder
	// location of the stable key, "" when deleted everywhere
	inFolder string
	uid      uint32

	searched []string
	ops      []string
	opRefs   []provider.Ref
}

func (f *fakeClient) Kind() domain.Provider { return domain.ProviderIMAP }

func (f *fakeClient) ListFolders(context.Context, *domain.Account) ([]provider.Folder, error) {
	return f.folders, nil
}

func (f *fakeClient) FindByMessageID(_ context.Context, _ *domain.Account, folder, messageID string) (*provider.Ref, error) {
	f.searched = append(f.searched, folder)
	if folder == f.inFolder {
		return &provider.Ref{Folder: folder, UID: f.uid, StableID: messageID}, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeClient) record(op string, ref provider.Ref) error {
	f.ops = append(f.ops, op)
	f.opRefs = append(f.opRefs, ref)
	if ref.Folder != f.inFolder || ref.UID != f.uid {
		return domain.ErrNotFound
	}
	return nil
}

func (f *fakeClient) ModifyFlags(_ context.Context, _ *domain.Account, ref provider.Ref, _, _ []string) error {
	return f.record("flags", ref)
}
func (f *fakeClient) Trash(_ context.Context, _ *domain.Account, ref provider.Ref) error {
	return f.record("trash", ref)
}
func (f *fakeClient) Restore(_ context.Context, _ *domain.Account, ref provider.Ref) error {
	return f.record("restore", ref)
}
func (f *fakeClient) Delete(_ context.Context, _ *domain.Account, ref provider.Ref) error {
	return f.record("delete", ref)
}
func (f *fakeClient) MarkSpam(_ context.Context, _ *domain.Account, ref provider.Ref) error {
	return f.record("spam", ref)
}
func (f *fakeClient) SaveDraft(context.Context, *domain.Account, *provider.Draft, string) (string, error) {
	return "draft-1", nil
}
func (f *fakeClient) DeleteDraft(context.Context, *domain.Account, string) error { return nil }
func (f *fakeClient) Send(context.Context, *domain.Account, *provider.Draft) (string, error) {
	return "sent-1", nil
}

type noopPersister struct{}

func (noopPersister) Update(context.Context, *domain.Account) error { return nil }

func newMutator(client provider.Client) *Mutator {
	registry := provider.Registry{domain.ProviderIMAP: client, domain.ProviderGmail: client}
	creds := credential.NewRefresher(noopPersister{}, nil, zerolog.Nop())
	return New(registry, creds, zerolog.Nop())
}

func imapAcct() *domain.Account {
	return &domain.Account{
		ID:       "a1",
		Address:  "me@example.com",
		Provider: domain.ProviderIMAP,
		Password: &domain.PasswordCredentials{Host: "imap.example.com", Username: "me", Password: "pw"},
	}
}

func storedEmail(folder string) *domain.Email {
	return &domain.Email{
		ID:                "a1_msgid@example.com",
		AccountID:         "a1",
		ProviderMessageID: "msgid@example.com",
		Folder:            folder,
	}
}

func stdFolders() []provider.Folder {
	return []provider.Folder{
		{Path: "Trash", Role: domain.RoleTrash},
		{Path: "INBOX", Role: domain.RoleInbox},
		{Path: "Archive", Role: domain.RoleArchive},
	}
}

func TestMutationResolvesStableKey(t *testing.T) {
	// IMAP stores no UID, so the mutation always resolves by Message-ID
	// first and then operates on the found location.
	client := &fakeClient{folders: stdFolders(), inFolder: "Archive", uid: 42}
	m := newMutator(client)

	err := m.Trash(context.Background(), imapAcct(), storedEmail("INBOX"))
	require.NoError(t, err)
	require.Equal(t, []string{"trash"}, client.ops)
	assert.Equal(t, "Archive", client.opRefs[0].Folder)
	assert.Equal(t, uint32(42), client.opRefs[0].UID)
}

func TestRestoreSearchesTrashFirst(t *testing.T) {
	client := &fakeClient{folders: stdFolders(), inFolder: "Trash", uid: 7}
	m := newMutator(client)

	err := m.Restore(context.Background(), imapAcct(), storedEmail("INBOX"))
	require.NoError(t, err)
	require.NotEmpty(t, client.searched)
	assert.Equal(t, "Trash", client.searched[0])
	assert.Equal(t, []string{"restore"}, client.ops)
}

func TestMutationGoneEverywhereIsSoftFailure(t *testing.T) {
	client := &fakeClient{folders: stdFolders(), inFolder: ""}
	m := newMutator(client)

	// The user deleted the message out of band; the mutation is moot, not
	// an error.
	err := m.MarkSpam(context.Background(), imapAcct(), storedEmail("INBOX"))
	assert.NoError(t, err)
	assert.Empty(t, client.ops)
	assert.Len(t, client.searched, len(stdFolders()))
}

func TestCloudMutationUsesStoredID(t *testing.T) {
	client := &fakeClient{folders: stdFolders(), inFolder: "INBOX", uid: 0}
	m := newMutator(client)

	acct := &domain.Account{
		ID:       "a1",
		Provider: domain.ProviderGmail,
		OAuth:    &domain.OAuthCredentials{AccessToken: "t", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)},
	}
	email := &domain.Email{AccountID: "a1", ProviderMessageID: "gm-1", Folder: "INBOX"}

	err := m.MarkRead(context.Background(), acct, email, true)
	require.NoError(t, err)
	// The stored provider id is tried directly, before any folder search.
	require.NotEmpty(t, client.opRefs)
	assert.Equal(t, "gm-1", client.opRefs[0].MessageID)
	assert.Empty(t, client.searched)
}

func TestSendAndDrafts(t *testing.T) {
	client := &fakeClient{folders: stdFolders()}
	m := newMutator(client)
	acct := imapAcct()
	draft := &provider.Draft{To: []domain.Address{{Email: "x@y.com"}}, Subject: "s", Body: "b"}

	id, err := m.SaveDraft(context.Background(), acct, draft, "")
	require.NoError(t, err)
	assert.Equal(t, "draft-1", id)

	require.NoError(t, m.DeleteDraft(context.Background(), acct, id))

	msgID, err := m.Send(context.Background(), acct, draft)
	require.NoError(t, err)
	assert.Equal(t, "sent-1", msgID)
}
