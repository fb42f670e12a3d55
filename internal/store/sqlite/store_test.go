package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmail(accountID, pmid string) *domain.Email {
	return &domain.Email{
		ID:                domain.EmailID(accountID, pmid),
		AccountID:         accountID,
		CompanyID:         "co1",
		ProviderMessageID: pmid,
		ThreadID:          "t1",
		From:              domain.Address{Name: "Alice", Email: "alice@example.com"},
		To:                []domain.Address{{Email: "me@example.com"}},
		Subject:           "hello",
		Body:              "plain",
		HTMLBody:          "<div>plain</div>",
		Attachments:       []domain.Attachment{{Filename: "a.pdf", ContentType: "application/pdf", Size: 9}},
		Read:              true,
		Incoming:          true,
		SentAt:            time.Unix(1700000000, 0),
		ReceivedAt:        time.Unix(1700000100, 0),
		Folder:            "INBOX",
		Labels:            []string{"INBOX"},
	}
}

func TestCreateAndDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testEmail("a1", "m1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same identity again is a silent no-op.
	created, err = s.Create(ctx, testEmail("a1", "m1"))
	require.NoError(t, err)
	assert.False(t, created)

	// Same provider message under another account is a distinct record.
	created, err = s.Create(ctx, testEmail("a2", "m1"))
	require.NoError(t, err)
	assert.True(t, created)

	exists, err := s.FindExisting(ctx, "a1", "m1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.FindExisting(ctx, "a1", "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetEmailRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testEmail("a1", "m1")
	in.ContactIDs = []string{"ct1"}
	in.DealIDs = []string{"d1"}
	_, err := s.Create(ctx, in)
	require.NoError(t, err)

	out, err := s.GetEmail(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, "alice@example.com", out.From.Email)
	assert.Equal(t, in.To, out.To)
	assert.Equal(t, in.Attachments[0].Filename, out.Attachments[0].Filename)
	assert.True(t, out.Read)
	assert.True(t, out.Incoming)
	assert.Equal(t, in.SentAt.Unix(), out.SentAt.Unix())
	assert.Equal(t, []string{"ct1"}, out.ContactIDs)
	assert.Equal(t, []string{"d1"}, out.DealIDs)

	_, err = s.GetEmail(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBulkCreateCountsNewRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testEmail("a1", "m1"))
	require.NoError(t, err)

	n, err := s.BulkCreate(ctx, []*domain.Email{
		testEmail("a1", "m1"),
		testEmail("a1", "m2"),
		testEmail("a1", "m3"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateLabels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testEmail("a1", "m1")
	_, err := s.Create(ctx, in)
	require.NoError(t, err)

	require.NoError(t, s.UpdateLabels(ctx, "a1", "m1", "TRASH", []string{"TRASH"}))

	out, err := s.GetEmail(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "TRASH", out.Folder)
	assert.Equal(t, []string{"TRASH"}, out.Labels)
	// Body is untouched by label updates.
	assert.Equal(t, "plain", out.Body)
}

func TestCursors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx, "a1", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.SetCursor(ctx, "a1", "INBOX", "41"))
	require.NoError(t, s.SetCursor(ctx, "a1", "INBOX", "42"))
	require.NoError(t, s.SetCursor(ctx, "a1", store.CursorGlobal, "hist-9"))
	require.NoError(t, s.SetCursor(ctx, "a2", "INBOX", "7"))

	cursor, err = s.GetCursor(ctx, "a1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, "42", cursor)
	cursor, err = s.GetCursor(ctx, "a1", store.CursorGlobal)
	require.NoError(t, err)
	assert.Equal(t, "hist-9", cursor)
	cursor, err = s.GetCursor(ctx, "a2", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, "7", cursor)
}

func TestAccountLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acct := &domain.Account{
		ID:        "a1",
		UserID:    "u1",
		CompanyID: "co1",
		Address:   "me@example.com",
		Provider:  domain.ProviderGmail,
		Active:    true,
		OAuth:     &domain.OAuthCredentials{AccessToken: "at", RefreshToken: "rt", Expiry: time.Unix(1800000000, 0)},
	}
	require.NoError(t, s.CreateAccount(ctx, acct))

	got, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGmail, got.Provider)
	require.NotNil(t, got.OAuth)
	assert.Equal(t, "rt", got.OAuth.RefreshToken)
	assert.Nil(t, got.Password)

	got.OAuth.AccessToken = "at2"
	got.LastSyncAt = time.Now()
	require.NoError(t, s.Update(ctx, got))

	again, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "at2", again.OAuth.AccessToken)
	assert.False(t, again.LastSyncAt.IsZero())

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	again.Active = false
	require.NoError(t, s.Update(ctx, again))
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCRMMatchingAndActivities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB.ExecContext(ctx, `INSERT INTO crm_contacts (id, company_id, email) VALUES
		('ct1', 'co1', 'alice@example.com'),
		('ct2', 'co1', 'bob@example.com'),
		('ct3', 'other', 'alice@example.com')`)
	require.NoError(t, err)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO crm_deals (id, company_id, contact_id) VALUES
		('d1', 'co1', 'ct1'),
		('d2', 'co1', 'ct1'),
		('d3', 'co1', 'ct2')`)
	require.NoError(t, err)

	matches, err := s.FindMatchingEntities(ctx, "co1", []string{"alice@example.com", "nobody@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ct1"}, matches.ContactIDs)
	assert.ElementsMatch(t, []string{"d1", "d2"}, matches.DealIDs)

	// Tenancy is honored: same address in another company matches nothing.
	matches, err = s.FindMatchingEntities(ctx, "co2", []string{"alice@example.com"})
	require.NoError(t, err)
	assert.Empty(t, matches.ContactIDs)

	require.NoError(t, s.RecordActivity(ctx, "d1", true, "Received: hello"))
	var n int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM deal_activities WHERE deal_id = 'd1'`).Scan(&n))
	assert.Equal(t, 1, n)
}
