package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a := ParseAddress("Jane Doe <Jane.Doe@Example.COM>")
	assert.Equal(t, "Jane Doe", a.Name)
	assert.Equal(t, "jane.doe@example.com", a.Email)

	bare := ParseAddress("bob@example.com")
	assert.Empty(t, bare.Name)
	assert.Equal(t, "bob@example.com", bare.Email)

	// Malformed input degrades to a bare address instead of dropping the
	// message.
	junk := ParseAddress("<not really valid")
	assert.Equal(t, "not really valid", junk.Email)

	assert.Empty(t, ParseAddress("").Email)
}

func TestParseAddressList(t *testing.T) {
	addrs := ParseAddressList("A <a@x.com>, b@y.com")
	require.Len(t, addrs, 2)
	assert.Equal(t, "a@x.com", addrs[0].Email)
	assert.Equal(t, "b@y.com", addrs[1].Email)

	assert.Nil(t, ParseAddressList(""))
}

func TestEmailID(t *testing.T) {
	assert.Equal(t, "acct1_msg9", EmailID("acct1", "msg9"))

	// Two accounts seeing the same physical message keep distinct records.
	assert.NotEqual(t, EmailID("acct1", "m"), EmailID("acct2", "m"))
}

func TestRecipients(t *testing.T) {
	e := &Email{
		To:  []Address{{Email: "a@x.com"}},
		Cc:  []Address{{Email: "b@x.com"}},
		Bcc: []Address{{Email: "c@x.com"}},
	}
	got := e.Recipients()
	require.Len(t, got, 3)
	assert.Equal(t, "b@x.com", got[1].Email)
}

func TestAccountValidate(t *testing.T) {
	oauth := &OAuthCredentials{RefreshToken: "r"}
	pw := &PasswordCredentials{Host: "imap.example.com", Username: "u", Password: "p"}

	cases := []struct {
		name string
		acct Account
		ok   bool
	}{
		{"gmail with oauth", Account{ID: "1", Provider: ProviderGmail, OAuth: oauth}, true},
		{"gmail without oauth", Account{ID: "2", Provider: ProviderGmail}, false},
		{"gmail with password bundle", Account{ID: "3", Provider: ProviderGmail, OAuth: oauth, Password: pw}, false},
		{"outlook with oauth", Account{ID: "4", Provider: ProviderOutlook, OAuth: oauth}, true},
		{"imap with password", Account{ID: "5", Provider: ProviderIMAP, Password: pw}, true},
		{"imap without password", Account{ID: "6", Provider: ProviderIMAP}, false},
		{"imap with oauth", Account{ID: "7", Provider: ProviderIMAP, Password: pw, OAuth: oauth}, false},
		{"unknown provider", Account{ID: "8", Provider: "POP3"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.acct.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrConfigurationMissing)
			}
		})
	}
}

func TestGuessRole(t *testing.T) {
	assert.Equal(t, RoleInbox, GuessRole("INBOX"))
	assert.Equal(t, RoleSent, GuessRole("Sent Items"))
	assert.Equal(t, RoleSent, GuessRole("[Gmail]/Sent Mail"))
	assert.Equal(t, RoleTrash, GuessRole("INBOX.Bin"))
	assert.Equal(t, RoleSpam, GuessRole("Junk"))
	assert.Equal(t, RoleArchive, GuessRole("All Mail"))
	assert.Equal(t, RoleUnknown, GuessRole("Receipts/2024"))
}

func TestRolePriority(t *testing.T) {
	assert.Less(t, RoleInbox.Priority(), RoleSent.Priority())
	assert.Less(t, RoleTrash.Priority(), RoleUnknown.Priority())
}
