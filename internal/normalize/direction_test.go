package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

const me = "me@example.com"

func classify(raw *provider.RawMessage) bool {
	e := &domain.Email{
		From: domain.ParseAddress(raw.From),
		To:   domain.ParseAddressList(raw.To),
		Cc:   domain.ParseAddressList(raw.Cc),
	}
	return ClassifyIncoming(raw, e, me)
}

func TestClassifyProviderSignalWins(t *testing.T) {
	// A sent-labeled message is outgoing even when the sender address is
	// foreign.
	assert.False(t, classify(&provider.RawMessage{Sent: true, From: "other@x.com", To: me}))
	assert.False(t, classify(&provider.RawMessage{Draft: true, From: "other@x.com", To: me}))
	assert.False(t, classify(&provider.RawMessage{Role: domain.RoleSent, From: "other@x.com", To: me}))
	assert.False(t, classify(&provider.RawMessage{Role: domain.RoleDrafts}))
}

func TestClassifyReceivedFolders(t *testing.T) {
	// Inbox/spam/trash placement beats the sender heuristic.
	assert.True(t, classify(&provider.RawMessage{Role: domain.RoleInbox, From: me}))
	assert.True(t, classify(&provider.RawMessage{Role: domain.RoleSpam, From: "x@y.com"}))
	assert.True(t, classify(&provider.RawMessage{Role: domain.RoleTrash, From: "x@y.com"}))
}

func TestClassifyAddressHeuristics(t *testing.T) {
	// No folder signal: sender == account means outgoing.
	assert.False(t, classify(&provider.RawMessage{From: "Me <ME@Example.Com>", To: "other@x.com"}))

	// Account among recipients means incoming.
	assert.True(t, classify(&provider.RawMessage{From: "other@x.com", To: "a@x.com, " + me}))
	assert.True(t, classify(&provider.RawMessage{From: "other@x.com", Cc: me}))

	// Neither side involves the account: default incoming.
	assert.True(t, classify(&provider.RawMessage{From: "a@x.com", To: "b@x.com"}))
}

func TestClassifyDeterministic(t *testing.T) {
	raw := &provider.RawMessage{From: "other@x.com", To: me, Role: domain.RoleArchive}
	first := classify(raw)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, classify(raw))
	}
}
