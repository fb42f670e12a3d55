package normalize

import (
	"strings"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

// ClassifyIncoming decides message direction. The rules form a decision
// table evaluated in order, first match wins; provider-native signals beat
// address heuristics, so a "sent"-labeled message from a foreign address is
// still outgoing. Self-sent mail with no folder signal lands on the
// final default and is reported as incoming; that matches the original
// system's behavior and is a known ambiguity, not an oversight.
func ClassifyIncoming(raw *provider.RawMessage, email *domain.Email, accountAddr string) bool {
	addr := strings.ToLower(strings.TrimSpace(accountAddr))

	// 1. Explicit sent/draft signal from the provider.
	if raw.Sent || raw.Draft || raw.Role == domain.RoleSent || raw.Role == domain.RoleDrafts {
		return false
	}
	// 2. Explicit received-side folder role.
	if raw.Role == domain.RoleInbox || raw.Role == domain.RoleSpam || raw.Role == domain.RoleTrash {
		return true
	}
	// 3. Sender is the account itself.
	if email.From.Email != "" && email.From.Email == addr {
		return false
	}
	// 4. Account appears among the recipients.
	for _, r := range email.Recipients() {
		if r.Email == addr {
			return true
		}
	}
	// 5. Default.
	return true
}
