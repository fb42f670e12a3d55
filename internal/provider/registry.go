package provider

import (
	"fmt"

	"github.com/relaycrm/mailsync/internal/domain"
)

// Registry is the concrete Factory: one adapter per provider kind,
// registered at startup.
type Registry map[domain.Provider]Client

func (r Registry) For(acct *domain.Account) (Client, error) {
	client, ok := r[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s: %w", acct.Provider, domain.ErrConfigurationMissing)
	}
	return client, nil
}
