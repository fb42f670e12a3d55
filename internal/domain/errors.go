package domain

import "errors"

// Error taxonomy shared by every provider adapter. Callers branch with
// errors.Is; adapters wrap the provider-native error so the original cause
// stays visible in logs.
var (
	// ErrAuthExpired means the account credentials were rejected and a
	// refresh (or a full reconnect by the user) is required.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNotFound means the target message is no longer at its last known
	// location. Mutating operations fall back to a stable-key search.
	ErrNotFound = errors.New("message not found")

	// ErrTransient covers network and timeout failures that are safe to
	// retry at the operation level.
	ErrTransient = errors.New("transient provider error")

	// ErrCursorExpired means the provider rejected a stored change cursor
	// as too old. The sync falls back to a full resync.
	ErrCursorExpired = errors.New("sync cursor expired")

	// ErrParseFailure marks a single message whose body could not be
	// extracted. The message is kept with a placeholder body.
	ErrParseFailure = errors.New("message parse failure")

	// ErrConfigurationMissing means the account record lacks the
	// credentials its provider kind requires.
	ErrConfigurationMissing = errors.New("account configuration missing")
)
