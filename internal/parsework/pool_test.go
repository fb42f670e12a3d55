package parsework

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/normalize"
	"github.com/relaycrm/mailsync/internal/provider"
)

var acct = &domain.Account{ID: "a1", Address: "me@example.com", Provider: domain.ProviderIMAP}

func TestPoolNormalize(t *testing.T) {
	p := New(normalize.New(zerolog.Nop()), 2, 8, 5*time.Second, zerolog.Nop())
	defer p.Close()

	email, err := p.Normalize(context.Background(), acct, &provider.RawMessage{
		ProviderMessageID: "m1",
		TextBody:          "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1_m1", email.ID)
	assert.Equal(t, "hello", email.Body)
}

func TestPoolTimeoutYieldsPlaceholder(t *testing.T) {
	p := New(normalize.New(zerolog.Nop()), 1, 1, 50*time.Millisecond, zerolog.Nop())
	p.Close() // no workers left, every submit sits in the queue until deadline

	email, err := p.Normalize(context.Background(), acct, &provider.RawMessage{
		ProviderMessageID: "m2",
		Subject:           "kept",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrParseFailure)
	require.NotNil(t, email)
	assert.Equal(t, "kept", email.Subject)
	assert.Contains(t, email.Body, "[body unavailable")
}

func TestPoolParseErrorPassesThrough(t *testing.T) {
	p := New(normalize.New(zerolog.Nop()), 1, 4, 5*time.Second, zerolog.Nop())
	defer p.Close()

	email, err := p.Normalize(context.Background(), acct, &provider.RawMessage{
		ProviderMessageID: "m4",
		Subject:           "kept",
		RawMIME:           []byte("total garbage, not a message"),
	})
	assert.ErrorIs(t, err, domain.ErrParseFailure)
	require.NotNil(t, email)
	assert.Equal(t, "kept", email.Subject)
	assert.Contains(t, email.Body, "[body unavailable")
}

func TestPoolCancelledContext(t *testing.T) {
	p := New(normalize.New(zerolog.Nop()), 1, 1, time.Second, zerolog.Nop())
	p.Close()

	// Fill the queue so the submit blocks and cancellation is the only
	// ready branch.
	p.jobs <- request{acct: acct, raw: &provider.RawMessage{}, reply: make(chan result, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	email, err := p.Normalize(ctx, acct, &provider.RawMessage{ProviderMessageID: "m3"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, email)
}
