// Package parsework offloads CPU-bound message normalization to a bounded
// worker pool so historical backfill of large mailboxes never stalls the
// orchestration goroutine. Requests are enveloped with a reply channel and
// a per-task timeout; a timeout is a per-message parse failure, never a
// fatal sync failure.
package parsework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/normalize"
	"github.com/relaycrm/mailsync/internal/provider"
)

type request struct {
	acct  *domain.Account
	raw   *provider.RawMessage
	reply chan result
}

type result struct {
	email *domain.Email
	err   error
}

// Pool is a request/response normalization queue.
type Pool struct {
	normalizer *normalize.Normalizer
	jobs       chan request
	timeout    time.Duration
	log        zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts workers goroutines draining a queue of queueSize pending
// requests. timeout bounds each individual normalization.
func New(n *normalize.Normalizer, workers, queueSize int, timeout time.Duration, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = workers * 8
	}
	p := &Pool{
		normalizer: n,
		jobs:       make(chan request, queueSize),
		timeout:    timeout,
		log:        log.With().Str("component", "parsework").Logger(),
		stop:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.jobs:
			email, err := p.normalizer.Normalize(req.acct, req.raw)
			req.reply <- result{email: email, err: err}
		}
	}
}

// Normalize submits one raw message and waits for the canonical record.
// On timeout (queue backlog or a pathological body) it returns a
// placeholder record and an error wrapping domain.ErrParseFailure; the
// placeholder is still ingestable. A worker-side parse failure passes
// through the same way. Only a cancelled context returns a nil record.
func (p *Pool) Normalize(ctx context.Context, acct *domain.Account, raw *provider.RawMessage) (*domain.Email, error) {
	req := request{acct: acct, raw: raw, reply: make(chan result, 1)}

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	select {
	case p.jobs <- req:
	case <-deadline.C:
		return p.timedOut(acct, raw, "queue full")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-req.reply:
		return out.email, out.err
	case <-deadline.C:
		return p.timedOut(acct, raw, "normalization timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) timedOut(acct *domain.Account, raw *provider.RawMessage, reason string) (*domain.Email, error) {
	err := fmt.Errorf("%s after %s: %w", reason, p.timeout, domain.ErrParseFailure)
	p.log.Warn().
		Str("account_id", acct.ID).
		Str("message_id", raw.ProviderMessageID).
		Msg(reason)
	return p.normalizer.Placeholder(acct, raw, err), err
}

// Close stops the workers. Pending Normalize calls time out normally.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
