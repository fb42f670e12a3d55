package imap

import (
	"context"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/relaycrm/mailsync/internal/domain"
)

// conn is one authenticated IMAP session. IMAP commands operate on the
// selected mailbox, so the connection remembers it and reselects only when
// the target folder changes.
type conn struct {
	c        *imapclient.Client
	selected string
	broken   bool
}

func (cn *conn) selectFolder(folder string) error {
	if cn.selected == folder {
		return nil
	}
	if _, err := cn.c.Select(folder, nil).Wait(); err != nil {
		cn.broken = true
		return fmt.Errorf("select %q: %w", folder, err)
	}
	cn.selected = folder
	return nil
}

// Pool caps concurrent IMAP sessions per account and reuses them across
// folder fetches within a sync run. Servers enforce low connection limits,
// so the cap doubles as the engine's fetch parallelism bound.
type Pool struct {
	acct *domain.Account
	max  int

	mu     sync.Mutex
	idle   []*conn
	opened int
	slots  chan struct{}
	closed bool
}

// NewPool builds a pool for one account. max must be at least 1.
func NewPool(acct *domain.Account, max int) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{acct: acct, max: max, slots: make(chan struct{}, max)}
}

func dial(acct *domain.Account) (*conn, error) {
	creds := acct.Password
	if creds == nil {
		return nil, fmt.Errorf("imap account %s: %w", acct.ID, domain.ErrConfigurationMissing)
	}
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)

	var client *imapclient.Client
	var err error
	if creds.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", addr, err, domain.ErrTransient)
	}

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login %s: %w: %w", creds.Username, err, domain.ErrAuthExpired)
	}
	return &conn{c: client}, nil
}

// Acquire returns an authenticated session, dialing a new one only while
// the cap allows. Blocks until a slot frees or the context ends.
func (p *Pool) Acquire(ctx context.Context) (*conn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, fmt.Errorf("pool closed for account %s", p.acct.ID)
	}
	if n := len(p.idle); n > 0 {
		cn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return cn, nil
	}
	p.opened++
	p.mu.Unlock()

	cn, err := dial(p.acct)
	if err != nil {
		p.mu.Lock()
		p.opened--
		p.mu.Unlock()
		<-p.slots
		return nil, err
	}
	return cn, nil
}

// Release returns a session to the pool, discarding it when a command left
// it in an unknown state.
func (p *Pool) Release(cn *conn) {
	p.mu.Lock()
	if cn.broken || p.closed {
		p.opened--
		p.mu.Unlock()
		_ = cn.c.Logout().Wait()
	} else {
		p.idle = append(p.idle, cn)
		p.mu.Unlock()
	}
	<-p.slots
}

// Close logs out every idle session. In-flight sessions are discarded on
// their next Release.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.opened -= len(idle)
	p.closed = true
	p.mu.Unlock()
	for _, cn := range idle {
		_ = cn.c.Logout().Wait()
	}
}
