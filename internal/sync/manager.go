package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/store"
)

// Status is the manager's view of one account's sync lifecycle.
type Status struct {
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string
	LastResult *Result
}

// Manager owns sync execution: one run per account at a time, trigger
// while running is a no-op, and scheduled passes fan out over every active
// account.
type Manager struct {
	accounts store.AccountStore
	orch     *Orchestrator
	log      zerolog.Logger

	mu      sync.RWMutex
	running map[string]context.CancelFunc
	status  map[string]*Status
}

func NewManager(accounts store.AccountStore, orch *Orchestrator, log zerolog.Logger) *Manager {
	return &Manager{
		accounts: accounts,
		orch:     orch,
		log:      log.With().Str("component", "manager").Logger(),
		running:  make(map[string]context.CancelFunc),
		status:   make(map[string]*Status),
	}
}

// Trigger starts a background sync for the account. A run already in
// flight absorbs the trigger silently; a later run picks up whatever the
// in-flight one misses.
func (m *Manager) Trigger(ctx context.Context, accountID string) error {
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.Active {
		return fmt.Errorf("account %s is not active", accountID)
	}

	m.mu.Lock()
	if _, inFlight := m.running[accountID]; inFlight {
		m.mu.Unlock()
		m.log.Debug().Str("account_id", accountID).Msg("sync already running, trigger ignored")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running[accountID] = cancel
	m.status[accountID] = &Status{State: StateSyncing, StartedAt: time.Now()}
	m.mu.Unlock()

	go func() {
		defer cancel()
		res, err := m.orch.Run(runCtx, acct)

		m.mu.Lock()
		delete(m.running, accountID)
		st := m.status[accountID]
		st.FinishedAt = time.Now()
		st.LastResult = res
		if err != nil {
			st.State = StateFailed
			st.LastError = err.Error()
		} else {
			st.State = StateCompleted
			st.LastError = ""
		}
		m.mu.Unlock()

		if err != nil {
			m.log.Error().Str("account_id", accountID).Err(err).Msg("sync run failed")
		}
	}()
	return nil
}

// Stop cancels an in-flight run for the account, if any.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[accountID]; ok {
		cancel()
		delete(m.running, accountID)
	}
}

// StopAll cancels every in-flight run.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.running {
		m.log.Info().Str("account_id", id).Msg("stopping sync")
		cancel()
	}
	m.running = make(map[string]context.CancelFunc)
}

// Status returns the last known lifecycle for an account, StateIdle when
// it has never synced in this process.
func (m *Manager) Status(accountID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.status[accountID]; ok {
		return *st
	}
	return Status{State: StateIdle}
}

// RunAll triggers a sync for every active account. Used by the scheduler
// tick; accounts mid-run are skipped by the trigger no-op.
func (m *Manager) RunAll(ctx context.Context) {
	accounts, err := m.accounts.ListActive(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("active account listing failed")
		return
	}
	for _, acct := range accounts {
		if err := m.Trigger(ctx, acct.ID); err != nil {
			m.log.Warn().Str("account_id", acct.ID).Err(err).Msg("scheduled trigger failed")
		}
	}
}
