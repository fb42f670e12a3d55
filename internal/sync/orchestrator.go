// Package sync drives incremental synchronization per account: strategy
// selection, cursor handling, the ingestion pipeline, and the manager that
// guards one run per account.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/credential"
	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/fetch"
	"github.com/relaycrm/mailsync/internal/parsework"
	"github.com/relaycrm/mailsync/internal/provider"
	"github.com/relaycrm/mailsync/internal/store"
)

// State is the lifecycle of one account's sync run.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// backfillSuffix marks the cursor row holding a folder's deep-history
// floor during two-phase first sync. "0" means backfill finished.
const backfillSuffix = "#backfill"

// Result summarizes one sync run. Duplicates are expected under
// at-least-once delivery, not a problem signal.
type Result struct {
	Created      int64
	Duplicates   int64
	ParseFailed  int64
	FolderErrors []fetch.FolderError
}

type Orchestrator struct {
	providers  provider.Factory
	creds      *credential.Refresher
	emails     store.EmailStore
	cursors    store.CursorStore
	accounts   store.AccountStore
	matcher    store.CRMMatcher
	activities store.ActivityLogger
	notifier   store.Notifier
	parser     *parsework.Pool
	engine     *fetch.Engine

	// quickWindow caps how many newest messages a never-synced folder
	// loads in the interactive phase before deep history backfills.
	quickWindow int

	log zerolog.Logger
}

type Deps struct {
	Providers  provider.Factory
	Creds      *credential.Refresher
	Emails     store.EmailStore
	Cursors    store.CursorStore
	Accounts   store.AccountStore
	Matcher    store.CRMMatcher
	Activities store.ActivityLogger
	Notifier   store.Notifier
	Parser     *parsework.Pool
	Engine     *fetch.Engine
}

func NewOrchestrator(d Deps, quickWindow int, log zerolog.Logger) *Orchestrator {
	if quickWindow <= 0 {
		quickWindow = 50
	}
	return &Orchestrator{
		providers:   d.Providers,
		creds:       d.Creds,
		emails:      d.Emails,
		cursors:     d.Cursors,
		accounts:    d.Accounts,
		matcher:     d.Matcher,
		activities:  d.Activities,
		notifier:    d.Notifier,
		parser:      d.Parser,
		engine:      d.Engine,
		quickWindow: quickWindow,
		log:         log.With().Str("component", "sync").Logger(),
	}
}

// Run synchronizes one account end to end. Cursor-capable providers
// consume their change feed; mailbox providers walk per-folder UID
// watermarks. Either way ingestion is idempotent, so a crash between
// persist and cursor advance only costs re-delivery.
func (o *Orchestrator) Run(ctx context.Context, acct *domain.Account) (*Result, error) {
	log := o.log.With().Str("account_id", acct.ID).Str("provider", string(acct.Provider)).Logger()

	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if err := o.creds.EnsureValid(ctx, acct); err != nil {
		_ = o.notifier.Error(ctx, acct.UserID, "mailbox needs to be reconnected", err)
		return nil, err
	}

	client, err := o.providers.For(acct)
	if err != nil {
		return nil, err
	}
	// Connection-holding adapters release the account's sessions when the
	// run ends; they are re-dialed on the next run.
	if closer, ok := client.(provider.AccountCloser); ok {
		defer closer.CloseAccount(acct.ID)
	}

	_ = o.notifier.SyncStatus(ctx, acct.UserID, acct.ID, string(StateSyncing), "")
	started := time.Now()
	res := &Result{}

	switch impl := client.(type) {
	case provider.ChangeFeed:
		err = o.runChangeFeed(ctx, acct, impl, res)
	case provider.Mailbox:
		err = o.runMailbox(ctx, acct, client, impl, res)
	default:
		err = fmt.Errorf("adapter for %s supports neither change feed nor mailbox sync", acct.Provider)
	}

	if err != nil {
		_ = o.notifier.SyncStatus(ctx, acct.UserID, acct.ID, string(StateFailed), err.Error())
		if errors.Is(err, domain.ErrAuthExpired) {
			_ = o.notifier.Error(ctx, acct.UserID, "mailbox needs to be reconnected", err)
		}
		return res, err
	}

	acct.LastSyncAt = time.Now()
	if uerr := o.accounts.Update(ctx, acct); uerr != nil {
		log.Error().Err(uerr).Msg("last sync timestamp not persisted")
	}

	log.Info().
		Int64("created", res.Created).
		Int64("duplicates", res.Duplicates).
		Int64("parse_failed", res.ParseFailed).
		Int("folder_errors", len(res.FolderErrors)).
		Dur("elapsed", time.Since(started)).
		Msg("sync run finished")
	_ = o.notifier.SyncStatus(ctx, acct.UserID, acct.ID, string(StateCompleted),
		fmt.Sprintf("%d new messages", res.Created))
	return res, nil
}

// runChangeFeed is the strategy for Gmail and Outlook. An empty cursor
// means first connection: stream everything, then persist the cursor the
// provider handed out up front. An expired cursor degrades to the same
// full listing; dedup absorbs the overlap.
func (o *Orchestrator) runChangeFeed(ctx context.Context, acct *domain.Account, feed provider.ChangeFeed, res *Result) error {
	cursor, err := o.cursors.GetCursor(ctx, acct.ID, store.CursorGlobal)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	if cursor == "" {
		return o.fullListing(ctx, acct, feed, res)
	}

	next, err := feed.ListChanges(ctx, acct, cursor, func(ch provider.Change) error {
		return o.applyChange(ctx, acct, ch, res)
	})
	if errors.Is(err, domain.ErrCursorExpired) {
		o.log.Warn().Str("account_id", acct.ID).Msg("change cursor expired, falling back to full listing")
		return o.fullListing(ctx, acct, feed, res)
	}
	if err != nil {
		return err
	}
	if next != "" && next != cursor {
		if err := o.cursors.SetCursor(ctx, acct.ID, store.CursorGlobal, next); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) fullListing(ctx context.Context, acct *domain.Account, feed provider.ChangeFeed, res *Result) error {
	cursor, err := feed.ListAll(ctx, acct, func(raw *provider.RawMessage) error {
		o.ingest(ctx, acct, raw, res)
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	if cursor != "" {
		if err := o.cursors.SetCursor(ctx, acct.ID, store.CursorGlobal, cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) applyChange(ctx context.Context, acct *domain.Account, ch provider.Change, res *Result) error {
	switch ch.Kind {
	case provider.ChangeAdded:
		if ch.Message != nil {
			o.ingest(ctx, acct, ch.Message, res)
		}
	case provider.ChangeLabelAdded, provider.ChangeLabelRemoved:
		existing, err := o.emails.GetEmail(ctx, domain.EmailID(acct.ID, ch.MessageID))
		if err != nil {
			// The label change may target a message from before this
			// account was connected.
			o.log.Debug().Str("account_id", acct.ID).Str("provider_message_id", ch.MessageID).
				Err(err).Msg("label change for unknown message")
			return ctx.Err()
		}
		labels := mergeLabels(existing.Labels, ch.Labels)
		if ch.Kind == provider.ChangeLabelRemoved {
			labels = dropLabels(existing.Labels, ch.Labels)
		}
		folder := folderFromLabels(labels)
		if folder == "" {
			// No role label left on the resulting set means the message
			// was archived.
			folder = "ARCHIVE"
		}
		if err := o.emails.UpdateLabels(ctx, acct.ID, ch.MessageID, folder, labels); err != nil {
			o.log.Debug().Str("account_id", acct.ID).Str("provider_message_id", ch.MessageID).
				Err(err).Msg("label change not persisted")
		}
	}
	return ctx.Err()
}

func folderFromLabels(labels []string) string {
	for _, l := range labels {
		switch l {
		case "TRASH", "SPAM", "INBOX", "SENT", "DRAFT":
			return l
		}
	}
	return ""
}

func mergeLabels(have, add []string) []string {
	out := append([]string(nil), have...)
	for _, l := range add {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func dropLabels(have, remove []string) []string {
	out := make([]string, 0, len(have))
	for _, l := range have {
		if !slices.Contains(remove, l) {
			out = append(out, l)
		}
	}
	return out
}

// runMailbox is the watermark strategy for IMAP. Folders fan out across
// the fetch engine; each folder advances its own high-water UID only after
// the batch below it is persisted. A folder never seen before loads a
// quick window of newest messages first and leaves a backfill floor
// behind, so the mailbox is usable before deep history finishes.
func (o *Orchestrator) runMailbox(ctx context.Context, acct *domain.Account, client provider.Client, mailbox provider.Mailbox, res *Result) error {
	folders, err := client.ListFolders(ctx, acct)
	if err != nil {
		return err
	}

	roles := make(map[string]domain.FolderRole, len(folders))
	for _, f := range folders {
		roles[f.Path] = f.Role
	}

	folderErrs := o.engine.Run(ctx, folders, func(ctx context.Context, f provider.Folder) error {
		return o.syncFolder(ctx, acct, mailbox, f, res)
	})
	res.FolderErrors = append(res.FolderErrors, folderErrs...)

	// Partial failure keeps the run alive, the inbox failing does not.
	for _, fe := range folderErrs {
		if roles[fe.Folder] == domain.RoleInbox {
			return fmt.Errorf("inbox sync failed: %w", fe.Err)
		}
		if errors.Is(fe.Err, domain.ErrAuthExpired) {
			return fe.Err
		}
	}
	return nil
}

func (o *Orchestrator) syncFolder(ctx context.Context, acct *domain.Account, mailbox provider.Mailbox, f provider.Folder, res *Result) error {
	watermark, err := o.cursors.GetCursor(ctx, acct.ID, f.Path)
	if err != nil {
		return err
	}

	if watermark == "" {
		if err := o.quickLoad(ctx, acct, mailbox, f, res); err != nil {
			return err
		}
	} else {
		wm, _ := strconv.ParseUint(watermark, 10, 32)
		uids, err := mailbox.ListUIDs(ctx, acct, f.Path, uint32(wm))
		if err != nil {
			return err
		}
		if err := o.ingestUIDs(ctx, acct, mailbox, f, uids, res, func(batchMax uint32) error {
			return o.cursors.SetCursor(ctx, acct.ID, f.Path, strconv.FormatUint(uint64(batchMax), 10))
		}); err != nil {
			return err
		}
	}

	return o.backfill(ctx, acct, mailbox, f, res)
}

// quickLoad ingests the newest quickWindow messages of a never-synced
// folder, sets the watermark at the folder's top, and records the oldest
// fetched UID as the backfill floor.
func (o *Orchestrator) quickLoad(ctx context.Context, acct *domain.Account, mailbox provider.Mailbox, f provider.Folder, res *Result) error {
	uids, err := mailbox.ListUIDs(ctx, acct, f.Path, 0)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return o.cursors.SetCursor(ctx, acct.ID, f.Path, "0")
	}

	quick := uids
	floor := uint32(0)
	if len(uids) > o.quickWindow {
		quick = uids[len(uids)-o.quickWindow:]
		floor = quick[0]
	}

	top := quick[len(quick)-1]
	if err := o.ingestUIDs(ctx, acct, mailbox, f, quick, res, nil); err != nil {
		return err
	}
	if err := o.cursors.SetCursor(ctx, acct.ID, f.Path, strconv.FormatUint(uint64(top), 10)); err != nil {
		return err
	}
	if floor > 0 {
		return o.cursors.SetCursor(ctx, acct.ID, f.Path+backfillSuffix, strconv.FormatUint(uint64(floor), 10))
	}
	return nil
}

// backfill drains history below the folder's floor, newest batch first,
// lowering the floor after each persisted batch so an interrupted run
// resumes where it stopped.
func (o *Orchestrator) backfill(ctx context.Context, acct *domain.Account, mailbox provider.Mailbox, f provider.Folder, res *Result) error {
	floorStr, err := o.cursors.GetCursor(ctx, acct.ID, f.Path+backfillSuffix)
	if err != nil || floorStr == "" || floorStr == "0" {
		return err
	}
	floor64, err := strconv.ParseUint(floorStr, 10, 32)
	if err != nil {
		return o.cursors.SetCursor(ctx, acct.ID, f.Path+backfillSuffix, "0")
	}
	floor := uint32(floor64)

	all, err := mailbox.ListUIDs(ctx, acct, f.Path, 0)
	if err != nil {
		return err
	}
	var pending []uint32
	for _, uid := range all {
		if uid < floor {
			pending = append(pending, uid)
		}
	}

	batches := o.engine.Batches(pending)
	for i := len(batches) - 1; i >= 0; i-- {
		batch := batches[i]
		raws, err := mailbox.FetchByUID(ctx, acct, f.Path, batch)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			o.ingest(ctx, acct, raw, res)
		}
		if err := o.cursors.SetCursor(ctx, acct.ID, f.Path+backfillSuffix, strconv.FormatUint(uint64(batch[0]), 10)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return o.cursors.SetCursor(ctx, acct.ID, f.Path+backfillSuffix, "0")
}

// ingestUIDs fetches ascending UID batches and invokes advance with the
// batch's top UID once its messages are persisted.
func (o *Orchestrator) ingestUIDs(ctx context.Context, acct *domain.Account, mailbox provider.Mailbox, f provider.Folder, uids []uint32, res *Result, advance func(uint32) error) error {
	for _, batch := range o.engine.Batches(uids) {
		raws, err := mailbox.FetchByUID(ctx, acct, f.Path, batch)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			o.ingest(ctx, acct, raw, res)
		}
		if advance != nil {
			if err := advance(batch[len(batch)-1]); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ingest runs one message through the pipeline: dedup check, bounded
// parse, CRM matching, persist, activity log, notify. Per-message failures
// never abort the surrounding sync.
func (o *Orchestrator) ingest(ctx context.Context, acct *domain.Account, raw *provider.RawMessage, res *Result) {
	exists, err := o.emails.FindExisting(ctx, acct.ID, raw.ProviderMessageID)
	if err != nil {
		o.log.Error().Str("account_id", acct.ID).Err(err).Msg("dedup lookup failed, skipping message")
		return
	}
	if exists {
		atomic.AddInt64(&res.Duplicates, 1)
		return
	}

	email, perr := o.parser.Normalize(ctx, acct, raw)
	if email == nil {
		// The run was cancelled before a worker answered; the context
		// error surfaces through the surrounding loop.
		return
	}
	if perr != nil {
		// The placeholder record still ingests; losing the body beats
		// losing the message.
		atomic.AddInt64(&res.ParseFailed, 1)
	}

	o.match(ctx, acct, email)

	created, err := o.emails.Create(ctx, email)
	if err != nil {
		o.log.Error().Str("account_id", acct.ID).Str("provider_message_id", raw.ProviderMessageID).
			Err(err).Msg("message not persisted")
		return
	}
	if !created {
		atomic.AddInt64(&res.Duplicates, 1)
		return
	}
	atomic.AddInt64(&res.Created, 1)

	for _, dealID := range email.DealIDs {
		if err := o.activities.RecordActivity(ctx, dealID, email.Incoming, activitySummary(email)); err != nil {
			o.log.Warn().Str("deal_id", dealID).Err(err).Msg("deal activity not recorded")
		}
	}
	if err := o.notifier.NewMessage(ctx, acct.UserID, email); err != nil {
		o.log.Warn().Str("account_id", acct.ID).Err(err).Msg("new message notification dropped")
	}
}

// match links the message to CRM entities by its address list. Matching is
// advisory; a matcher outage never blocks ingestion.
func (o *Orchestrator) match(ctx context.Context, acct *domain.Account, email *domain.Email) {
	addrs := []string{email.From.Email}
	for _, r := range email.Recipients() {
		addrs = append(addrs, r.Email)
	}
	matches, err := o.matcher.FindMatchingEntities(ctx, acct.CompanyID, addrs)
	if err != nil {
		o.log.Warn().Str("account_id", acct.ID).Err(err).Msg("crm matching unavailable")
		return
	}
	if matches != nil {
		email.ContactIDs = matches.ContactIDs
		email.DealIDs = matches.DealIDs
	}
}

func activitySummary(email *domain.Email) string {
	subject := email.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	if len(subject) > 200 {
		subject = subject[:200]
	}
	if email.Incoming {
		return "Received: " + subject
	}
	return "Sent: " + subject
}
