// Package imap adapts classic IMAP servers to the provider interfaces.
// IMAP has no change feed; incremental sync runs on per-folder UID
// watermarks, and message identity leans on the RFC Message-ID header
// because UIDs die the moment a message moves.
package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

// Client implements the provider operation set over pooled IMAP sessions.
// One pool per account, created lazily and capped at maxConns.
type Client struct {
	log      zerolog.Logger
	maxConns int

	mu    sync.Mutex
	pools map[string]*Pool
}

func New(log zerolog.Logger, maxConns int) *Client {
	return &Client{
		log:      log.With().Str("provider", "imap").Logger(),
		maxConns: maxConns,
		pools:    make(map[string]*Pool),
	}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderIMAP }

func (c *Client) pool(acct *domain.Account) *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[acct.ID]
	if !ok {
		p = NewPool(acct, c.maxConns)
		c.pools[acct.ID] = p
	}
	return p
}

// CloseAccount tears down the pooled sessions for one account. The
// orchestrator calls it when the account's sync run ends; the next run
// dials fresh sessions.
func (c *Client) CloseAccount(accountID string) {
	c.mu.Lock()
	p, ok := c.pools[accountID]
	delete(c.pools, accountID)
	c.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Close tears down every pooled session, for process shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*Pool)
	c.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

var attrRoles = map[goimap.MailboxAttr]domain.FolderRole{
	goimap.MailboxAttrSent:    domain.RoleSent,
	goimap.MailboxAttrDrafts:  domain.RoleDrafts,
	goimap.MailboxAttrJunk:    domain.RoleSpam,
	goimap.MailboxAttrTrash:   domain.RoleTrash,
	goimap.MailboxAttrArchive: domain.RoleArchive,
	goimap.MailboxAttrAll:     domain.RoleArchive,
}

func (c *Client) listFolders(cn *conn) ([]provider.Folder, error) {
	boxes, err := cn.c.List("", "*", nil).Collect()
	if err != nil {
		cn.broken = true
		return nil, fmt.Errorf("list folders: %w", err)
	}
	var folders []provider.Folder
	for _, box := range boxes {
		noSelect := false
		role := domain.RoleUnknown
		for _, attr := range box.Attrs {
			if attr == goimap.MailboxAttrNoSelect {
				noSelect = true
			}
			if r, ok := attrRoles[attr]; ok {
				role = r
			}
		}
		if noSelect {
			continue
		}
		if strings.EqualFold(box.Mailbox, "INBOX") {
			role = domain.RoleInbox
		}
		// Servers without SPECIAL-USE advertise nothing; fall back to
		// name heuristics.
		if role == domain.RoleUnknown {
			role = domain.GuessRole(box.Mailbox)
		}
		folders = append(folders, provider.Folder{Path: box.Mailbox, Role: role})
	}
	return folders, nil
}

func (c *Client) ListFolders(ctx context.Context, acct *domain.Account) ([]provider.Folder, error) {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(cn)
	return c.listFolders(cn)
}

// topology resolves role -> folder path for mutation targets.
func (c *Client) topology(cn *conn) (domain.Topology, error) {
	folders, err := c.listFolders(cn)
	if err != nil {
		return nil, err
	}
	topo := domain.Topology{}
	for _, f := range folders {
		if f.Role == domain.RoleUnknown {
			continue
		}
		if _, taken := topo[f.Role]; !taken {
			topo[f.Role] = f.Path
		}
	}
	return topo, nil
}

// ListUIDs returns the folder's UIDs strictly above the watermark,
// ascending.
func (c *Client) ListUIDs(ctx context.Context, acct *domain.Account, folder string, above uint32) ([]uint32, error) {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(cn)

	if err := cn.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(above + 1)}}
	criteria := &goimap.SearchCriteria{UID: []goimap.UIDSet{uidSet}}
	data, err := cn.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		cn.broken = true
		return nil, fmt.Errorf("uid search %q above %d: %w", folder, above, err)
	}

	var uids []uint32
	for _, uid := range data.AllUIDs() {
		// Some servers answer a ">" search for an empty range with the
		// highest existing UID anyway.
		if uint32(uid) > above {
			uids = append(uids, uint32(uid))
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchByUID fetches full messages for the given UIDs in one folder. The
// MIME body ships raw; the normalizer owns parsing.
func (c *Client) FetchByUID(ctx context.Context, acct *domain.Account, folder string, uids []uint32) ([]*provider.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(cn)

	if err := cn.selectFolder(folder); err != nil {
		return nil, err
	}

	ids := make([]goimap.UID, len(uids))
	for i, uid := range uids {
		ids[i] = goimap.UID(uid)
	}
	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchOpts := &goimap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*goimap.FetchItemBodySection{bodySection},
	}

	role := domain.GuessRole(folder)
	fetchCmd := cn.c.Fetch(goimap.UIDSetNum(ids...), fetchOpts)
	defer fetchCmd.Close()

	var raws []*provider.RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			c.log.Warn().Str("folder", folder).Err(err).Msg("dropping unreadable message from fetch batch")
			continue
		}
		raw := &provider.RawMessage{
			Folder:  folder,
			Role:    role,
			UID:     uint32(buf.UID),
			Headers: map[string]string{},
			RawMIME: buf.FindBodySection(bodySection),
			Date:    buf.InternalDate,
		}
		for _, flag := range buf.Flags {
			raw.Labels = append(raw.Labels, string(flag))
			switch flag {
			case goimap.FlagSeen:
				raw.Read = true
			case goimap.FlagDraft:
				raw.Draft = true
			}
		}
		if role == domain.RoleSent {
			raw.Sent = true
		}
		if env := buf.Envelope; env != nil {
			raw.Subject = env.Subject
			if !env.Date.IsZero() {
				raw.Date = env.Date
			}
			if env.MessageID != "" {
				raw.Headers["Message-Id"] = env.MessageID
			}
			raw.From = joinIMAPAddrs(env.From)
			raw.To = joinIMAPAddrs(env.To)
			raw.Cc = joinIMAPAddrs(env.Cc)
			raw.Bcc = joinIMAPAddrs(env.Bcc)
			if len(env.InReplyTo) > 0 {
				raw.Headers["In-Reply-To"] = strings.Join(env.InReplyTo, " ")
			}
		}
		raw.ProviderMessageID = messageKey(raw.Headers["Message-Id"], folder, raw.UID)
		raws = append(raws, raw)
	}
	if err := fetchCmd.Close(); err != nil {
		cn.broken = true
		return raws, fmt.Errorf("fetch %q: %w", folder, err)
	}
	return raws, nil
}

// messageKey is the dedup identity for an IMAP message. The Message-ID
// header survives moves between folders; folder+UID is the fallback for
// the rare message without one.
func messageKey(messageID, folder string, uid uint32) string {
	if messageID != "" {
		return strings.Trim(messageID, "<>")
	}
	return fmt.Sprintf("%s:%d", folder, uid)
}

func joinIMAPAddrs(addrs []goimap.Address) string {
	var parts []string
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Addr()))
		} else if a.Addr() != "" {
			parts = append(parts, a.Addr())
		}
	}
	return strings.Join(parts, ", ")
}

// FindByMessageID searches a folder for a message by Message-ID header.
func (c *Client) FindByMessageID(ctx context.Context, acct *domain.Account, folder, messageID string) (*provider.Ref, error) {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(cn)
	return c.findOn(cn, folder, messageID)
}

func (c *Client) findOn(cn *conn, folder, messageID string) (*provider.Ref, error) {
	if err := cn.selectFolder(folder); err != nil {
		return nil, err
	}
	criteria := &goimap.SearchCriteria{
		Header: []goimap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}
	data, err := cn.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		cn.broken = true
		return nil, fmt.Errorf("search %q for message id: %w", folder, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, fmt.Errorf("message id %s not in %q: %w", messageID, folder, domain.ErrNotFound)
	}
	return &provider.Ref{Folder: folder, UID: uint32(uids[0]), StableID: messageID}, nil
}

var flagNames = map[string]goimap.Flag{
	"read":     goimap.FlagSeen,
	"seen":     goimap.FlagSeen,
	"starred":  goimap.FlagFlagged,
	"flagged":  goimap.FlagFlagged,
	"answered": goimap.FlagAnswered,
	"draft":    goimap.FlagDraft,
}

func toFlags(names []string) []goimap.Flag {
	var flags []goimap.Flag
	for _, name := range names {
		if f, ok := flagNames[strings.ToLower(name)]; ok {
			flags = append(flags, f)
		} else {
			flags = append(flags, goimap.Flag(name))
		}
	}
	return flags
}

func (c *Client) store(cn *conn, ref provider.Ref, op goimap.StoreFlagsOp, flags []goimap.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	if err := cn.selectFolder(ref.Folder); err != nil {
		return err
	}
	cmd := cn.c.Store(goimap.UIDSetNum(goimap.UID(ref.UID)), &goimap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)
	if err := cmd.Close(); err != nil {
		cn.broken = true
		return fmt.Errorf("store flags uid %d in %q: %w", ref.UID, ref.Folder, err)
	}
	return nil
}

func (c *Client) ModifyFlags(ctx context.Context, acct *domain.Account, ref provider.Ref, add, remove []string) error {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)

	if err := c.store(cn, ref, goimap.StoreFlagsAdd, toFlags(add)); err != nil {
		return err
	}
	return c.store(cn, ref, goimap.StoreFlagsDel, toFlags(remove))
}

func (c *Client) move(cn *conn, ref provider.Ref, role domain.FolderRole) error {
	topo, err := c.topology(cn)
	if err != nil {
		return err
	}
	dest := topo.Path(role)
	if dest == "" {
		return fmt.Errorf("no %s folder on server: %w", role, domain.ErrNotFound)
	}
	if err := cn.selectFolder(ref.Folder); err != nil {
		return err
	}
	if _, err := cn.c.Move(goimap.UIDSetNum(goimap.UID(ref.UID)), dest).Wait(); err != nil {
		cn.broken = true
		return fmt.Errorf("move uid %d from %q to %q: %w", ref.UID, ref.Folder, dest, err)
	}
	return nil
}

func (c *Client) Trash(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)
	return c.move(cn, ref, domain.RoleTrash)
}

func (c *Client) Restore(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)
	return c.move(cn, ref, domain.RoleInbox)
}

func (c *Client) MarkSpam(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)
	return c.move(cn, ref, domain.RoleSpam)
}

// Delete expunges the message permanently.
func (c *Client) Delete(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)

	if err := c.store(cn, ref, goimap.StoreFlagsAdd, []goimap.Flag{goimap.FlagDeleted}); err != nil {
		return err
	}
	if err := cn.c.Expunge().Close(); err != nil {
		cn.broken = true
		return fmt.Errorf("expunge %q: %w", ref.Folder, err)
	}
	return nil
}

// SaveDraft appends the message to the drafts folder with the draft flag.
// The returned id is the appended UID; replacing a draft deletes the old
// UID first.
func (c *Client) SaveDraft(ctx context.Context, acct *domain.Account, d *provider.Draft, existingID string) (string, error) {
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer pool.Release(cn)

	topo, err := c.topology(cn)
	if err != nil {
		return "", err
	}
	drafts := topo.Path(domain.RoleDrafts)
	if drafts == "" {
		return "", fmt.Errorf("no drafts folder on server: %w", domain.ErrNotFound)
	}

	if existingID != "" {
		if uid, err := strconv.ParseUint(existingID, 10, 32); err == nil {
			ref := provider.Ref{Folder: drafts, UID: uint32(uid)}
			if err := c.store(cn, ref, goimap.StoreFlagsAdd, []goimap.Flag{goimap.FlagDeleted}); err != nil {
				c.log.Warn().Str("draft_id", existingID).Err(err).Msg("stale draft not removed before replace")
			} else if err := cn.c.Expunge().Close(); err != nil {
				cn.broken = true
				return "", fmt.Errorf("expunge drafts: %w", err)
			}
		}
	}

	literal, _ := buildMIME(acct, d)
	appendCmd := cn.c.Append(drafts, int64(len(literal)), &goimap.AppendOptions{
		Flags: []goimap.Flag{goimap.FlagDraft},
	})
	if _, err := appendCmd.Write(literal); err != nil {
		cn.broken = true
		return "", fmt.Errorf("append draft: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		cn.broken = true
		return "", fmt.Errorf("append draft: %w", err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		cn.broken = true
		return "", fmt.Errorf("append draft: %w", err)
	}
	return strconv.FormatUint(uint64(data.UID), 10), nil
}

func (c *Client) DeleteDraft(ctx context.Context, acct *domain.Account, draftID string) error {
	uid, err := strconv.ParseUint(draftID, 10, 32)
	if err != nil {
		return fmt.Errorf("draft id %q: %w", draftID, domain.ErrNotFound)
	}
	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(cn)

	topo, err := c.topology(cn)
	if err != nil {
		return err
	}
	drafts := topo.Path(domain.RoleDrafts)
	if drafts == "" {
		return fmt.Errorf("no drafts folder on server: %w", domain.ErrNotFound)
	}
	ref := provider.Ref{Folder: drafts, UID: uint32(uid)}
	if err := c.store(cn, ref, goimap.StoreFlagsAdd, []goimap.Flag{goimap.FlagDeleted}); err != nil {
		return err
	}
	if err := cn.c.Expunge().Close(); err != nil {
		cn.broken = true
		return fmt.Errorf("expunge drafts: %w", err)
	}
	return nil
}

// Send submits through the paired SMTP server, then appends a copy to the
// sent folder since SMTP stores nothing. The RFC Message-ID assigned here
// is returned as the provider message id.
func (c *Client) Send(ctx context.Context, acct *domain.Account, d *provider.Draft) (string, error) {
	literal, messageID := buildMIME(acct, d)
	if err := sendSMTP(acct, d, literal); err != nil {
		return "", err
	}

	pool := c.pool(acct)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return messageID, nil
	}
	defer pool.Release(cn)

	topo, err := c.topology(cn)
	if err != nil {
		c.log.Warn().Str("account_id", acct.ID).Err(err).Msg("sent copy not stored")
		return messageID, nil
	}
	sent := topo.Path(domain.RoleSent)
	if sent == "" {
		return messageID, nil
	}
	appendCmd := cn.c.Append(sent, int64(len(literal)), &goimap.AppendOptions{
		Flags: []goimap.Flag{goimap.FlagSeen},
	})
	if _, err := appendCmd.Write(literal); err == nil {
		if err := appendCmd.Close(); err == nil {
			_, _ = appendCmd.Wait()
		}
	} else {
		cn.broken = true
	}
	return messageID, nil
}
