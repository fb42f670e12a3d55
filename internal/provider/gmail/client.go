// Package gmail adapts the Gmail API to the provider interfaces. Gmail is
// a label-semantics backend with globally stable message ids and a durable
// history cursor.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

const (
	// https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerGet     = 5
	quotaUnitsPerList    = 5
	quotaUnitsPerHistory = 2
	quotaUnitsPerModify  = 5
	quotaUnitsPerSend    = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	pageSize = 100
)

// Client is the Gmail adapter. A service handle is built per call from the
// account's current access token; nothing provider-side is cached across
// sync runs.
type Client struct {
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Client {
	return &Client{
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log.With().Str("provider", "gmail").Logger(),
	}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderGmail }

func (c *Client) service(ctx context.Context, acct *domain.Account) (*gmailapi.Service, error) {
	if acct.OAuth == nil {
		return nil, fmt.Errorf("gmail account %s: %w", acct.ID, domain.ErrConfigurationMissing)
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: acct.OAuth.AccessToken})
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// mapError lifts a Gmail API error into the engine taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return fmt.Errorf("gmail: %v: %w", err, domain.ErrAuthExpired)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("gmail: %v: %w", err, domain.ErrNotFound)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fmt.Errorf("gmail: %v: %w", err, domain.ErrTransient)
		}
	}
	return err
}

var systemLabelRoles = map[string]domain.FolderRole{
	"INBOX": domain.RoleInbox,
	"SENT":  domain.RoleSent,
	"DRAFT": domain.RoleDrafts,
	"SPAM":  domain.RoleSpam,
	"TRASH": domain.RoleTrash,
}

// ListFolders reports Gmail's system labels as folders. Gmail has no real
// folder tree; the archive is the absence of the role labels.
func (c *Client) ListFolders(_ context.Context, _ *domain.Account) ([]provider.Folder, error) {
	return []provider.Folder{
		{Path: "INBOX", Role: domain.RoleInbox},
		{Path: "SENT", Role: domain.RoleSent},
		{Path: "DRAFT", Role: domain.RoleDrafts},
		{Path: "SPAM", Role: domain.RoleSpam},
		{Path: "TRASH", Role: domain.RoleTrash},
	}, nil
}

// ListAll streams every message and returns the profile history id captured
// before listing, so changes racing the listing are re-seen by the first
// incremental sync and absorbed by dedup.
func (c *Client) ListAll(ctx context.Context, acct *domain.Account, fn func(*provider.RawMessage) error) (string, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return "", err
	}

	if err := c.limiter.WaitN(ctx, quotaUnitsPerGet); err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	cursor := strconv.FormatUint(profile.HistoryId, 10)

	if err := c.limiter.WaitN(ctx, quotaUnitsPerList); err != nil {
		return "", err
	}
	call := svc.Users.Messages.List("me").IncludeSpamTrash(true).MaxResults(pageSize)
	err = call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			raw, err := c.getRaw(ctx, svc, m.Id)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			if err := fn(raw); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			return c.limiter.WaitN(ctx, quotaUnitsPerList)
		}
		return nil
	})
	if err != nil {
		return "", mapError(err)
	}
	return cursor, nil
}

// ListChanges consumes the history feed from the stored cursor. A 404 on
// history.list means the cursor aged out; that surfaces as
// domain.ErrCursorExpired and the orchestrator falls back to a full
// resync.
func (c *Client) ListChanges(ctx context.Context, acct *domain.Account, cursor string, fn func(provider.Change) error) (string, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return "", err
	}
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid gmail cursor %q: %w", cursor, domain.ErrCursorExpired)
	}

	if err := c.limiter.WaitN(ctx, quotaUnitsPerHistory); err != nil {
		return "", err
	}
	latest := start
	seen := make(map[string]bool)
	call := svc.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
		MaxResults(pageSize)

	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				raw, err := c.getRaw(ctx, svc, added.Message.Id)
				if err != nil {
					// History sometimes lists messages that are
					// already gone again; skip them.
					if errors.Is(err, domain.ErrNotFound) {
						continue
					}
					return err
				}
				if err := fn(provider.Change{Kind: provider.ChangeAdded, MessageID: raw.ProviderMessageID, Message: raw}); err != nil {
					return err
				}
			}
			for _, la := range h.LabelsAdded {
				if err := fn(provider.Change{Kind: provider.ChangeLabelAdded, MessageID: la.Message.Id, Labels: la.LabelIds}); err != nil {
					return err
				}
			}
			for _, lr := range h.LabelsRemoved {
				if err := fn(provider.Change{Kind: provider.ChangeLabelRemoved, MessageID: lr.Message.Id, Labels: lr.LabelIds}); err != nil {
					return err
				}
			}
		}
		if page.NextPageToken != "" {
			return c.limiter.WaitN(ctx, quotaUnitsPerHistory)
		}
		return nil
	})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, domain.ErrNotFound) {
			return "", fmt.Errorf("history id %d rejected: %w", start, domain.ErrCursorExpired)
		}
		return "", mapped
	}
	return strconv.FormatUint(latest, 10), nil
}

func (c *Client) getRaw(ctx context.Context, svc *gmailapi.Service, id string) (*provider.RawMessage, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerGet); err != nil {
		return nil, err
	}
	msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	return toRaw(msg), nil
}

// toRaw converts a Gmail message into the neutral envelope.
func toRaw(m *gmailapi.Message) *provider.RawMessage {
	raw := &provider.RawMessage{
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Labels:            m.LabelIds,
		Headers:           map[string]string{},
		Date:              time.UnixMilli(m.InternalDate),
		Read:              true,
	}
	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			raw.Read = false
		case "SENT":
			raw.Sent = true
		case "DRAFT":
			raw.Draft = true
		}
		if role, ok := systemLabelRoles[label]; ok && raw.Role == domain.RoleUnknown {
			raw.Role = role
			raw.Folder = label
		}
	}
	if raw.Folder == "" {
		raw.Folder = "ARCHIVE"
		raw.Role = domain.RoleArchive
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			raw.Headers[h.Name] = h.Value
			switch strings.ToLower(h.Name) {
			case "from":
				raw.From = h.Value
			case "to":
				raw.To = h.Value
			case "cc":
				raw.Cc = h.Value
			case "bcc":
				raw.Bcc = h.Value
			case "subject":
				raw.Subject = h.Value
			}
		}
		walkParts(m.Payload, raw)
	}
	return raw
}

// walkParts finds the first text and first HTML leaf plus every
// filename-bearing leaf in the payload tree.
func walkParts(part *gmailapi.MessagePart, raw *provider.RawMessage) {
	if part == nil {
		return
	}
	if part.Filename != "" && part.Body != nil {
		raw.Attachments = append(raw.Attachments, domain.Attachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Size:        int(part.Body.Size),
		})
	} else if part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch {
			case part.MimeType == "text/plain" && raw.TextBody == "":
				raw.TextBody = string(decoded)
			case part.MimeType == "text/html" && raw.HTMLBody == "":
				raw.HTMLBody = string(decoded)
			}
		}
	}
	for _, child := range part.Parts {
		walkParts(child, raw)
	}
}

// FindByMessageID resolves a message by its RFC Message-ID header within
// one label.
func (c *Client) FindByMessageID(ctx context.Context, acct *domain.Account, folder, messageID string) (*provider.Ref, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerList); err != nil {
		return nil, err
	}
	call := svc.Users.Messages.List("me").
		Q(fmt.Sprintf("rfc822msgid:%s", strings.Trim(messageID, "<>"))).
		IncludeSpamTrash(true).
		MaxResults(1)
	if folder != "" {
		call = call.LabelIds(folder)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Messages) == 0 {
		return nil, fmt.Errorf("rfc822msgid %s: %w", messageID, domain.ErrNotFound)
	}
	return &provider.Ref{MessageID: resp.Messages[0].Id, StableID: messageID, Folder: folder}, nil
}

// ModifyFlags adds and removes Gmail labels on one message.
func (c *Client) ModifyFlags(ctx context.Context, acct *domain.Account, ref provider.Ref, add, remove []string) error {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	_, err = svc.Users.Messages.Modify("me", ref.MessageID, &gmailapi.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return mapError(err)
}

func (c *Client) Trash(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	_, err = svc.Users.Messages.Trash("me", ref.MessageID).Context(ctx).Do()
	return mapError(err)
}

func (c *Client) Restore(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	_, err = svc.Users.Messages.Untrash("me", ref.MessageID).Context(ctx).Do()
	return mapError(err)
}

func (c *Client) Delete(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	return mapError(svc.Users.Messages.Delete("me", ref.MessageID).Context(ctx).Do())
}

func (c *Client) MarkSpam(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	return c.ModifyFlags(ctx, acct, ref, []string{"SPAM"}, []string{"INBOX"})
}

// SaveDraft creates or replaces a Gmail draft.
func (c *Client) SaveDraft(ctx context.Context, acct *domain.Account, d *provider.Draft, existingID string) (string, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return "", err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return "", err
	}
	draft := &gmailapi.Draft{Message: &gmailapi.Message{Raw: encodeRaw(acct.Address, d)}}
	if existingID != "" {
		updated, err := svc.Users.Drafts.Update("me", existingID, draft).Context(ctx).Do()
		if err != nil {
			return "", mapError(err)
		}
		return updated.Id, nil
	}
	created, err := svc.Users.Drafts.Create("me", draft).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return created.Id, nil
}

func (c *Client) DeleteDraft(ctx context.Context, acct *domain.Account, draftID string) error {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	return mapError(svc.Users.Drafts.Delete("me", draftID).Context(ctx).Do())
}

// Send submits the message and returns Gmail's id for it.
func (c *Client) Send(ctx context.Context, acct *domain.Account, d *provider.Draft) (string, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return "", err
	}
	if err := c.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return "", err
	}
	sent, err := svc.Users.Messages.Send("me", &gmailapi.Message{Raw: encodeRaw(acct.Address, d)}).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return sent.Id, nil
}

// encodeRaw builds the base64url RFC 2822 payload Gmail expects.
func encodeRaw(from string, d *provider.Draft) string {
	var b strings.Builder
	writeAddrHeader := func(name string, addrs []domain.Address) {
		if len(addrs) == 0 {
			return
		}
		parts := make([]string, 0, len(addrs))
		for _, a := range addrs {
			parts = append(parts, a.String())
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	writeAddrHeader("To", d.To)
	writeAddrHeader("Cc", d.Cc)
	writeAddrHeader("Bcc", d.Bcc)
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	if d.HTML {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n\r\n")
	b.WriteString(d.Body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
