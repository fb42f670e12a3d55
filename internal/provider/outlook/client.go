// Package outlook adapts Microsoft Graph to the provider interfaces.
// Outlook is a folder-semantics backend with stable message ids and a
// delta-link change cursor.
package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

const pageSize = int32(100)

// Well-known folder names Graph accepts wherever a folder id is expected.
const (
	folderInbox   = "inbox"
	folderSent    = "sentitems"
	folderDrafts  = "drafts"
	folderSpam    = "junkemail"
	folderTrash   = "deleteditems"
	folderArchive = "archive"
)

// deltaFolders are the well-known folders tracked incrementally. Each keeps
// its own delta link inside the JSON-encoded change cursor; a message
// landing anywhere else is picked up by the folder it eventually moves to
// or by a full resync.
var deltaFolders = []string{folderInbox, folderSent, folderDrafts, folderSpam, folderTrash, folderArchive}

var selectFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from",
	"toRecipients", "ccRecipients", "bccRecipients", "body", "bodyPreview",
	"isRead", "isDraft", "hasAttachments", "parentFolderId",
	"receivedDateTime", "sentDateTime", "internetMessageHeaders",
}

// Client is the Graph adapter. The Graph client is rebuilt per call from
// the account's current access token.
type Client struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("provider", "outlook").Logger()}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderOutlook }

func (c *Client) graph(acct *domain.Account) (*msgraphsdk.GraphServiceClient, error) {
	if acct.OAuth == nil {
		return nil, fmt.Errorf("outlook account %s: %w", acct.ID, domain.ErrConfigurationMissing)
	}
	cred := &staticTokenCredential{token: acct.OAuth.AccessToken, expiry: acct.OAuth.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return client, nil
}

func (c *Client) user(acct *domain.Account) string {
	return acct.Address
}

// mapError lifts a Graph OData error into the engine taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		code := ""
		if main := oerr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			code = *main.GetCode()
		}
		switch {
		case strings.EqualFold(code, "SyncStateNotFound") || strings.EqualFold(code, "resyncRequired"):
			return fmt.Errorf("graph: %v: %w", err, domain.ErrCursorExpired)
		case strings.EqualFold(code, "ErrorItemNotFound") || strings.EqualFold(code, "itemNotFound") ||
			oerr.ResponseStatusCode == http.StatusNotFound:
			return fmt.Errorf("graph: %v: %w", err, domain.ErrNotFound)
		case strings.EqualFold(code, "InvalidAuthenticationToken") ||
			oerr.ResponseStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("graph: %v: %w", err, domain.ErrAuthExpired)
		case oerr.ResponseStatusCode == http.StatusTooManyRequests || oerr.ResponseStatusCode >= 500:
			return fmt.Errorf("graph: %v: %w", err, domain.ErrTransient)
		}
	}
	return err
}

// ListFolders returns the account's mail folders with roles inferred from
// display names.
func (c *Client) ListFolders(ctx context.Context, acct *domain.Account) ([]provider.Folder, error) {
	client, err := c.graph(acct)
	if err != nil {
		return nil, err
	}
	result, err := client.Users().ByUserId(c.user(acct)).MailFolders().Get(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	var folders []provider.Folder
	for _, f := range result.GetValue() {
		if f.GetId() == nil {
			continue
		}
		name := ""
		if f.GetDisplayName() != nil {
			name = *f.GetDisplayName()
		}
		folders = append(folders, provider.Folder{Path: *f.GetId(), Role: domain.GuessRole(name)})
	}
	return folders, nil
}

// ListAll streams every message page by page and finishes by opening a
// delta feed on each tracked folder to obtain the change cursor for
// incremental syncs.
func (c *Client) ListAll(ctx context.Context, acct *domain.Account, fn func(*provider.RawMessage) error) (string, error) {
	client, err := c.graph(acct)
	if err != nil {
		return "", err
	}
	user := c.user(acct)
	roles, err := c.folderRoles(ctx, client, acct)
	if err != nil {
		return "", err
	}

	top := pageSize
	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Select: selectFields,
		},
	}
	page, err := client.Users().ByUserId(user).Messages().Get(ctx, cfg)
	if err != nil {
		return "", mapError(err)
	}
	for page != nil {
		for _, m := range page.GetValue() {
			if err := fn(c.toRaw(m, roles)); err != nil {
				return "", err
			}
		}
		next := page.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		page, err = users.NewItemMessagesRequestBuilder(*next, client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return "", mapError(err)
		}
	}

	links := map[string]string{}
	for _, folder := range deltaFolders {
		link, err := c.drainDelta(ctx, client, acct, roles, folder, "", func(provider.Change) error { return nil })
		if err != nil {
			// Full listing already succeeded; a missing link only costs a
			// resync-shaped first incremental pass for this folder.
			c.log.Warn().Str("account_id", acct.ID).Str("folder", folder).
				Err(err).Msg("initial delta cursor unavailable")
			continue
		}
		links[folder] = link
	}
	if len(links) == 0 {
		return "", nil
	}
	return encodeCursor(links), nil
}

// ListChanges drains each tracked folder's delta feed from its stored
// delta link. The cursor is a JSON map of folder to delta link.
func (c *Client) ListChanges(ctx context.Context, acct *domain.Account, cursor string, fn func(provider.Change) error) (string, error) {
	client, err := c.graph(acct)
	if err != nil {
		return "", err
	}
	roles, err := c.folderRoles(ctx, client, acct)
	if err != nil {
		return "", err
	}

	links := decodeCursor(cursor)
	for _, folder := range deltaFolders {
		next, err := c.drainDelta(ctx, client, acct, roles, folder, links[folder], fn)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Tenant without this well-known folder.
				delete(links, folder)
				continue
			}
			return "", err
		}
		if next != "" {
			links[folder] = next
		}
	}
	return encodeCursor(links), nil
}

// decodeCursor reads the folder-to-delta-link map. A cursor that is not
// JSON is an old-style bare inbox delta link.
func decodeCursor(cursor string) map[string]string {
	links := map[string]string{}
	if cursor == "" {
		return links
	}
	if err := json.Unmarshal([]byte(cursor), &links); err != nil {
		links = map[string]string{folderInbox: cursor}
	}
	return links
}

func encodeCursor(links map[string]string) string {
	data, err := json.Marshal(links)
	if err != nil {
		return ""
	}
	return string(data)
}

// drainDelta walks one folder's delta feed from cursor (or starts a fresh
// feed when cursor is empty) and returns the final delta link.
func (c *Client) drainDelta(ctx context.Context, client *msgraphsdk.GraphServiceClient, acct *domain.Account, roles map[string]domain.FolderRole, folder, cursor string, fn func(provider.Change) error) (string, error) {
	user := c.user(acct)

	var resp users.ItemMailFoldersItemMessagesDeltaResponseable
	var err error
	if cursor == "" {
		resp, err = client.Users().ByUserId(user).MailFolders().ByMailFolderId(folder).Messages().Delta().Get(ctx, nil)
	} else {
		resp, err = users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cursor, client.GetAdapter()).Get(ctx, nil)
	}
	if err != nil {
		return "", mapError(err)
	}

	deltaLink := ""
	for resp != nil {
		for _, m := range resp.GetValue() {
			if m.GetId() == nil {
				continue
			}
			if _, removed := m.GetAdditionalData()["@removed"]; removed {
				continue
			}
			raw, err := c.fetchRaw(ctx, client, acct, *m.GetId(), roles)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return "", err
			}
			if err := fn(provider.Change{Kind: provider.ChangeAdded, MessageID: raw.ProviderMessageID, Message: raw}); err != nil {
				return "", err
			}
		}
		if dl := resp.GetOdataDeltaLink(); dl != nil && *dl != "" {
			deltaLink = *dl
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		resp, err = users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(*next, client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return "", mapError(err)
		}
	}
	return deltaLink, nil
}

// folderRoles maps folder ids to logical roles for labeling fetched
// messages. Recomputed per call; folder ids can change under us.
func (c *Client) folderRoles(ctx context.Context, client *msgraphsdk.GraphServiceClient, acct *domain.Account) (map[string]domain.FolderRole, error) {
	result, err := client.Users().ByUserId(c.user(acct)).MailFolders().Get(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	roles := make(map[string]domain.FolderRole)
	for _, f := range result.GetValue() {
		if f.GetId() == nil || f.GetDisplayName() == nil {
			continue
		}
		roles[*f.GetId()] = domain.GuessRole(*f.GetDisplayName())
	}
	return roles, nil
}

func (c *Client) fetchRaw(ctx context.Context, client *msgraphsdk.GraphServiceClient, acct *domain.Account, id string, roles map[string]domain.FolderRole) (*provider.RawMessage, error) {
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	}
	m, err := client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(id).Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	raw := c.toRaw(m, roles)

	if m.GetHasAttachments() != nil && *m.GetHasAttachments() {
		atts, err := client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(id).Attachments().Get(ctx, nil)
		if err == nil {
			for _, a := range atts.GetValue() {
				att := domain.Attachment{}
				if a.GetName() != nil {
					att.Filename = *a.GetName()
				}
				if a.GetContentType() != nil {
					att.ContentType = *a.GetContentType()
				}
				if a.GetSize() != nil {
					att.Size = int(*a.GetSize())
				}
				raw.Attachments = append(raw.Attachments, att)
			}
		}
	}
	return raw, nil
}

// toRaw converts a Graph message into the neutral envelope.
func (c *Client) toRaw(m models.Messageable, roles map[string]domain.FolderRole) *provider.RawMessage {
	raw := &provider.RawMessage{Headers: map[string]string{}}

	if id := m.GetId(); id != nil {
		raw.ProviderMessageID = *id
	}
	if conv := m.GetConversationId(); conv != nil {
		raw.ThreadID = *conv
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		raw.From = formatRecipient(from)
	}
	raw.To = joinRecipients(m.GetToRecipients())
	raw.Cc = joinRecipients(m.GetCcRecipients())
	raw.Bcc = joinRecipients(m.GetBccRecipients())
	if read := m.GetIsRead(); read != nil {
		raw.Read = *read
	}
	if draft := m.GetIsDraft(); draft != nil {
		raw.Draft = *draft
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.Date = *rcvd
	} else if sent := m.GetSentDateTime(); sent != nil {
		raw.Date = *sent
	}
	if folderID := m.GetParentFolderId(); folderID != nil {
		raw.Folder = *folderID
		raw.Role = roles[*folderID]
		if raw.Role == domain.RoleSent {
			raw.Sent = true
		}
	}
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			raw.HTMLBody = *body.GetContent()
		} else {
			raw.TextBody = *body.GetContent()
		}
	} else if preview := m.GetBodyPreview(); preview != nil {
		raw.TextBody = *preview
	}
	if imid := m.GetInternetMessageId(); imid != nil {
		raw.Headers["Message-Id"] = *imid
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if h.GetName() != nil && h.GetValue() != nil {
			raw.Headers[*h.GetName()] = *h.GetValue()
		}
	}
	return raw
}

func formatRecipient(r models.Recipientable) string {
	ea := r.GetEmailAddress()
	if ea == nil {
		return ""
	}
	addr, name := "", ""
	if ea.GetAddress() != nil {
		addr = *ea.GetAddress()
	}
	if ea.GetName() != nil {
		name = *ea.GetName()
	}
	if name != "" && addr != "" {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

func joinRecipients(rs []models.Recipientable) string {
	var parts []string
	for _, r := range rs {
		if s := formatRecipient(r); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// FindByMessageID resolves a message by its internet message id, scoped to
// one folder when given.
func (c *Client) FindByMessageID(ctx context.Context, acct *domain.Account, folder, messageID string) (*provider.Ref, error) {
	client, err := c.graph(acct)
	if err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("internetMessageId eq '%s'", messageID)
	top := int32(1)

	if folder != "" {
		cfg := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Filter: &filter,
				Top:    &top,
			},
		}
		result, err := client.Users().ByUserId(c.user(acct)).MailFolders().ByMailFolderId(folder).Messages().Get(ctx, cfg)
		if err != nil {
			return nil, mapError(err)
		}
		return refFromList(result.GetValue(), folder, messageID)
	}

	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    &top,
		},
	}
	result, err := client.Users().ByUserId(c.user(acct)).Messages().Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return refFromList(result.GetValue(), folder, messageID)
}

func refFromList(msgs []models.Messageable, folder, messageID string) (*provider.Ref, error) {
	if len(msgs) == 0 || msgs[0].GetId() == nil {
		return nil, fmt.Errorf("internet message id %s: %w", messageID, domain.ErrNotFound)
	}
	return &provider.Ref{MessageID: *msgs[0].GetId(), StableID: messageID, Folder: folder}, nil
}

// ModifyFlags understands the "read" flag; Outlook has no free-form
// message labels.
func (c *Client) ModifyFlags(ctx context.Context, acct *domain.Account, ref provider.Ref, add, remove []string) error {
	client, err := c.graph(acct)
	if err != nil {
		return err
	}
	patch := models.NewMessage()
	for _, f := range add {
		if strings.EqualFold(f, "read") {
			v := true
			patch.SetIsRead(&v)
		}
	}
	for _, f := range remove {
		if strings.EqualFold(f, "read") {
			v := false
			patch.SetIsRead(&v)
		}
	}
	_, err = client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(ref.MessageID).Patch(ctx, patch, nil)
	return mapError(err)
}

func (c *Client) move(ctx context.Context, acct *domain.Account, id, destination string) error {
	client, err := c.graph(acct)
	if err != nil {
		return err
	}
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destination)
	_, err = client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(id).Move().Post(ctx, body, nil)
	return mapError(err)
}

func (c *Client) Trash(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	return c.move(ctx, acct, ref.MessageID, folderTrash)
}

func (c *Client) Restore(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	return c.move(ctx, acct, ref.MessageID, folderInbox)
}

func (c *Client) MarkSpam(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	return c.move(ctx, acct, ref.MessageID, folderSpam)
}

func (c *Client) Delete(ctx context.Context, acct *domain.Account, ref provider.Ref) error {
	client, err := c.graph(acct)
	if err != nil {
		return err
	}
	err = client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(ref.MessageID).Delete(ctx, nil)
	return mapError(err)
}

// SaveDraft creates or patches a draft message.
func (c *Client) SaveDraft(ctx context.Context, acct *domain.Account, d *provider.Draft, existingID string) (string, error) {
	client, err := c.graph(acct)
	if err != nil {
		return "", err
	}
	msg := buildMessage(d)
	if existingID != "" {
		updated, err := client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(existingID).Patch(ctx, msg, nil)
		if err != nil {
			return "", mapError(err)
		}
		if updated.GetId() != nil {
			return *updated.GetId(), nil
		}
		return existingID, nil
	}
	created, err := client.Users().ByUserId(c.user(acct)).Messages().Post(ctx, msg, nil)
	if err != nil {
		return "", mapError(err)
	}
	if created.GetId() == nil {
		return "", fmt.Errorf("graph draft created without id: %w", domain.ErrTransient)
	}
	return *created.GetId(), nil
}

func (c *Client) DeleteDraft(ctx context.Context, acct *domain.Account, draftID string) error {
	return c.Delete(ctx, acct, provider.Ref{MessageID: draftID})
}

// Send creates a draft and submits it, so the caller gets a message id
// back; a plain sendMail returns nothing.
func (c *Client) Send(ctx context.Context, acct *domain.Account, d *provider.Draft) (string, error) {
	client, err := c.graph(acct)
	if err != nil {
		return "", err
	}
	id, err := c.SaveDraft(ctx, acct, d, "")
	if err != nil {
		return "", err
	}
	if err := client.Users().ByUserId(c.user(acct)).Messages().ByMessageId(id).Send().Post(ctx, nil); err != nil {
		return "", mapError(err)
	}
	return id, nil
}

func buildMessage(d *provider.Draft) *models.Message {
	msg := models.NewMessage()
	subject := d.Subject
	msg.SetSubject(&subject)

	body := models.NewItemBody()
	content := d.Body
	body.SetContent(&content)
	bodyType := models.TEXT_BODYTYPE
	if d.HTML {
		bodyType = models.HTML_BODYTYPE
	}
	body.SetContentType(&bodyType)
	msg.SetBody(body)

	msg.SetToRecipients(toRecipients(d.To))
	msg.SetCcRecipients(toRecipients(d.Cc))
	msg.SetBccRecipients(toRecipients(d.Bcc))
	return msg
}

func toRecipients(addrs []domain.Address) []models.Recipientable {
	var out []models.Recipientable
	for _, a := range addrs {
		r := models.NewRecipient()
		ea := models.NewEmailAddress()
		addr := a.Email
		ea.SetAddress(&addr)
		if a.Name != "" {
			name := a.Name
			ea.SetName(&name)
		}
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

// staticTokenCredential satisfies the Azure credential interface with an
// access token the Refresher already validated.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
