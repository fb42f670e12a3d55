// Package normalize converts provider-native raw messages into the
// canonical Email shape and classifies message direction.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

// Normalizer builds canonical Email records. It is stateless and safe for
// concurrent use from the parse worker pool.
type Normalizer struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("component", "normalizer").Logger()}
}

// Normalize converts a raw message into a canonical Email. It never drops
// the message: a body-extraction failure yields a placeholder body with the
// rest of the record kept, and reports the failure through an error wrapping
// domain.ErrParseFailure so the caller can count it.
func (n *Normalizer) Normalize(acct *domain.Account, raw *provider.RawMessage) (*domain.Email, error) {
	e := &domain.Email{
		ID:                domain.EmailID(acct.ID, raw.ProviderMessageID),
		AccountID:         acct.ID,
		CompanyID:         acct.CompanyID,
		ProviderMessageID: raw.ProviderMessageID,
		ThreadID:          raw.ThreadID,
		From:              domain.ParseAddress(raw.From),
		To:                domain.ParseAddressList(raw.To),
		Cc:                domain.ParseAddressList(raw.Cc),
		Bcc:               domain.ParseAddressList(raw.Bcc),
		Subject:           raw.Subject,
		Read:              raw.Read,
		SentAt:            raw.Date,
		ReceivedAt:        raw.Date,
		Folder:            raw.Folder,
		Labels:            raw.Labels,
		Attachments:       raw.Attachments,
	}

	text, html := raw.TextBody, raw.HTMLBody
	if len(raw.RawMIME) > 0 {
		var err error
		var atts []domain.Attachment
		text, html, atts, err = walkMIME(raw.RawMIME)
		if err != nil {
			n.log.Warn().
				Str("account_id", acct.ID).
				Str("message_id", raw.ProviderMessageID).
				Err(err).
				Msg("body extraction failed, keeping placeholder")
			e.Body = placeholderBody(err)
			e.Incoming = ClassifyIncoming(raw, e, acct.Address)
			return e, fmt.Errorf("%v: %w", err, domain.ErrParseFailure)
		}
		if len(atts) > 0 {
			e.Attachments = append(e.Attachments, atts...)
		}
	}

	switch {
	case html != "":
		e.HTMLBody = SanitizeHTML(html)
		if text == "" {
			text = HTMLToText(e.HTMLBody)
		}
		e.Body = text
	case text != "":
		e.Body = text
		e.HTMLBody = TextToHTML(text)
	}

	if e.ThreadID == "" {
		e.ThreadID = threadFromHeaders(raw.Headers)
	}

	e.Incoming = ClassifyIncoming(raw, e, acct.Address)
	return e, nil
}

// Placeholder builds the record used when parsing was aborted before the
// normalizer could finish, e.g. a parse worker timeout.
func (n *Normalizer) Placeholder(acct *domain.Account, raw *provider.RawMessage, cause error) *domain.Email {
	e, _ := n.Normalize(acct, &provider.RawMessage{
		ProviderMessageID: raw.ProviderMessageID,
		ThreadID:          raw.ThreadID,
		Folder:            raw.Folder,
		Role:              raw.Role,
		Labels:            raw.Labels,
		Headers:           raw.Headers,
		From:              raw.From,
		To:                raw.To,
		Cc:                raw.Cc,
		Bcc:               raw.Bcc,
		Subject:           raw.Subject,
		Date:              raw.Date,
		Read:              raw.Read,
		Draft:             raw.Draft,
		Sent:              raw.Sent,
	})
	e.Body = placeholderBody(cause)
	e.HTMLBody = ""
	return e
}

func placeholderBody(cause error) string {
	return fmt.Sprintf("[body unavailable: %v]", cause)
}

// threadFromHeaders derives thread linkage when the provider has no native
// thread id: In-Reply-To wins, otherwise the last References entry.
func threadFromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "In-Reply-To") && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	for k, v := range headers {
		if strings.EqualFold(k, "References") {
			refs := strings.Fields(v)
			if len(refs) > 0 {
				return refs[len(refs)-1]
			}
		}
	}
	return ""
}

// walkMIME recursively walks a multi-part message and picks the first text
// leaf, the first HTML leaf and every filename-bearing leaf.
func walkMIME(raw []byte) (text, html string, attachments []domain.Attachment, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", nil, fmt.Errorf("create mime reader: %w", err)
	}
	defer mr.Close()

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			// A broken trailing part should not void what was
			// already extracted.
			if text != "" || html != "" {
				break
			}
			return "", "", nil, fmt.Errorf("read mime part: %w", perr)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				text = string(body)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				continue
			}
			contentType, _, _ := h.ContentType()
			body, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				continue
			}
			attachments = append(attachments, domain.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(body),
				Content:     body,
			})
		}
	}
	return text, html, attachments, nil
}
