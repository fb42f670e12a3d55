package gmail

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func TestToRawInbox(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "msg-1",
		ThreadId:     "thr-1",
		LabelIds:     []string{"UNREAD", "INBOX", "CATEGORY_PERSONAL"},
		InternalDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: "Ana <ana@example.com>"},
				{Name: "To", Value: "me@example.com"},
				{Name: "Subject", Value: "quarterly numbers"},
				{Name: "Message-Id", Value: "<abc@example.com>"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("plain body")}},
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>html body</p>")}},
				{MimeType: "application/pdf", Filename: "report.pdf", Body: &gmailapi.MessagePartBody{Size: 9000}},
			},
		},
	}

	raw := toRaw(m)
	assert.Equal(t, "msg-1", raw.ProviderMessageID)
	assert.Equal(t, "thr-1", raw.ThreadID)
	assert.Equal(t, "INBOX", raw.Folder)
	assert.Equal(t, domain.RoleInbox, raw.Role)
	assert.False(t, raw.Read)
	assert.False(t, raw.Sent)
	assert.Equal(t, "Ana <ana@example.com>", raw.From)
	assert.Equal(t, "quarterly numbers", raw.Subject)
	assert.Equal(t, "<abc@example.com>", raw.Headers["Message-Id"])
	assert.Equal(t, "plain body", raw.TextBody)
	assert.Equal(t, "<p>html body</p>", raw.HTMLBody)
	require.Len(t, raw.Attachments, 1)
	assert.Equal(t, "report.pdf", raw.Attachments[0].Filename)
	assert.Equal(t, 9000, raw.Attachments[0].Size)
}

func TestToRawArchiveFallback(t *testing.T) {
	raw := toRaw(&gmailapi.Message{Id: "m", LabelIds: []string{"CATEGORY_UPDATES"}})
	assert.Equal(t, "ARCHIVE", raw.Folder)
	assert.Equal(t, domain.RoleArchive, raw.Role)
	assert.True(t, raw.Read)
}

func TestToRawSentFlags(t *testing.T) {
	raw := toRaw(&gmailapi.Message{Id: "m", LabelIds: []string{"SENT"}})
	assert.True(t, raw.Sent)
	assert.Equal(t, domain.RoleSent, raw.Role)
}

func TestWalkPartsFirstLeafWins(t *testing.T) {
	raw := &provider.RawMessage{}
	walkParts(&gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("first")}},
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("second")}},
		},
	}, raw)
	assert.Equal(t, "first", raw.TextBody)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, domain.ErrAuthExpired},
		{http.StatusForbidden, domain.ErrAuthExpired},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusTooManyRequests, domain.ErrTransient},
		{http.StatusBadGateway, domain.ErrTransient},
	}
	for _, tc := range cases {
		err := mapError(&googleapi.Error{Code: tc.code})
		assert.True(t, errors.Is(err, tc.want), "code %d", tc.code)
	}

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
}

func TestEncodeRaw(t *testing.T) {
	d := &provider.Draft{
		To:      []domain.Address{{Name: "Ana", Email: "ana@example.com"}},
		Cc:      []domain.Address{{Email: "cc@example.com"}},
		Subject: "hello",
		Body:    "<b>hi</b>",
		HTML:    true,
	}
	decoded, err := base64.URLEncoding.DecodeString(encodeRaw("me@example.com", d))
	require.NoError(t, err)
	msg := string(decoded)

	assert.Contains(t, msg, "From: me@example.com\r\n")
	assert.Contains(t, msg, "To: Ana <ana@example.com>\r\n")
	assert.Contains(t, msg, "Cc: cc@example.com\r\n")
	assert.NotContains(t, msg, "Bcc:")
	assert.Contains(t, msg, "Subject: hello\r\n")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n<b>hi</b>"))
}
