package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

var testAcct = &domain.Account{
	ID:        "acct1",
	CompanyID: "co1",
	Address:   "me@example.com",
	Provider:  domain.ProviderIMAP,
}

func newTestNormalizer() *Normalizer {
	return New(zerolog.Nop())
}

const multipartMIME = "From: Alice <alice@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-Id: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--outer\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p><script>alert(1)</script>\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-fake\r\n" +
	"--outer--\r\n"

func TestNormalizeMultipart(t *testing.T) {
	raw := &provider.RawMessage{
		ProviderMessageID: "abc@example.com",
		Folder:            "INBOX",
		Role:              domain.RoleInbox,
		Subject:           "hello",
		From:              "Alice <alice@example.com>",
		To:                "me@example.com",
		Date:              time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RawMIME:           []byte(multipartMIME),
	}

	e, err := newTestNormalizer().Normalize(testAcct, raw)
	require.NoError(t, err)

	assert.Equal(t, "acct1_abc@example.com", e.ID)
	assert.Equal(t, "co1", e.CompanyID)
	assert.Equal(t, "plain body", strings.TrimSpace(e.Body))
	assert.Contains(t, e.HTMLBody, "html body")
	assert.NotContains(t, e.HTMLBody, "<script>")
	assert.True(t, e.Incoming)
	assert.Equal(t, "alice@example.com", e.From.Email)

	require.Len(t, e.Attachments, 1)
	assert.Equal(t, "report.pdf", e.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", e.Attachments[0].ContentType)
	assert.Positive(t, e.Attachments[0].Size)
}

func TestNormalizeHTMLOnlyGetsTextFallback(t *testing.T) {
	raw := &provider.RawMessage{
		ProviderMessageID: "m1",
		HTMLBody:          "<div>line one<br>line two</div>",
	}
	e, err := newTestNormalizer().Normalize(testAcct, raw)
	require.NoError(t, err)
	assert.Contains(t, e.Body, "line one")
	assert.Contains(t, e.Body, "line two")
	assert.NotContains(t, e.Body, "<div>")
}

func TestNormalizeTextOnlyGetsHTMLWrapper(t *testing.T) {
	raw := &provider.RawMessage{
		ProviderMessageID: "m2",
		TextBody:          "a < b\nnext",
	}
	e, err := newTestNormalizer().Normalize(testAcct, raw)
	require.NoError(t, err)
	assert.Equal(t, "a < b\nnext", e.Body)
	assert.Contains(t, e.HTMLBody, "a &lt; b")
	assert.Contains(t, e.HTMLBody, "<br>")
}

func TestNormalizeBrokenMIMEKeepsPlaceholder(t *testing.T) {
	raw := &provider.RawMessage{
		ProviderMessageID: "m3",
		Subject:           "still here",
		From:              "alice@example.com",
		RawMIME:           []byte("total garbage, not a message"),
	}
	e, err := newTestNormalizer().Normalize(testAcct, raw)

	// The record survives with metadata intact and a placeholder body,
	// and the failure is reported so the caller can count it.
	assert.ErrorIs(t, err, domain.ErrParseFailure)
	assert.Equal(t, "still here", e.Subject)
	assert.Contains(t, e.Body, "[body unavailable")
	assert.Equal(t, "alice@example.com", e.From.Email)
}

func TestNormalizeThreadFromHeaders(t *testing.T) {
	n := newTestNormalizer()

	e, _ := n.Normalize(testAcct, &provider.RawMessage{
		ProviderMessageID: "m4",
		Headers:           map[string]string{"In-Reply-To": "<parent@example.com>"},
	})
	assert.Equal(t, "<parent@example.com>", e.ThreadID)

	e, _ = n.Normalize(testAcct, &provider.RawMessage{
		ProviderMessageID: "m5",
		Headers:           map[string]string{"References": "<root@x> <mid@x> <last@x>"},
	})
	assert.Equal(t, "<last@x>", e.ThreadID)

	// Native thread id wins over headers.
	e, _ = n.Normalize(testAcct, &provider.RawMessage{
		ProviderMessageID: "m6",
		ThreadID:          "native",
		Headers:           map[string]string{"In-Reply-To": "<parent@x>"},
	})
	assert.Equal(t, "native", e.ThreadID)
}

func TestPlaceholderSkipsBodyWork(t *testing.T) {
	raw := &provider.RawMessage{
		ProviderMessageID: "m7",
		Subject:           "s",
		From:              "alice@example.com",
		RawMIME:           []byte(multipartMIME),
	}
	e := newTestNormalizer().Placeholder(testAcct, raw, errors.New("parse timeout"))
	assert.Contains(t, e.Body, "parse timeout")
	assert.Empty(t, e.HTMLBody)
	assert.Equal(t, "s", e.Subject)
}

func TestSanitizeHTML(t *testing.T) {
	out := SanitizeHTML(`<p onclick="x()">hi</p><script>alert(1)</script><a href="https://x.com">l</a>`)
	assert.Contains(t, out, "hi")
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.Contains(t, out, "https://x.com")
}

func TestHTMLToTextSkipsHiddenContent(t *testing.T) {
	out := HTMLToText("<head><style>.x{}</style></head><body><p>visible</p><script>var y;</script></body>")
	assert.Contains(t, out, "visible")
	assert.NotContains(t, out, ".x{}")
	assert.NotContains(t, out, "var y")
}
