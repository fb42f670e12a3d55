package imap

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/normalize"
	"github.com/relaycrm/mailsync/internal/provider"
)

// buildMIME renders a draft as an RFC 2822 message and returns the literal
// plus the Message-ID assigned to it.
func buildMIME(acct *domain.Account, d *provider.Draft) ([]byte, string) {
	domainPart := acct.Address
	if i := strings.LastIndex(domainPart, "@"); i >= 0 {
		domainPart = domainPart[i+1:]
	}
	messageID := fmt.Sprintf("%d.%d.%d@%s", time.Now().UnixNano(), os.Getpid(), rand.Int63(), domainPart)

	var buf bytes.Buffer
	write := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	write("Date", time.Now().Format(time.RFC1123Z))
	write("From", acct.Address)
	write("To", formatAddrs(d.To))
	if len(d.Cc) > 0 {
		write("Cc", formatAddrs(d.Cc))
	}
	write("Subject", d.Subject)
	write("Message-ID", "<"+messageID+">")
	write("MIME-Version", "1.0")

	if d.HTML {
		boundary := fmt.Sprintf("alt-%x", rand.Int63())
		write("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(normalize.HTMLToText(d.Body))
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(d.Body)
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	} else {
		write("Content-Type", "text/plain; charset=\"utf-8\"")
		buf.WriteString("\r\n")
		buf.WriteString(d.Body)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), messageID
}

func formatAddrs(addrs []domain.Address) string {
	var parts []string
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Email))
		} else {
			parts = append(parts, a.Email)
		}
	}
	return strings.Join(parts, ", ")
}

// sendSMTP pushes the literal out through the account's SMTP server with
// STARTTLS and plain auth.
func sendSMTP(acct *domain.Account, d *provider.Draft, literal []byte) error {
	creds := acct.Password
	if creds == nil {
		return fmt.Errorf("imap account %s: %w", acct.ID, domain.ErrConfigurationMissing)
	}
	host := creds.SMTPHost
	if host == "" {
		host = strings.Replace(creds.Host, "imap.", "smtp.", 1)
	}
	port := creds.SMTPPort
	if port == 0 {
		port = 587
	}

	client, err := smtp.Dial(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w: %w", host, err, domain.ErrTransient)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	auth := smtp.PlainAuth("", creds.Username, creds.Password, host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w: %w", err, domain.ErrAuthExpired)
	}

	if err := client.Mail(acct.Address); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range append(append(append([]domain.Address{}, d.To...), d.Cc...), d.Bcc...) {
		if err := client.Rcpt(rcpt.Email); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt.Email, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(literal); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}
