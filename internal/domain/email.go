package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Address is a parsed mailbox address. Email is stored lowercased so
// comparisons are case-insensitive everywhere.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// ParseAddress accepts both "Display Name <addr>" and bare-address forms.
// Unparseable input degrades to a bare Address carrying the trimmed text,
// so one malformed header never drops a message.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}
	}
	if parsed, err := mail.ParseAddress(s); err == nil {
		return Address{Name: parsed.Name, Email: strings.ToLower(parsed.Address)}
	}
	return Address{Email: strings.ToLower(strings.Trim(s, "<>"))}
}

// ParseAddressList parses a comma-separated address header.
func ParseAddressList(s string) []Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if parsed, err := mail.ParseAddressList(s); err == nil {
		out := make([]Address, 0, len(parsed))
		for _, p := range parsed {
			out = append(out, Address{Name: p.Name, Email: strings.ToLower(p.Address)})
		}
		return out
	}
	var out []Address
	for _, part := range strings.Split(s, ",") {
		if a := ParseAddress(part); a.Email != "" {
			out = append(out, a)
		}
	}
	return out
}

// Attachment is extracted metadata plus content for a filename-bearing
// MIME leaf.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     []byte `json:"-"`
}

// Email is the canonical, provider-agnostic message record. Body content is
// immutable after first ingestion; only read/folder/label state mutates.
type Email struct {
	// ID is the composite identity: accountID + provider message id. The
	// same physical message in two local accounts yields two records.
	ID                string
	AccountID         string
	CompanyID         string
	ProviderMessageID string
	ThreadID          string

	From Address
	To   []Address
	Cc   []Address
	Bcc  []Address

	Subject  string
	Body     string
	HTMLBody string

	Attachments []Attachment

	Read     bool
	Incoming bool

	SentAt     time.Time
	ReceivedAt time.Time

	Folder string
	Labels []string

	// Populated by the CRM collaborator, never by the sync engine itself.
	ContactIDs []string
	DealIDs    []string
}

// EmailID builds the composite id used as the global identity key.
func EmailID(accountID, providerMessageID string) string {
	return accountID + "_" + providerMessageID
}

// Recipients returns all recipient addresses across to/cc/bcc.
func (e *Email) Recipients() []Address {
	out := make([]Address, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}
