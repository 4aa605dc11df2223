package mailing

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// BuilderConfig carries the site-wide values rendered into every message.
type BuilderConfig struct {
	DefaultHeaderSender string
	DefaultHeaderReply  string
	SiteDomain          string
	MediaURL            string
	SigningKey          string
	UniqueKeyLength     int
	UniqueKeyCharset    string
}

// Builder implements sending.MessageBuilder.
type Builder struct {
	cfg       BuilderConfig
	templates *TemplateService
	signer    *Signer
	now       func() time.Time
}

func NewBuilder(cfg BuilderConfig, templates *TemplateService) *Builder {
	if templates == nil {
		templates = NewTemplateService()
	}
	return &Builder{
		cfg:       cfg,
		templates: templates,
		signer:    NewSigner(cfg.SigningKey),
		now:       time.Now,
	}
}

var _ sending.MessageBuilder = (*Builder)(nil)

// Build renders the campaign for contact and encodes the MIME message.
func (b *Builder) Build(c *domain.Campaign, srv *domain.Server, contact *domain.Contact) (*sending.Message, error) {
	if !utf8.ValidString(contact.Email) || !isASCII(contact.Email) {
		return nil, fmt.Errorf("address %q: %w", contact.Email, sending.ErrEncoding)
	}
	to, err := mail.ParseAddress(contact.Email)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", contact.Email, sending.ErrEncoding)
	}

	senderHeader := firstNonEmpty(c.HeaderSender, b.cfg.DefaultHeaderSender)
	from, err := mail.ParseAddress(senderHeader)
	if err != nil {
		return nil, &sending.ContentError{Permanent: true, Err: fmt.Errorf("sender %q: %w", senderHeader, err)}
	}
	var replyTo *mail.Address
	if reply := firstNonEmpty(c.HeaderReply, b.cfg.DefaultHeaderReply); reply != "" {
		if replyTo, err = mail.ParseAddress(reply); err != nil {
			return nil, &sending.ContentError{Permanent: true, Err: fmt.Errorf("reply-to %q: %w", reply, err)}
		}
	}

	uniqueKey, err := UniqueKey(b.cfg.UniqueKeyLength, b.cfg.UniqueKeyCharset)
	if err != nil {
		return nil, &sending.ContentError{Err: fmt.Errorf("unique key: %w", err)}
	}
	subject, err := b.templates.Render(c.Title, b.subjectBindings(contact, uniqueKey))
	if err != nil {
		return nil, err
	}
	body, err := b.templates.Render(c.Content, b.bodyBindings(c, contact))
	if err != nil {
		return nil, err
	}
	subject = strings.Join(strings.Fields(subject), " ")
	if !utf8.ValidString(subject) || !utf8.ValidString(body) {
		return nil, fmt.Errorf("campaign %s content: %w", c.ID, sending.ErrEncoding)
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.New().String(), b.cfg.SiteDomain)
	toAddr := mail.Address{Name: displayName(contact), Address: to.Address}

	h := &headerWriter{}
	h.set("Subject", mime.QEncoding.Encode("utf-8", subject))
	h.set("From", from.String())
	if replyTo != nil {
		h.set("Reply-To", replyTo.String())
	}
	h.set("To", toAddr.String())
	h.set("Date", b.now().Format(time.RFC1123Z))
	h.set("Message-ID", msgID)
	h.set("MIME-Version", "1.0")

	custom := srv.CustomHeaders()
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.set(textproto.CanonicalMIMEHeaderKey(k), mime.QEncoding.Encode("utf-8", custom[k]))
	}

	raw, err := encodeBody(h, HTMLToText(body), body)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", sending.ErrEncoding)
	}

	return &sending.Message{
		EnvelopeFrom: from.Address,
		EnvelopeTo:   to.Address,
		MessageID:    msgID,
		Subject:      subject,
		Raw:          raw,
	}, nil
}

func (b *Builder) subjectBindings(contact *domain.Contact, uniqueKey string) map[string]interface{} {
	return map[string]interface{}{
		"contact":    contactBindings(contact),
		"UNIQUE_KEY": uniqueKey,
	}
}

func (b *Builder) bodyBindings(c *domain.Campaign, contact *domain.Contact) map[string]interface{} {
	return map[string]interface{}{
		"contact": contactBindings(contact),
		"newsletter": map[string]interface{}{
			"id":    c.ID,
			"title": c.Title,
			"slug":  c.Slug,
		},
		"domain":    b.cfg.SiteDomain,
		"media_url": b.cfg.MediaURL,
		"uid":       UID(contact.ID),
		"token":     b.signer.Token(c.ID, contact.ID),
	}
}

func contactBindings(c *domain.Contact) map[string]interface{} {
	return map[string]interface{}{
		"id":          c.ID,
		"email":       c.Email,
		"first_name":  c.FirstName,
		"last_name":   c.LastName,
		"mail_format": c.MailFormat(),
		"tags":        c.Tags,
	}
}

func displayName(c *domain.Contact) string {
	if c.FirstName != "" && c.LastName != "" {
		return c.LastName + " " + c.FirstName
	}
	return ""
}

type headerWriter struct {
	buf bytes.Buffer
}

func (h *headerWriter) set(key, value string) {
	fmt.Fprintf(&h.buf, "%s: %s\r\n", key, value)
}

// encodeBody writes multipart/mixed wrapping a multipart/alternative with
// the text and HTML parts.
func encodeBody(h *headerWriter, text, htmlBody string) ([]byte, error) {
	var alt bytes.Buffer
	aw := multipart.NewWriter(&alt)
	for _, p := range []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", htmlBody},
	} {
		part, err := aw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	h.set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	out.Write(h.buf.Bytes())
	out.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": aw.Boundary()})},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(alt.Bytes()); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
