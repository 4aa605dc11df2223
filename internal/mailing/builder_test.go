package mailing

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

func testBuilder() *Builder {
	b := NewBuilder(BuilderConfig{
		DefaultHeaderSender: "Newsletter <news@example.com>",
		DefaultHeaderReply:  "reply@example.com",
		SiteDomain:          "example.com",
		MediaURL:            "https://cdn.example.com/",
		SigningKey:          "test-key",
		UniqueKeyLength:     8,
		UniqueKeyCharset:    "ABCDEF",
	}, nil)
	b.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return b
}

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:      "nl-1",
		Title:   "Hello {{ contact.first_name }} [{{ UNIQUE_KEY }}]",
		Content: `<h1>News for {{ contact.first_name | default: "Friend" }}</h1><p>Read <a href="https://{{ domain }}/nl/{{ newsletter.slug }}/{{ uid }}/{{ token }}/">online</a>.</p>`,
		Slug:    "march",
	}
}

func testContact() *domain.Contact {
	return &domain.Contact{ID: "c1", Email: "jane@example.org", FirstName: "Jane", LastName: "Doe", Subscribed: true, ValidEmail: true}
}

// parts walks multipart/mixed -> multipart/alternative and returns the
// decoded text and HTML bodies.
func parts(t *testing.T, msg *mail.Message) (text, html string) {
	t.Helper()
	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mt)

	mixed := multipart.NewReader(msg.Body, params["boundary"])
	alt, err := mixed.NextPart()
	require.NoError(t, err)
	mt, params, err = mime.ParseMediaType(alt.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mt)

	r := multipart.NewReader(alt, params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		// NextPart decodes quoted-printable transparently.
		body, err := io.ReadAll(p)
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(p.Header.Get("Content-Type"), "text/plain"):
			text = string(body)
		case strings.HasPrefix(p.Header.Get("Content-Type"), "text/html"):
			html = string(body)
		}
	}
	return text, html
}

func TestBuild(t *testing.T) {
	b := testBuilder()
	srv := &domain.Server{ID: "srv", Headers: "X-Campaign: spring\nlist-unsubscribe: <mailto:unsub@example.com>\n"}

	msg, err := b.Build(testCampaign(), srv, testContact())
	require.NoError(t, err)

	assert.Equal(t, "news@example.com", msg.EnvelopeFrom)
	assert.Equal(t, "jane@example.org", msg.EnvelopeTo)
	assert.True(t, strings.HasSuffix(msg.MessageID, "@example.com>"))
	assert.Regexp(t, `^Hello Jane \[[A-F]{8}\]$`, msg.Subject)

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	require.NoError(t, err)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)

	to, err := parsed.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "Doe Jane", to[0].Name)
	assert.Equal(t, "jane@example.org", to[0].Address)

	assert.Equal(t, "<reply@example.com>", parsed.Header.Get("Reply-To"))
	assert.Equal(t, "spring", parsed.Header.Get("X-Campaign"))
	assert.Equal(t, "<mailto:unsub@example.com>", parsed.Header.Get("List-Unsubscribe"))
	assert.Equal(t, "1.0", parsed.Header.Get("MIME-Version"))
	assert.Equal(t, msg.MessageID, parsed.Header.Get("Message-ID"))
	assert.Equal(t, "Fri, 01 Mar 2024 09:30:00 +0000", parsed.Header.Get("Date"))

	text, html := parts(t, parsed)
	token := b.signer.Token("nl-1", "c1")
	link := "https://example.com/nl/march/" + UID("c1") + "/" + token + "/"
	assert.Contains(t, html, `<h1>News for Jane</h1>`)
	assert.Contains(t, html, link)
	assert.Contains(t, text, "News for Jane")
	assert.Contains(t, text, "online ("+link+")")
}

func TestBuildCampaignSenderOverridesDefault(t *testing.T) {
	c := testCampaign()
	c.HeaderSender = "Ops <ops@example.net>"
	msg, err := testBuilder().Build(c, &domain.Server{}, testContact())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.net", msg.EnvelopeFrom)
}

func TestBuildEncodesUTF8Subject(t *testing.T) {
	c := testCampaign()
	c.Title = "Nouveautés pour {{ contact.first_name }}"
	contact := testContact()
	contact.FirstName = "Zoé"

	msg, err := testBuilder().Build(c, &domain.Server{}, contact)
	require.NoError(t, err)
	assert.Equal(t, "Nouveautés pour Zoé", msg.Subject)
	assert.NotContains(t, string(msg.Raw), "Nouveautés")
}

func TestBuildRejectsNonASCIIAddress(t *testing.T) {
	contact := testContact()
	contact.Email = "jöhn@example.org"
	_, err := testBuilder().Build(testCampaign(), &domain.Server{}, contact)
	assert.ErrorIs(t, err, sending.ErrEncoding)
	assert.True(t, sending.IsRecipientFault(err))
}

func TestBuildRejectsMalformedAddress(t *testing.T) {
	contact := testContact()
	contact.Email = "not an address"
	_, err := testBuilder().Build(testCampaign(), &domain.Server{}, contact)
	assert.ErrorIs(t, err, sending.ErrEncoding)
}

func TestBuildTemplateSyntaxIsPermanent(t *testing.T) {
	c := testCampaign()
	c.Content = "{% if contact.first_name %}unterminated"
	_, err := testBuilder().Build(c, &domain.Server{}, testContact())
	require.Error(t, err)
	assert.True(t, sending.IsPermanentContent(err))
	assert.False(t, sending.IsRecipientFault(err))
}

func TestBuildBadSenderIsPermanent(t *testing.T) {
	c := testCampaign()
	c.HeaderSender = "not-an-address"
	_, err := testBuilder().Build(c, &domain.Server{}, testContact())
	assert.True(t, sending.IsPermanentContent(err))
}
