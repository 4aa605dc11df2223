// Package sending defines the boundaries the dispatch workers talk through:
// the transport that carries a raw message to a mail server, and the builder
// that turns a campaign and a recipient into that raw message.
//
// Each transport (plain SMTP relay, AWS SES) implements Transport. A Session
// is owned by exactly one dispatcher and is never shared between goroutines.
package sending

import (
	"context"

	"github.com/ignite/newsletter-dispatch/internal/domain"
)

// Transport opens sessions against an outbound mail server.
type Transport interface {
	// Connect establishes a session. Failures wrap ErrConnection.
	Connect(ctx context.Context, server *domain.Server) (Session, error)
}

// Session is one live connection to a mail server. Implementations are not
// safe for concurrent use.
type Session interface {
	// Send hands one message to the server. Address-level refusals wrap
	// ErrRecipientRejected; a dropped connection wraps ErrSessionLost.
	Send(ctx context.Context, envelopeFrom, envelopeTo string, raw []byte) error
	// Close ends the session (QUIT for SMTP).
	Close() error
}

// Message is a fully rendered message ready for a Session.
type Message struct {
	EnvelopeFrom string
	EnvelopeTo   string
	MessageID    string
	Subject      string
	Raw          []byte
}

// MessageBuilder renders the message for one (campaign, recipient) pair.
// Template failures are reported as *ContentError; unrepresentable content
// or addresses wrap ErrEncoding.
type MessageBuilder interface {
	Build(campaign *domain.Campaign, server *domain.Server, contact *domain.Contact) (*Message, error)
}
