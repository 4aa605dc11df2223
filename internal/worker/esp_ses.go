package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/pkg/logger"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// SESAPI is the subset of the SES v2 client the transport calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport delivers raw MIME messages through the SES v2 API. SES has
// no connection to hold, so a session is a thin handle on the client.
type SESTransport struct {
	client SESAPI
	// ConfigurationSet, when set, is attached to every message.
	ConfigurationSet string
}

// NewSESTransport builds an SES client. Empty keys use the default
// credential chain (IAM role on ECS).
func NewSESTransport(ctx context.Context, region, accessKey, secretKey string) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

// NewSESTransportWithClient wraps an existing client.
func NewSESTransportWithClient(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Connect(_ context.Context, srv *domain.Server) (sending.Session, error) {
	if t.client == nil {
		return nil, fmt.Errorf("%w: SES client not initialized for server %s", sending.ErrConnection, srv.ID)
	}
	return &sesSession{transport: t}, nil
}

type sesSession struct {
	transport *SESTransport
}

func (s *sesSession) Send(ctx context.Context, from, to string, raw []byte) error {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	}
	if cs := s.transport.ConfigurationSet; cs != "" {
		in.ConfigurationSetName = aws.String(cs)
	}

	out, err := s.transport.client.SendEmail(ctx, in)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return fmt.Errorf("%w: SES: %w", sending.ErrRecipientRejected, err)
		}
		return fmt.Errorf("SES send: %w", err)
	}

	logger.Debug("ses accepted message", "email", to, "message_id", aws.ToString(out.MessageId))
	return nil
}

func (s *sesSession) Close() error { return nil }

// MultiTransport picks the transport matching each server's record.
type MultiTransport struct {
	byType map[domain.TransportType]sending.Transport
}

func NewMultiTransport(smtp, ses sending.Transport) *MultiTransport {
	m := &MultiTransport{byType: make(map[domain.TransportType]sending.Transport)}
	if smtp != nil {
		m.byType[domain.TransportSMTP] = smtp
	}
	if ses != nil {
		m.byType[domain.TransportSES] = ses
	}
	return m
}

func (m *MultiTransport) Connect(ctx context.Context, srv *domain.Server) (sending.Session, error) {
	kind := srv.Transport
	if kind == "" {
		kind = domain.TransportSMTP
	}
	t, ok := m.byType[kind]
	if !ok {
		log.Printf("[Transport] Server %s: no %q transport configured", srv.ID, kind)
		return nil, fmt.Errorf("%w: no transport for type %q", sending.ErrConnection, kind)
	}
	return t.Connect(ctx, srv)
}
