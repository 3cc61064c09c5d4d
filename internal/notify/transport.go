// internal/notify/transport.go
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wneessen/go-mail"
)

// Transport delivers one formatted message to a recipient.
type Transport interface {
	// Name returns the transport identifier
	Name() string
	// Send dispatches a message
	Send(ctx context.Context, recipient, subject, body string) error
}

// SMTPTransport sends notification email through an SMTP relay.
type SMTPTransport struct {
	client *mail.Client
	from   string
}

// NewSMTPTransport builds an SMTP transport. Credentials are optional for
// relays that accept unauthenticated submission.
func NewSMTPTransport(host string, port int, username, password, from string) (*SMTPTransport, error) {
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, err
	}
	return &SMTPTransport{client: client, from: from}, nil
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, recipient, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(t.from); err != nil {
		return err
	}
	if err := msg.To(recipient); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	return t.client.DialAndSendWithContext(ctx, msg)
}

// SentMessage is one message captured by the log transport.
type SentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// LogTransport records messages instead of delivering them. It backs
// deployments without SMTP configured and doubles as a test capture.
type LogTransport struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SentMessage
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, recipient, subject, body string) error {
	t.mu.Lock()
	t.sent = append(t.sent, SentMessage{Recipient: recipient, Subject: subject, Body: body})
	t.mu.Unlock()

	t.logger.Info("Notification delivery (log transport)", "recipient", recipient, "subject", subject)
	return nil
}

// Messages returns a copy of everything sent so far.
func (t *LogTransport) Messages() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}
