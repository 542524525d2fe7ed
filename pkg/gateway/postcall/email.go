package postcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type sendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridMailer delivers transcript emails through SendGrid.
type SendGridMailer struct {
	client sendGridClient
	from   *mail.Email
}

func NewSendGridMailer(apiKey, from string) (*SendGridMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	return newSendGridMailer(sendgrid.NewSendClient(apiKey), from)
}

func newSendGridMailer(client sendGridClient, from string) (*SendGridMailer, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	return &SendGridMailer{client: client, from: mail.NewEmail("", from)}, nil
}

func (m *SendGridMailer) Send(ctx context.Context, msg Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	v3 := mail.NewV3Mail()
	v3.SetFrom(m.from)
	v3.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, addr := range msg.To {
		p.AddTos(mail.NewEmail("", addr))
	}
	v3.AddPersonalizations(p)
	v3.AddContent(mail.NewContent("text/plain", msg.Body))

	resp, err := m.client.SendWithContext(ctx, v3)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp != nil && resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	return nil
}
