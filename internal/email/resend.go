package email

import (
	"context"
	"errors"

	"github.com/resend/resend-go/v2"
)

// ResendTransport sends pre-rendered HTML through the Resend API.
type ResendTransport struct {
	client *resend.Client
}

func NewResend(apiKey string) *ResendTransport {
	return NewResendWithClient(resend.NewClient(apiKey))
}

func NewResendWithClient(client *resend.Client) *ResendTransport {
	return &ResendTransport{client: client}
}

func (t *ResendTransport) Name() string { return "resend" }

func (t *ResendTransport) Send(ctx context.Context, msg *Message) (string, error) {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	}

	resp, err := t.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", &DeliveryError{Transport: t.Name(), Err: err}
	}
	if resp == nil || resp.Id == "" {
		return "", &DeliveryError{Transport: t.Name(), Err: errors.New("empty message id in response")}
	}

	return resp.Id, nil
}
