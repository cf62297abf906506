package email

import (
	"context"
	"errors"
	"fmt"
)

// Message is a single outbound email. Either HTML or TemplateID is set: HTML
// when the body was rendered locally, TemplateID when the provider renders
// Data into one of its hosted templates.
type Message struct {
	To         string
	From       string
	ReplyTo    string
	Subject    string
	HTML       string
	TemplateID string
	Data       map[string]interface{}
}

// Transport sends a message and returns the provider message id.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) (string, error)
}

// HostedTemplates is implemented by transports that can render a named
// template on the provider side.
type HostedTemplates interface {
	TemplateID(name string) (string, bool)
}

// DeliveryError wraps a provider failure. Permanent errors are not retried.
type DeliveryError struct {
	Transport string
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s send failed: %v", e.Transport, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a DeliveryError that must not be retried.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// FailureReason is the text recorded against a failed job: the provider's own
// error for a DeliveryError, so failures group by cause rather than by
// transport.
func FailureReason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}
