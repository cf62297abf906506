package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends through Amazon SES v2. Templates mapped to an SES
// template name are rendered by SES from the message data; everything else
// goes out as pre-rendered HTML.
type SESTransport struct {
	client           SESAPI
	templates        map[string]string
	configurationSet string
}

func NewSES(ctx context.Context, region, configurationSet string, templates map[string]string) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), configurationSet, templates), nil
}

func NewSESWithClient(client SESAPI, configurationSet string, templates map[string]string) *SESTransport {
	return &SESTransport{
		client:           client,
		templates:        templates,
		configurationSet: configurationSet,
	}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) TemplateID(name string) (string, bool) {
	id, ok := t.templates[name]
	return id, ok && id != ""
}

func (t *SESTransport) Send(ctx context.Context, msg *Message) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}

	if msg.TemplateID != "" {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return "", &DeliveryError{Transport: t.Name(), Err: fmt.Errorf("encode template data: %w", err), Permanent: true}
		}
		input.Content = &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(msg.TemplateID),
				TemplateData: aws.String(string(data)),
			},
		}
	} else {
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		}
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return "", &DeliveryError{Transport: t.Name(), Err: err, Permanent: isPermanentSESError(err)}
	}
	if out.MessageId == nil || *out.MessageId == "" {
		return "", &DeliveryError{Transport: t.Name(), Err: errors.New("empty message id in response")}
	}

	return *out.MessageId, nil
}

// A rejected message or unverified sender domain will fail the same way on
// every retry. A missing provider template is left retryable.
func isPermanentSESError(err error) bool {
	var rejected *types.MessageRejected
	var unverified *types.MailFromDomainNotVerifiedException
	return errors.As(err, &rejected) || errors.As(err, &unverified)
}
