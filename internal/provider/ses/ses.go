// Package ses delivers messages through the Amazon SES v2 API.
package ses

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-dispatch/internal/email"
)

const charset = "UTF-8"

// Config configures the SES transport. Static credentials are optional;
// without them the default AWS credential chain applies.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender is used when a message carries no From address.
	Sender string
	// ConfigurationSet tags outgoing mail for SES event publishing.
	ConfigurationSet string
}

// SendEmailAPI is the subset of the SES v2 client the provider calls.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends through SES. Each Send is a single API call.
type Provider struct {
	client SendEmailAPI
	cfg    Config
}

// New loads the AWS configuration and builds an SES client.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client SendEmailAPI, cfg Config) *Provider {
	return &Provider{client: client, cfg: cfg}
}

// Send submits msg and returns the SES message id, or the message's own
// Message-ID when SES does not report one.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	from := cmp.Or(msg.From, p.cfg.Sender)

	content, err := messageContent(from, msg)
	if err != nil {
		return "", err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: content,
	}
	if p.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.cfg.ConfigurationSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", describe(err)
	}
	if out != nil && aws.ToString(out.MessageId) != "" {
		return *out.MessageId, nil
	}
	return msg.MessageID, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// messageContent uses the simple format unless the message needs headers
// or parts only raw MIME can carry.
func messageContent(from string, msg *email.Email) (*types.EmailContent, error) {
	if len(msg.Attachments) == 0 && !msg.HasExtendedHeaders() {
		return &types.EmailContent{Simple: simpleMessage(msg)}, nil
	}

	withFrom := *msg
	withFrom.From = from
	raw, err := email.BuildMIME(&withFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	return &types.EmailContent{Raw: &types.RawMessage{Data: raw}}, nil
}

func simpleMessage(msg *email.Email) *types.Message {
	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = utf8(msg.TextBody)
	}
	if msg.HtmlBody != "" {
		body.Html = utf8(msg.HtmlBody)
	}
	return &types.Message{Subject: utf8(msg.Subject), Body: body}
}

func utf8(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String(charset)}
}

// describe keeps the SES error code in the message so failure records say
// why a send was refused.
func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("SES rejected the message (%s): %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("SES API request failed: %w", err)
}
