package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/pkg/schema"
)

// SESConfig configures the SES transport.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// sesAPI is the subset of the SES v2 client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends email through AWS SES v2.
type SESTransport struct {
	client sesAPI
	logger *slog.Logger
}

// NewSESTransport builds an SES client from static credentials.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESTransport, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ses: access key and secret key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESTransport(sesv2.NewFromConfig(awsCfg), logger), nil
}

func newSESTransport(client sesAPI, logger *slog.Logger) *SESTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESTransport{client: client, logger: logger}
}

// Send delivers msg through SES.
func (t *SESTransport) Send(ctx context.Context, msg *Message) (string, error) {
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for k, v := range msg.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	logging.LogWith(ctx, t.logger).DebugContext(ctx, "ses accepted message",
		slog.String("message_id", messageID),
		slog.String("to", logging.RedactEmail(msg.To)),
	)
	return messageID, nil
}

// classifySESError maps SES API errors onto drip error codes so the
// executor can tell bounces and throttling from ordinary failures.
func classifySESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return schema.NewErrorf(schema.ErrCodeExecution, "ses: %v", err).WithCause(err)
	}
	switch apiErr.ErrorCode() {
	case "MessageRejected":
		return schema.NewErrorf(schema.ErrCodeBounce, "ses rejected message: %s", apiErr.ErrorMessage()).WithCause(err)
	case "TooManyRequestsException", "LimitExceededException", "Throttling":
		return schema.NewErrorf(schema.ErrCodeThrottled, "ses throttled: %s", apiErr.ErrorMessage()).WithCause(err)
	case "BadRequestException", "NotFoundException", "MailFromDomainNotVerifiedException":
		return schema.NewErrorf(schema.ErrCodeValidation, "ses: %s", apiErr.ErrorMessage()).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "ses %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()).WithCause(err)
	}
}
