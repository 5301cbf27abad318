package sms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

const defaultRegion = "eu-central-1"

// publisher is the part of the SNS client used for direct SMS publishing
type publisher interface {
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// SNSSender publishes codes as transactional SMS through Amazon SNS
type SNSSender struct {
	client   publisher
	senderID string
	log      *zap.Logger
}

// NewSNSSender loads the default AWS credential chain for region and returns a sender.
// senderID is optional and only honoured in countries that support alphanumeric sender IDs.
func NewSNSSender(ctx context.Context, region, senderID string, log *zap.Logger) (*SNSSender, error) {
	if region == "" {
		region = defaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSSender{
		client:   awssns.NewFromConfig(cfg),
		senderID: senderID,
		log:      log,
	}, nil
}

func (s *SNSSender) SendCode(ctx context.Context, phone, code string) error {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, &awssns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(message(code)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}

	s.log.Info("verification sms sent",
		zap.String("phone", MaskPhone(phone)),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
