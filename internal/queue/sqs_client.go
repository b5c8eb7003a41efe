package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const sqsRegion = "us-east-1"

// maxSQSDelay is the SQS DelaySeconds ceiling.
const maxSQSDelay = 900 * time.Second

// SQSClient sends reconcile messages to AWS SQS.
type SQSClient struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSClient constructs an SQS-backed queue client.
func NewSQSClient(ctx context.Context) (*SQSClient, error) {
	queueURL := strings.TrimSpace(os.Getenv("CL_RECONCILE_QUEUE_URL"))
	if queueURL == "" {
		return nil, fmt.Errorf("CL_RECONCILE_QUEUE_URL is required")
	}

	region := strings.TrimSpace(os.Getenv("AWS_REGION"))
	if region == "" {
		region = sqsRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSClient{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

// QueueURL returns the configured queue URL.
func (s *SQSClient) QueueURL() string {
	return s.queueURL
}

// Send delivers a message to the configured SQS queue, optionally delayed.
func (s *SQSClient) Send(ctx context.Context, msg Message, delay time.Duration) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode sqs message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
	}
	if delay > 0 {
		if delay > maxSQSDelay {
			delay = maxSQSDelay
		}
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

var _ Client = (*SQSClient)(nil)
