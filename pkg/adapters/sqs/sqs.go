// Package sqs carries processing jobs over an Amazon SQS queue.
// On a FIFO queue the session ID doubles as the group and deduplication ID,
// so SQS itself drops a repeated dispatch inside its deduplication window.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewClient loads the default AWS configuration. A non-empty endpoint points
// the client at a local emulator.
func NewClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Queue implements ports.Dispatcher and ports.JobSource.
type Queue struct {
	client   API
	url      string
	fifo     bool
	waitTime int32
	now      func() time.Time
	logger   *slog.Logger
}

var (
	_ ports.Dispatcher = (*Queue)(nil)
	_ ports.JobSource  = (*Queue)(nil)
)

type Option func(*Queue)

// WithWaitTime sets the long-poll duration in seconds (max 20).
func WithWaitTime(seconds int32) Option {
	return func(q *Queue) {
		q.waitTime = seconds
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

func New(client API, queueURL string, opts ...Option) *Queue {
	q := &Queue{
		client:   client,
		url:      queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		waitTime: 20,
		now:      time.Now,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Dispatch(ctx context.Context, sessionID string) error {
	body, err := ports.EncodeEnvelope(sessionID, q.now())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(sessionID)
		in.MessageDeduplicationId = aws.String(sessionID)
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	return nil
}

// Receive long-polls until a message arrives. Ack deletes it; an unacked
// message reappears after the queue's visibility timeout.
func (q *Queue) Receive(ctx context.Context) (ports.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ports.Job{}, err
		}
		resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.waitTime,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ports.Job{}, ctx.Err()
			}
			return ports.Job{}, fmt.Errorf("failed to receive message: %w", err)
		}
		if len(resp.Messages) == 0 {
			continue
		}

		msg := resp.Messages[0]
		handle := aws.ToString(msg.ReceiptHandle)
		ack := func(ctx context.Context) error {
			_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.url),
				ReceiptHandle: aws.String(handle),
			})
			return err
		}

		env, err := ports.DecodeEnvelope([]byte(aws.ToString(msg.Body)))
		if err != nil {
			q.logger.Warn("dropping malformed job", "message_id", aws.ToString(msg.MessageId), "error", err)
			if derr := ack(ctx); derr != nil {
				q.logger.Error("failed to delete malformed job", "error", derr)
			}
			continue
		}
		return ports.Job{SessionID: env.SessionID, Ack: ack}, nil
	}
}
