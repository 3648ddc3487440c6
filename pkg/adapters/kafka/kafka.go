// Package kafka carries processing jobs over a Kafka topic.
// Messages are keyed by session ID so every job for a session lands on the
// same partition. Kafka cannot refuse a duplicate; the worker's
// processing-start guard drops the second delivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the producing half of *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageReader is the consuming half of *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a writer that hashes the message key onto partitions.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewReader builds a consumer-group reader.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// Dispatcher publishes one message per dispatch.
type Dispatcher struct {
	writer MessageWriter
	now    func() time.Time
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(w MessageWriter) *Dispatcher {
	return &Dispatcher{writer: w, now: time.Now}
}

func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) error {
	payload, err := ports.EncodeEnvelope(sessionID, d.now())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sessionID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	return nil
}

// Source turns fetched messages into jobs. The offset is committed on Ack.
type Source struct {
	reader MessageReader
	logger *slog.Logger
}

var _ ports.JobSource = (*Source)(nil)

type SourceOption func(*Source)

func WithLogger(l *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = l
	}
}

func NewSource(r MessageReader, opts ...SourceOption) *Source {
	s := &Source{reader: r, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receive blocks until a well-formed message arrives. Malformed messages are
// committed and skipped so they do not wedge the partition.
func (s *Source) Receive(ctx context.Context) (ports.Job, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ports.Job{}, ctx.Err()
			}
			return ports.Job{}, fmt.Errorf("failed to fetch message: %w", err)
		}

		env, err := ports.DecodeEnvelope(msg.Value)
		if err != nil {
			s.logger.Warn("dropping malformed job", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if cerr := s.reader.CommitMessages(ctx, msg); cerr != nil {
				return ports.Job{}, errors.Join(err, cerr)
			}
			continue
		}

		return ports.Job{
			SessionID: env.SessionID,
			Ack: func(ctx context.Context) error {
				return s.reader.CommitMessages(ctx, msg)
			},
		}, nil
	}
}
