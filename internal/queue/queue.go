// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/metrics"
)

// Queue is the task enqueue side: a Watermill JetStream publisher with
// message-ID deduplication.
type Queue struct {
	publisher message.Publisher

	mu     sync.RWMutex
	closed bool
}

// NewQueue connects a JetStream publisher to the broker at cfg.URL.
func NewQueue(cfg config.NATSConfig, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = NewLogger()
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}
	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create task publisher: %w", err)
	}
	return &Queue{publisher: pub}, nil
}

// NewQueueFromPublisher wraps an existing publisher; used by tests and
// the in-process wiring.
func NewQueueFromPublisher(pub message.Publisher) *Queue {
	return &Queue{publisher: pub}
}

// Enqueue publishes one task to a topic. The task ID is the JetStream
// dedup key, so re-enqueueing the same task within the dedup window is
// a no-op.
func (q *Queue) Enqueue(ctx context.Context, topic string, task Task) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	msg, err := task.Message()
	if err != nil {
		return err
	}
	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}
	msg.SetContext(ctx)

	if err := q.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish task %s to %s: %w", task.Name, topic, err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(topic).Inc()
	return nil
}

// Close shuts the publisher down. Enqueue fails afterwards.
// Publisher exposes the raw publisher for router wiring (poison queue).
func (q *Queue) Publisher() message.Publisher {
	return q.publisher
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.publisher.Close()
}

// NewSubscriber builds a durable queue-group JetStream subscriber.
func NewSubscriber(cfg config.NATSConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = NewLogger()
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     cfg.RouterCloseTimeout,
		NatsOptions:      natsOptions(logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.RouterRetryCount + 1),
				natsgo.AckWait(30 * time.Second),
				natsgo.DeliverNew(),
			},
		},
	}
	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create task subscriber: %w", err)
	}
	return sub, nil
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}
