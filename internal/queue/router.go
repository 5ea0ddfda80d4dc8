// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/metrics"
)

// TaskHandler processes one decoded task. A returned error triggers the
// retry middleware; exhausted retries route the message to the poison
// queue.
type TaskHandler func(ctx context.Context, task Task) error

// Router consumes task topics and dispatches by task name.
type Router struct {
	router *message.Router
	cfg    config.NATSConfig

	handlers map[string]map[string]TaskHandler // topic -> task name -> handler
}

// NewRouter builds the Watermill router with panic recovery, exponential
// retry and poison queue routing.
func NewRouter(cfg config.NATSConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = NewLogger()
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.RouterCloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create task router: %w", err)
	}

	// Poison queue sits outside retry: a message reaches the DLQ only
	// after the retry budget is spent. Recoverer is innermost so panics
	// become retryable errors.
	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poison, err := middleware.PoisonQueue(&countingPublisher{inner: poisonPublisher}, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.RouterRetryCount,
		InitialInterval: cfg.RouterRetryInitialInterval,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)
	wmRouter.AddMiddleware(middleware.Recoverer)

	return &Router{
		router:   wmRouter,
		cfg:      cfg,
		handlers: map[string]map[string]TaskHandler{},
	}, nil
}

// Handle registers a task handler for (topic, task name). The topic
// subscription is created on the first handler for that topic.
func (r *Router) Handle(topic, taskName string, subscriber message.Subscriber, handler TaskHandler) {
	byName, subscribed := r.handlers[topic]
	if !subscribed {
		byName = map[string]TaskHandler{}
		r.handlers[topic] = byName
		r.router.AddConsumerHandler(
			"tasks-"+topic,
			topic,
			subscriber,
			r.dispatch(topic),
		)
	}
	byName[taskName] = handler
}

// dispatch decodes the envelope and routes by task name. Unknown task
// names are acked and dropped; replaying them cannot succeed.
func (r *Router) dispatch(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		metrics.QueueMessagesConsumed.WithLabelValues(topic).Inc()

		task, err := TaskFromMessage(msg)
		if err != nil {
			return err
		}
		handler, ok := r.handlers[topic][task.Name]
		if !ok {
			return nil
		}

		start := time.Now()
		err = handler(msg.Context(), task)
		metrics.QueueProcessingDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("task %s (%s): %w", task.Name, task.ID, err)
		}
		return nil
	}
}

// Run starts the router and blocks until the context is canceled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel that closes once all handlers are consuming.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting up to the configured close timeout.
func (r *Router) Close() error {
	return r.router.Close()
}

// countingPublisher counts messages routed into the poison queue.
type countingPublisher struct {
	inner message.Publisher
}

func (p *countingPublisher) Publish(topic string, messages ...*message.Message) error {
	if err := p.inner.Publish(topic, messages...); err != nil {
		return err
	}
	metrics.QueueMessagesPoisoned.WithLabelValues(topic).Add(float64(len(messages)))
	return nil
}

func (p *countingPublisher) Close() error {
	return p.inner.Close()
}
