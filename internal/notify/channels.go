// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/pfielding/spyglass/internal/models"
)

// Sender delivers one event to one channel endpoint. Implementations
// must be safe for concurrent use.
type Sender interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel models.NotificationChannel, event *models.NotificationEvent) (map[string]string, error)
}

// Senders indexes senders by channel kind.
type Senders map[models.ChannelKind]Sender

// NewSenders builds the registry from the given senders.
func NewSenders(senders ...Sender) Senders {
	out := make(Senders, len(senders))
	for _, s := range senders {
		out[s.Kind()] = s
	}
	return out
}

// For returns the sender for a channel kind.
func (s Senders) For(kind models.ChannelKind) (Sender, error) {
	sender, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("no sender for channel kind %s", kind)
	}
	return sender, nil
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the dispatcher fails the delivery without
// spending the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the delivery error is non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
