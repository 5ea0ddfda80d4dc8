// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/models"
)

// EmailSender delivers events over SMTP.
type EmailSender struct {
	cfg config.NotifyConfig

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender builds the SMTP sender.
func NewEmailSender(cfg config.NotifyConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Kind implements Sender.
func (e *EmailSender) Kind() models.ChannelKind { return models.ChannelEmail }

// Send delivers the rendered event to the channel's address.
func (e *EmailSender) Send(ctx context.Context, channel models.NotificationChannel, event *models.NotificationEvent) (map[string]string, error) {
	if e.cfg.SMTPHost == "" {
		return nil, Permanent(fmt.Errorf("smtp not configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := subjectFor(event)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.SMTPFrom)
	fmt.Fprintf(&b, "To: %s\r\n", channel.Destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(renderText(event))

	var auth smtp.Auth
	if e.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, e.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	if err := e.sendMail(addr, auth, e.cfg.SMTPFrom, []string{channel.Destination}, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}
	return map[string]string{"to": channel.Destination}, nil
}

func subjectFor(event *models.NotificationEvent) string {
	switch event.Type {
	case models.NotifyTypeCompetitorChange:
		return "Competitor change detected"
	case models.NotifyTypeNews:
		return "Competitor news"
	case models.NotifyTypeDigest:
		return "Your competitor digest"
	default:
		return "Spyglass notification"
	}
}
