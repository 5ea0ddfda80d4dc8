// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DigestFrequency is how often a user receives digests.
type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
	DigestCustom DigestFrequency = "custom"
	DigestOff    DigestFrequency = "off"
)

// DigestFormat selects the rendering of a digest message.
type DigestFormat string

const (
	DigestFormatMarkdown DigestFormat = "markdown"
	DigestFormatPlain    DigestFormat = "plain"
)

// TelegramDigestMode selects the content scope of telegram digests.
type TelegramDigestMode string

const (
	TelegramDigestAll     TelegramDigestMode = "all"
	TelegramDigestTracked TelegramDigestMode = "tracked"
)

// DigestPreferences is the per-user digest singleton.
type DigestPreferences struct {
	UserID string `json:"user_id"`

	Enabled   bool            `json:"digest_enabled"`
	Frequency DigestFrequency `json:"digest_frequency"`
	Format    DigestFormat    `json:"digest_format"`

	// Custom schedule: local time-of-day and allowed days in Timezone.
	TimeOfDay  string `json:"time_of_day"` // "HH:MM", default "09:00"
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
	Timezone   string `json:"timezone"` // IANA name, default UTC

	LastSentUTC *time.Time `json:"last_sent_utc,omitempty"`

	TelegramEnabled    bool               `json:"telegram_enabled"`
	TelegramDigestMode TelegramDigestMode `json:"telegram_digest_mode"`
}

// ParseTimeOfDay parses "HH:MM" into hour and minute. Empty input defaults
// to 09:00.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 9, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// NormalizeDaysOfWeek accepts both Sunday-indexed (0..6) and Monday-indexed
// (1..7, where 7 is Sunday) day sets and returns Go weekday values 0..6
// with Sunday = 0. An empty set means "any day".
func NormalizeDaysOfWeek(days []int) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	mondayIndexed := false
	for _, d := range days {
		if d == 7 {
			mondayIndexed = true
			break
		}
	}
	seen := make(map[time.Weekday]bool)
	var out []time.Weekday
	for _, d := range days {
		var wd time.Weekday
		switch {
		case mondayIndexed && d >= 1 && d <= 7:
			wd = time.Weekday(d % 7)
		case d >= 0 && d <= 6:
			wd = time.Weekday(d)
		default:
			continue
		}
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	return out
}
