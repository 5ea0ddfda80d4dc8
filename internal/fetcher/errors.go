// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package fetcher

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies a fetch failure. Retryable versus terminal is a
// property of the kind, not of the call site.
type ErrorKind int

const (
	// KindTransient covers connect/read timeouts, 5xx and 429.
	KindTransient ErrorKind = iota
	// KindPermanent covers 404/410 and DNS no-such-host; these feed the
	// health ledger as hard failures and are not retried in-task.
	KindPermanent
	// KindChallenge marks a bot challenge (403 or challenge markup);
	// eligible for headless fallback, otherwise terminal.
	KindChallenge
	// KindRejected marks circuit-breaker rejections.
	KindRejected
	// KindOther covers everything else (malformed URL, oversized body).
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindChallenge:
		return "challenge"
	case KindRejected:
		return "rejected"
	default:
		return "other"
	}
}

// Retryable reports whether in-task retry makes sense for this kind.
func (k ErrorKind) Retryable() bool { return k == KindTransient }

// FetchError is the typed failure of one fetch call.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
	retryAfter time.Duration
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrHeadlessUnavailable is returned by the null headless renderer; the
// fetcher treats it as "no fallback configured" and surfaces the original
// challenge error.
var ErrHeadlessUnavailable = errors.New("headless rendering unavailable")

// classifyStatus maps an HTTP status to an error kind. 2xx is not an
// error and never reaches this.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindPermanent
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status == http.StatusForbidden:
		return KindChallenge
	case status >= 500:
		return KindTransient
	default:
		return KindOther
	}
}

// classifyNetErr maps a transport error to an error kind. DNS
// no-such-host is permanent; timeouts and connection failures are
// transient.
func classifyNetErr(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return KindPermanent
	}
	return KindTransient
}
