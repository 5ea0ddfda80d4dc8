// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/middleware"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError carries a machine-readable code plus a human message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta is optional response metadata.
type APIMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any, count int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			RequestID: middleware.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
			Count:     count,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode error response")
	}
}
