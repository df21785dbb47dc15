// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a transport failure into one of five closed
// categories. Every error leaving this package carries exactly one kind.
type ErrorKind string

const (
	// ErrKindNetwork means no HTTP response reached the client
	// (connection refused, DNS failure, timeout, cancelled stream).
	ErrKindNetwork ErrorKind = "network"

	// ErrKindAuth covers HTTP 401 and 403.
	ErrKindAuth ErrorKind = "auth"

	// ErrKindValidation covers HTTP 400 (bad request shape).
	ErrKindValidation ErrorKind = "validation"

	// ErrKindServer covers HTTP 5xx.
	ErrKindServer ErrorKind = "server"

	// ErrKindUnknown covers everything else, including client-side bugs.
	ErrKindUnknown ErrorKind = "unknown"
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	return string(k)
}

// APIError is the normalized form of any transport or server failure.
// It is created once at the client boundary and never re-wrapped.
type APIError struct {
	Kind    ErrorKind
	Message string
	Status  int    // original HTTP status, 0 when no response was received
	Code    string // provider-reported error code, if any
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status > 0 {
		if e.Code != "" {
			return fmt.Sprintf("api error [%s] (HTTP %d, %s): %s", e.Kind, e.Status, e.Code, e.Message)
		}
		return fmt.Sprintf("api error [%s] (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("api error [%s]: %s", e.Kind, e.Message)
}

// Is allows comparison by kind: errors.Is(err, &APIError{Kind: ErrKindAuth}).
func (e *APIError) Is(target error) bool {
	var other *APIError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuth
	case status == http.StatusBadRequest:
		return ErrKindValidation
	case status >= 500:
		return ErrKindServer
	default:
		return ErrKindUnknown
	}
}

// statusError builds an APIError for an HTTP error response.
func statusError(status int, code, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{
		Kind:    KindForStatus(status),
		Message: message,
		Status:  status,
		Code:    code,
	}
}

// Normalize converts an arbitrary error into an APIError. Errors that are
// already normalized pass through unchanged. Anything raised before an HTTP
// response arrived (dial errors, timeouts, cancellation) is a network error.
func Normalize(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &APIError{Kind: ErrKindNetwork, Message: err.Error()}
	}

	// http.Client errors mean the request never produced a response.
	return &APIError{Kind: ErrKindNetwork, Message: err.Error()}
}

// StreamError is a failure raised mid-stream. It preserves the text
// accumulated before the failure so callers can surface a partial result.
type StreamError struct {
	Partial string
	Err     *APIError
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream failed after %d chars: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream failed: %v", e.Err)
}

// Unwrap returns the normalized underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}
