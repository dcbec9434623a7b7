// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Vue energy logger.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// The types mirror how a failed poll cycle is handled by the scheduler:
//
//   - ConfigError and a startup AuthError are fatal and abort the process
//   - TransportError and StorageError are hard failures, retried next cycle
//     with the window start held
//   - QualityError is a reject verdict, retried with a held window start up
//     to the consecutive-failure threshold
//
// # Example Usage
//
//	err := errors.NewTransportError("get usage series", "main-account", fmt.Errorf("connection reset"))
//	if errors.IsTransportError(err) {
//	    log.Printf("pull failed, retrying next cycle: %v", err)
//	}
package errors

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration error. Always fatal at startup.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AuthError represents an authentication failure against the metering API.
// Fatal during the initial login at startup; during steady-state re-auth it
// is handled like a hard failure and retried on the next cycle.
type AuthError struct {
	Account string // Account the login was attempted for
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("auth failed (account=%s): %v", e.Account, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %v", e.Err)
	}
	return "auth failed"
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new authentication error.
func NewAuthError(account string, err error) *AuthError {
	return &AuthError{Account: account, Err: err}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransportError represents a network-level failure talking to the metering
// API: timeouts, connection errors, unexpected HTTP statuses. Counted as a
// hard failure and retried on the next scheduled cycle.
type TransportError struct {
	Op      string // Operation being performed (e.g., "list channels", "get usage series")
	Account string // Account involved (if applicable)
	Err     error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("transport %s (account=%s): %v", e.Op, e.Account, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error.
func NewTransportError(op string, account string, err error) *TransportError {
	return &TransportError{Op: op, Account: account, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// QualityError represents a completed pull that did not collect enough data
// points to be accepted. Retried with a held window start, bounded by the
// consecutive-failure threshold.
type QualityError struct {
	MinPoints     int // Fewest non-null points collected on any reporting channel
	MaxPoints     int // Most non-null points collected on any reporting channel
	WindowSeconds int // Duration of the requested window in seconds
	Reason        string
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("quality reject: %s (min=%d max=%d window=%ds)",
		e.Reason, e.MinPoints, e.MaxPoints, e.WindowSeconds)
}

// NewQualityError creates a new quality error.
func NewQualityError(minPoints, maxPoints, windowSeconds int, reason string) *QualityError {
	return &QualityError{
		MinPoints:     minPoints,
		MaxPoints:     maxPoints,
		WindowSeconds: windowSeconds,
		Reason:        reason,
	}
}

// IsQualityError checks if an error is a QualityError.
func IsQualityError(err error) bool {
	var qe *QualityError
	return errors.As(err, &qe)
}

// StorageError represents an error during time-series sink operations.
// Treated like a transport error: the cycle is a hard failure and the
// window start is held so the next pull re-covers the same range.
type StorageError struct {
	Op      string // Operation being performed (e.g., "write batch", "query last timestamp")
	Account string // Account involved in the operation (if applicable)
	Err     error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("storage %s (account=%s): %v", e.Op, e.Account, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, account string, err error) *StorageError {
	return &StorageError{Op: op, Account: account, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Sentinel errors for common conditions
var (
	// ErrNotAuthenticated indicates no valid session exists for the account
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrChannelUnknown indicates a channel identity missing from the device index
	ErrChannelUnknown = errors.New("channel unknown")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrCircuitBreakerOpen indicates the sink circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidWindow indicates a window whose end does not exceed its start
	ErrInvalidWindow = errors.New("window end must be after start")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
