// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines typed errors with categories for the bridge.
// It provides machine-readable error kinds so transports can tell the bridge
// core whether a failure is a broken connection (retry once after reconnect)
// or a semantic rejection by the backend (surface as-is).
//
// The package supports wrapping underlying errors while maintaining error kind
// information, and lookups through wrapped chains via KindOf and Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// Connectivity indicates the backend is unreachable or the connection dropped.
	Connectivity Kind = "connectivity"
	// Application indicates the backend was reachable but rejected the operation.
	Application Kind = "application"
	// Degraded indicates the operation was not attempted because the bridge runs local-only.
	Degraded Kind = "degraded"
	// Callback indicates a subscriber handler failed during dispatch.
	Callback Kind = "callback"
	// Config indicates invalid bridge configuration.
	Config Kind = "config"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the outermost *E in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Unavailable reports whether err is a connectivity failure that warrants a reconnect.
func Unavailable(err error) bool { return Is(err, Connectivity) }
