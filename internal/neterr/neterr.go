// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package neterr classifies low-level network errors. Transports use it to
// decide whether a failure means the connection itself is broken; the CLI uses
// it to print troubleshooting hints.
package neterr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
)

// IsConnectionBroken reports whether err indicates the transport connection is
// unusable (refused, reset, closed, DNS failure, dial timeout) rather than a
// semantic failure of an operation.
func IsConnectionBroken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if IsConnectionRefused(err) || IsDNS(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "use of closed network connection") ||
		strings.Contains(lower, "client is closed")
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// IsDNS checks if the error is a DNS resolution error.
func IsDNS(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsConnectionRefused checks if the error is a connection refused error.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused")
}

// IsTLS checks if the error is a TLS handshake or certificate error.
func IsTLS(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "tls") ||
		strings.Contains(errStr, "x509") ||
		strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "handshake")
}

// PresentNetworkError prints troubleshooting hints for err while doing action
// against addr.
func PresentNetworkError(err error, action, addr string) {
	if err == nil {
		return
	}
	switch {
	case IsDNS(err):
		pterm.Printf("🌐 Cannot resolve %s while %s\n", addr, action)
		pterm.Println("  • Check the backend_host setting and your DNS configuration")
	case IsConnectionRefused(err):
		pterm.Printf("🚫 Connection refused by %s while %s\n", addr, action)
		pterm.Println("  • Is the backend running and listening on that port?")
		pterm.Println("  • Is a firewall blocking the connection?")
	case IsTLS(err):
		pterm.Printf("🔒 Secure connection to %s failed while %s\n", addr, action)
		pterm.Println("  • Check the tls setting matches the backend")
		pterm.Println("  • Check your system date and time")
	case IsTimeout(err):
		pterm.Printf("⏱️  %s did not answer in time while %s\n", addr, action)
		pterm.Println("  • Consider raising connection_timeout")
	default:
		pterm.Printf("❌ Cannot reach %s while %s\n", addr, action)
	}
	pterm.Println()
}
