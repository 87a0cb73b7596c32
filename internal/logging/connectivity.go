// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bridgeerrors "rbridge/cli/internal/errors"
)

// ErrorClass represents the category of a backend failure for presentation.
type ErrorClass int

const (
	ErrorUnknown ErrorClass = iota
	ErrorNetwork
	ErrorAuth
	ErrorTimeout
	ErrorInternal
	ErrorUnavailable
	ErrorDegraded
)

// ClassifyError categorizes err using its gRPC status code when present and
// falls back to ClassifyMessage otherwise.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorUnknown
	}
	if bridgeerrors.Is(err, bridgeerrors.Degraded) {
		return ErrorDegraded
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return ErrorUnavailable
		case codes.DeadlineExceeded:
			return ErrorTimeout
		case codes.Unauthenticated, codes.PermissionDenied:
			return ErrorAuth
		case codes.Internal:
			return ErrorInternal
		}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage categorizes an error message, such as TaskResult.Error.
func ClassifyMessage(errMsg string) ErrorClass {
	lower := strings.ToLower(errMsg)

	if strings.Contains(lower, "degraded") {
		return ErrorDegraded
	}
	if strings.Contains(lower, "rst_stream") || strings.Contains(lower, "connection reset") || strings.Contains(lower, "connection refused") {
		return ErrorNetwork
	}
	if strings.Contains(lower, "internal_error") {
		return ErrorInternal
	}
	if strings.Contains(lower, "unavailable") {
		return ErrorUnavailable
	}
	if strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout") {
		return ErrorTimeout
	}
	if strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "unauthorized") {
		return ErrorAuth
	}

	return ErrorUnknown
}

// FormatConnectivityError formats a backend error in a user-friendly way.
func FormatConnectivityError(errMsg string) string {
	class := ClassifyMessage(errMsg)

	var builder strings.Builder

	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Backend problem"))
	builder.WriteString("\n\n")

	switch class {
	case ErrorNetwork:
		builder.WriteString("The connection to the runtime backend was interrupted.\n")
		builder.WriteString("This usually happens when:\n")
		builder.WriteString("  • The backend process restarted\n")
		builder.WriteString("  • A firewall or proxy closed the connection\n")

	case ErrorInternal:
		builder.WriteString("The runtime backend reported an internal error.\n")

	case ErrorUnavailable:
		builder.WriteString("The runtime backend is currently unavailable.\n")
		builder.WriteString("The bridge retried once after reconnecting and gave up.\n")

	case ErrorTimeout:
		builder.WriteString("The request to the runtime backend timed out.\n")
		builder.WriteString("Consider raising --timeout for long-running tasks.\n")

	case ErrorAuth:
		builder.WriteString("The runtime backend rejected the credentials.\n")

	case ErrorDegraded:
		builder.WriteString("The bridge is running in local-only mode because no backend is reachable.\n")
		builder.WriteString("Events are delivered to local subscribers only; state is not persisted.\n")

	default:
		builder.WriteString("The operation failed.\n")
	}

	builder.WriteString("\n")

	if class == ErrorAuth {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Run 'rbridge login' and try again"))
	} else {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Check the backend with 'rbridge status'"))
	}

	builder.WriteString("\n")

	if strings.TrimSpace(errMsg) != "" {
		builder.WriteString("\n")
		builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Technical details: " + Mask(errMsg)))
	}

	return builder.String()
}

// PresentConnectivityError displays a formatted backend error.
func PresentConnectivityError(errMsg string) {
	fmt.Println()
	fmt.Println(FormatConnectivityError(errMsg))
	fmt.Println()
}
