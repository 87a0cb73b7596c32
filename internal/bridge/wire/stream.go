// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

// EventStream yields inbound events in backend order. Recv returns io.EOF
// when the backend ends the stream cleanly.
type EventStream interface {
	Recv() (*Event, error)
	Close() error
}
