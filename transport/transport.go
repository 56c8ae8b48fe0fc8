// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"io"
)

// Port is the byte-level collaborator of an RTU link (a UART or anything
// that behaves like one). It only moves bytes; framing and timing belong
// to the link.
//
// Read may return early with a timeout error and no data; the link keeps
// reading. Close must unblock a pending Read.
type Port interface {
	// Configure opens or reopens the port at the given baud rate.
	Configure(baudRate int) error
	io.ReadWriteCloser
}

// Drainer is implemented by ports that can block until every written byte
// has left the transmitter.
type Drainer interface {
	Drain() error
}

// Pin drives the transmit-enable line of a half-duplex transceiver.
type Pin interface {
	Set(high bool) error
}
