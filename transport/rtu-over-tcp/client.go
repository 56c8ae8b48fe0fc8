// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a transport.Port that dials a serial device server and
// exchanges raw RTU frames with it. A lost connection is redialed on the
// next write.
type Client struct {
	Address string
	Timeout time.Duration

	stream
	closed atomic.Bool
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Configure dials the device server. The baud rate is set on the server
// side and ignored here.
func (mb *Client) Configure(baudRate int) error {
	mb.closed.Store(false)
	conn, err := net.DialTimeout("tcp", mb.Address, mb.Timeout)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", mb.Address, err)
	}
	mb.replace(conn)
	slog.Debug("rtuovertcp: connected", "address", mb.Address, "baud", baudRate)
	return nil
}

func (mb *Client) Read(b []byte) (int, error) {
	return mb.read(b)
}

func (mb *Client) Write(b []byte) (int, error) {
	if mb.current() == nil && !mb.closed.Load() {
		if conn, err := net.DialTimeout("tcp", mb.Address, mb.Timeout); err == nil {
			slog.Info("rtuovertcp: reconnected", "address", mb.Address)
			mb.replace(conn)
		} else {
			return 0, fmt.Errorf("could not connect to %s: %w", mb.Address, err)
		}
	}
	return mb.write(b, mb.Timeout)
}

// Close closes the connection and stops redialing.
func (mb *Client) Close() error {
	mb.closed.Store(true)
	return mb.close()
}
