// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// reconnectPoll is how long Read waits before reporting a missing
// connection.
const reconnectPoll = 50 * time.Millisecond

// errNoConn reports a missing connection as a timeout so the link keeps
// reading until a peer (re)appears.
type errNoConn struct{}

func (errNoConn) Error() string { return "rtuovertcp: not connected" }
func (errNoConn) Timeout() bool { return true }

// ErrNotConnected is returned by Write when no peer is connected.
var ErrNotConnected = errors.New("rtuovertcp: no peer connected")

// stream carries RTU bytes over the current TCP connection. Framing is
// left to the link: the TCP segment boundaries are meaningless.
type stream struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *stream) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// replace installs conn as the current connection, closing the previous.
func (s *stream) replace(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
}

// drop closes conn if it is still current.
func (s *stream) drop(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *stream) read(b []byte) (int, error) {
	conn := s.current()
	if conn == nil {
		time.Sleep(reconnectPoll)
		return 0, errNoConn{}
	}
	n, err := conn.Read(b)
	if err != nil && n == 0 {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, err
		}
		slog.Warn("rtuovertcp: connection lost", "remote", conn.RemoteAddr(), "err", err)
		s.drop(conn)
		return 0, errNoConn{}
	}
	return n, nil
}

func (s *stream) write(b []byte, timeout time.Duration) (int, error) {
	conn := s.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			s.drop(conn)
			return 0, err
		}
	}
	n, err := conn.Write(b)
	if err != nil {
		s.drop(conn)
	}
	return n, err
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	return err
}
