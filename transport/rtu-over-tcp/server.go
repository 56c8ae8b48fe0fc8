// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server is a transport.Port for device servers that dial in. It listens
// on Address and carries RTU bytes over the most recent connection; a new
// connection replaces the previous one.
type Server struct {
	Address string
	Timeout time.Duration

	stream

	lmu      sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Configure starts listening. The baud rate is ignored.
func (s *Server) Configure(baudRate int) error {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	s.done = make(chan struct{})
	slog.Info("RTU over TCP server listening", "addr", listener.Addr())

	go s.accept(listener, s.done)
	return nil
}

// Addr returns the listening address, or nil before Configure.
func (s *Server) Addr() net.Addr {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) accept(listener net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Failed to accept connection", "err", err)
			time.Sleep(reconnectPoll)
			continue
		}
		slog.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())
		s.replace(conn)
	}
}

func (s *Server) Read(b []byte) (int, error) {
	return s.read(b)
}

func (s *Server) Write(b []byte) (int, error) {
	return s.write(b, s.Timeout)
}

// Close stops listening and closes the current connection.
func (s *Server) Close() error {
	s.lmu.Lock()
	listener, done := s.listener, s.done
	s.listener = nil
	s.lmu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
		<-done
	}
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}
