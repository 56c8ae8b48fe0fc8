// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtuovertcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/transport"
	"github.com/ffutop/modbus-rtu/transport/rtu"
)

var (
	_ transport.Port = (*Client)(nil)
	_ transport.Port = (*Server)(nil)
)

func waitConnected(t *testing.T, s *stream, not net.Conn) net.Conn {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if c := s.current(); c != nil && c != not {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatal("no connection")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientExchangesBytes(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c := NewClient(l.Addr().String())
	if err := c.Configure(9600); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	defer c.Close()
	peer := <-accepted
	defer peer.Close()

	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if _, err := c.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, len(frame))
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(peer, got); err != nil || !bytes.Equal(got, frame) {
		t.Fatalf("peer read % X, %v", got, err)
	}

	if _, err := peer.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte{0xAA, 0xBB}) {
		t.Errorf("Read() = % X, %v", buf[:n], err)
	}
}

func TestClientConfigureFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := NewClient(addr)
	c.Timeout = 200 * time.Millisecond
	if err := c.Configure(9600); err == nil {
		t.Error("Configure() succeeded without a listener")
	}
}

func TestReadWithoutConnectionIsTimeout(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	_, err := c.Read(make([]byte, 1))
	var ne interface{ Timeout() bool }
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("Read() error = %v, want timeout", err)
	}
}

func TestServerReplacesConnection(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Configure(19200); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Write([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}

	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	c1 := waitConnected(t, &s.stream, nil)

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	waitConnected(t, &s.stream, c1)

	if _, err := s.Write([]byte{0x42}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(second, buf); err != nil || buf[0] != 0x42 {
		t.Errorf("second read %X, %v", buf, err)
	}
	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Read(buf); err == nil {
		t.Error("first connection still open")
	}
}

func TestLinkOverTCP(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	slave := rtu.NewLink(s, rtu.Config{Name: "slave", SlaveID: 7, InterByteTimeout: 5 * time.Millisecond})
	if err := slave.Init(); err != nil {
		t.Fatalf("slave Init() error = %v", err)
	}
	defer slave.Close()

	master := rtu.NewLink(NewClient(s.Addr().String()), rtu.Config{Name: "master", InterByteTimeout: 5 * time.Millisecond})
	if err := master.Init(); err != nil {
		t.Fatalf("master Init() error = %v", err)
	}
	defer master.Close()
	waitConnected(t, &s.stream, nil)

	go func() {
		req := &modbus.Message{Data: make([]uint16, 125)}
		if err := slave.Poll(context.Background(), req); err != nil {
			return
		}
		for i := range req.Data[:req.Count] {
			req.Data[i] = uint16(100 + i)
		}
		slave.SendResponse(context.Background(), req)
	}()

	msg := &modbus.Message{SlaveID: 7, Function: modbus.FuncCodeReadInputRegisters, Address: 10, Count: 2, Data: make([]uint16, 2)}
	if err := master.SendRequest(context.Background(), msg); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if msg.Data[0] != 100 || msg.Data[1] != 101 {
		t.Errorf("Data = %v, want [100 101]", msg.Data)
	}
}
