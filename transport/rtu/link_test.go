// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/crc"
)

const testSilence = 5 * time.Millisecond

// eventLog records pin and port activity in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type mockPin struct {
	log *eventLog
	err error
}

func (p *mockPin) Set(high bool) error {
	p.log.add(fmt.Sprintf("pin:%v", high))
	return p.err
}

// pipePort is one end of an in-memory serial line.
type pipePort struct {
	net.Conn
	log *eventLog

	mu         sync.Mutex
	configured []int
	configErr  error
}

func (p *pipePort) Configure(baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configErr != nil {
		return p.configErr
	}
	p.configured = append(p.configured, baudRate)
	return nil
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.log.add("write")
	return p.Conn.Write(b)
}

func (p *pipePort) configureCalls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.configured...)
}

// drainPort reports hardware completion explicitly.
type drainPort struct {
	*pipePort
}

func (p drainPort) Drain() error {
	p.log.add("drain")
	return nil
}

func testConfig(cfg Config) Config {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.InterByteTimeout == 0 {
		cfg.InterByteTimeout = testSilence
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 500 * time.Millisecond
	}
	return cfg
}

// newTestLink returns an initialized link and the raw far end of its line.
func newTestLink(t *testing.T, cfg Config) (*Link, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	l := NewLink(&pipePort{Conn: a}, testConfig(cfg))
	if err := l.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		b.Close()
	})
	return l, b
}

// newLinkPair connects a master link to a slave link with the given id.
func newLinkPair(t *testing.T, slaveID byte) (master, slave *Link) {
	t.Helper()
	a, b := net.Pipe()
	master = NewLink(&pipePort{Conn: a}, testConfig(Config{Name: "master"}))
	slave = NewLink(&pipePort{Conn: b}, testConfig(Config{Name: "slave", SlaveID: slaveID}))
	for _, l := range []*Link{master, slave} {
		if err := l.Init(); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave
}

func rtuFrame(bs ...byte) []byte {
	return crc.Append(bs)
}

// sendRaw writes a frame from the far end and waits out the silence so the
// next write starts a new frame.
func sendRaw(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	time.Sleep(3 * testSilence)
}

func readRaw(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	return buf
}

func expectSilence(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	var b [1]byte
	if n, err := conn.Read(b[:]); n > 0 || err == nil {
		t.Fatalf("unexpected transmission: % X", b[:n])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCharTimeAndInterByteTimeout(t *testing.T) {
	tests := []struct {
		baud      int
		char      time.Duration
		interByte time.Duration
	}{
		{9600, 1145833 * time.Nanosecond, 4010415 * time.Nanosecond},
		{19200, 572916 * time.Nanosecond, 2005206 * time.Nanosecond},
		{38400, 286458 * time.Nanosecond, 1750 * time.Microsecond},
		{115200, 95486 * time.Nanosecond, 1750 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.baud), func(t *testing.T) {
			if got := CharTime(tt.baud); got != tt.char {
				t.Errorf("CharTime(%d) = %v, want %v", tt.baud, got, tt.char)
			}
			if got := InterByteTimeout(tt.baud); got != tt.interByte {
				t.Errorf("InterByteTimeout(%d) = %v, want %v", tt.baud, got, tt.interByte)
			}
		})
	}
}

func TestInitConfiguresPortOnce(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	port := &pipePort{Conn: a}
	l := NewLink(port, Config{BaudRate: 9600})

	if err := l.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := l.Init(); !errors.Is(err, modbus.ErrAlreadyInitialized) {
		t.Errorf("second Init() error = %v, want ErrAlreadyInitialized", err)
	}
	if got := port.configureCalls(); !reflect.DeepEqual(got, []int{9600}) {
		t.Errorf("Configure calls = %v, want [9600]", got)
	}
	if got, want := l.InterByteTimeout(), InterByteTimeout(9600); got != want {
		t.Errorf("InterByteTimeout() = %v, want %v", got, want)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestInterByteTimeoutOverride(t *testing.T) {
	l, _ := newTestLink(t, Config{BaudRate: 9600, InterByteTimeout: 20 * time.Millisecond})
	if got := l.InterByteTimeout(); got != 20*time.Millisecond {
		t.Errorf("InterByteTimeout() = %v, want 20ms", got)
	}
}

func TestInitConfigureFailure(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	port := &pipePort{Conn: a, configErr: errors.New("no such device")}
	l := NewLink(port, Config{})

	if err := l.Init(); err == nil || !errors.Is(err, port.configErr) {
		t.Fatalf("Init() error = %v, want wrapped configure error", err)
	}
	msg := &modbus.Message{SlaveID: 1, Function: modbus.FuncCodeReadCoils, Count: 1, Data: make([]uint16, 1)}
	if err := l.SendRequest(context.Background(), msg); !errors.Is(err, modbus.ErrNotInitialized) {
		t.Errorf("SendRequest() error = %v, want ErrNotInitialized", err)
	}
}

func TestInitRejectsSlaveID(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	l := NewLink(&pipePort{Conn: a}, Config{SlaveID: 248})
	if err := l.Init(); !errors.Is(err, modbus.ErrInvalidID) {
		t.Errorf("Init() error = %v, want ErrInvalidID", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	l, _ := newTestLink(t, Config{SlaveID: 1})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	msg := &modbus.Message{Data: make([]uint16, 1)}
	if err := l.Poll(context.Background(), msg); !errors.Is(err, modbus.ErrNotInitialized) {
		t.Errorf("Poll() error = %v, want ErrNotInitialized", err)
	}
	resp := &modbus.Message{SlaveID: 1, Function: modbus.FuncCodeWriteSingleRegister, Count: 1, Data: []uint16{1}}
	if err := l.SendResponse(context.Background(), resp); !errors.Is(err, modbus.ErrNotInitialized) {
		t.Errorf("SendResponse() error = %v, want ErrNotInitialized", err)
	}
}

func TestCloseUnblocksPoll(t *testing.T) {
	l, _ := newTestLink(t, Config{SlaveID: 1})
	errc := make(chan error, 1)
	go func() {
		errc <- l.Poll(context.Background(), &modbus.Message{Data: make([]uint16, 1)})
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, modbus.ErrNotInitialized) {
			t.Errorf("Poll() error = %v, want ErrNotInitialized", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after Close")
	}
}

func TestTxEnableSequence(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
		drain     bool
		want      []string
	}{
		{"active high", false, false, []string{"pin:false", "pin:true", "write", "pin:false"}},
		{"active low", true, false, []string{"pin:true", "pin:false", "write", "pin:true"}},
		{"drain", false, true, []string{"pin:false", "pin:true", "write", "drain", "pin:false"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &eventLog{}
			a, b := net.Pipe()
			defer b.Close()
			pp := &pipePort{Conn: a, log: events}
			cfg := testConfig(Config{TxEnable: &mockPin{log: events}, TxActiveLow: tt.activeLow})
			var l *Link
			if tt.drain {
				l = NewLink(drainPort{pp}, cfg)
			} else {
				l = NewLink(pp, cfg)
			}
			if err := l.Init(); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			defer l.Close()

			msg := &modbus.Message{Function: modbus.FuncCodeWriteSingleCoil, Address: 3, Count: 1, Data: []uint16{1}}
			done := make(chan error, 1)
			go func() { done <- l.SendRequest(context.Background(), msg) }()
			readRaw(t, b, 8)
			if err := <-done; err != nil {
				t.Fatalf("SendRequest() error = %v", err)
			}
			if got := events.list(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTxEnableFailure(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	l := NewLink(&pipePort{Conn: a}, testConfig(Config{TxEnable: &mockPin{err: errors.New("gpio busy")}}))
	if err := l.Init(); err == nil {
		t.Fatal("Init() succeeded with failing transmit-enable")
	}
}
