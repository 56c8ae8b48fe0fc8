// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu/internal/config"
	"github.com/grid-x/serial"
)

// Default read timeout. Reads return periodically so Close stays prompt.
const serialTimeout = 100 * time.Millisecond

// errPortClosed is returned by I/O on a port that is not open.
var errPortClosed = fmt.Errorf("serial: port not open: %w", io.ErrClosedPipe)

// readTimeout marks the driver's idle read tick as a timeout.
type readTimeout struct{ error }

func (readTimeout) Timeout() bool { return true }

func (e readTimeout) Unwrap() error { return e.error }

// SerialPort is a transport.Port on a local UART.
type SerialPort struct {
	// Serial port configuration.
	serial.Config

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port io.ReadWriteCloser
}

// NewSerialPort returns an unopened port. The baud rate is taken by
// Configure.
func NewSerialPort(cfg config.SerialConfig) *SerialPort {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = serialTimeout
	}
	return &SerialPort{
		Config: serial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  timeout,
			RS485: serial.RS485Config{
				Enabled:            cfg.RS485,
				DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
				DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
				RtsHighDuringSend:  cfg.RtsHighDuringSend,
				RtsHighAfterSend:   cfg.RtsHighAfterSend,
				RxDuringTx:         cfg.RxDuringTx,
			},
		},
	}
}

// Configure opens the port at baudRate, reopening it if already open.
func (p *SerialPort) Configure(baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.close(); err != nil {
		slog.Debug("serial: close before reopen failed", "address", p.Config.Address, "err", err)
	}
	p.Config.BaudRate = baudRate
	port, err := serial.Open(&p.Config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", p.Config.Address, err)
	}
	p.port = port
	slog.Debug("serial: opened", "address", p.Config.Address, "baud", baudRate, "parity", p.Config.Parity, "rs485", p.Config.RS485.Enabled)
	return nil
}

func (p *SerialPort) current() io.ReadWriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

func (p *SerialPort) Read(b []byte) (int, error) {
	port := p.current()
	if port == nil {
		return 0, errPortClosed
	}
	n, err := port.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		err = readTimeout{err}
	}
	return n, err
}

func (p *SerialPort) Write(b []byte) (int, error) {
	port := p.current()
	if port == nil {
		return 0, errPortClosed
	}
	return port.Write(b)
}

func (p *SerialPort) Close() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (p *SerialPort) close() (err error) {
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
	}
	return
}
