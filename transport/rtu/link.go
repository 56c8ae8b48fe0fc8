// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
	"github.com/ffutop/modbus-rtu/transport"
	"github.com/grid-x/serial"
)

const (
	// DefaultBaudRate is used when Config.BaudRate is unset.
	DefaultBaudRate = 19200
	// DefaultResponseTimeout is used when Config.ResponseTimeout is unset.
	DefaultResponseTimeout = time.Second

	// characterBits is start, 8 data, parity or second stop, and stop.
	characterBits = 11
	// fixedInterByteTimeout applies above 19200 baud.
	fixedInterByteTimeout = 1750 * time.Microsecond
)

// CharTime returns the wire time of one character at baudRate.
func CharTime(baudRate int) time.Duration {
	return time.Duration(characterBits * int64(time.Second) / int64(baudRate))
}

// InterByteTimeout returns the silence that delimits frames: 3.5 character
// times, or a fixed 1750µs above 19200 baud.
func InterByteTimeout(baudRate int) time.Duration {
	if baudRate > 19200 {
		return fixedInterByteTimeout
	}
	return CharTime(baudRate) * 7 / 2
}

// Config holds the link parameters.
type Config struct {
	Name     string
	BaudRate int
	// SlaveID 0 makes the link a master, 1..247 a slave with that address.
	SlaveID         byte
	ResponseTimeout time.Duration
	// InterByteTimeout overrides the silence derived from BaudRate.
	InterByteTimeout time.Duration
	// TxEnable, when set, is asserted around every transmission.
	TxEnable    transport.Pin
	TxActiveLow bool
	// Capabilities restricts the functions the link encodes and accepts.
	Capabilities rtupacket.Capabilities
}

// Link is one RTU endpoint bound to a port: it owns the frame buffer, the
// silence timer and the receive goroutine. At most one operation is in
// flight at a time; a concurrent caller gets modbus.ErrBusy.
type Link struct {
	cfg   Config
	port  transport.Port
	codec *rtupacket.Codec
	log   *slog.Logger
	stats counters

	busy atomic.Bool

	mu        sync.Mutex // guards the fields below
	running   bool
	asm       *assembler
	charTime  time.Duration
	interByte time.Duration
	closing   chan struct{}
	done      chan struct{}
}

// NewLink returns an uninitialized link on port.
func NewLink(port transport.Port, cfg Config) *Link {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	log := slog.Default()
	if cfg.Name != "" {
		log = log.With("link", cfg.Name)
	}
	return &Link{
		cfg:   cfg,
		port:  port,
		codec: rtupacket.NewCodec(cfg.Capabilities),
		log:   log,
	}
}

// Init configures the port, releases the transmit-enable line and starts
// the receive path. A failed Init leaves the link unusable until Init
// succeeds.
func (l *Link) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return modbus.ErrAlreadyInitialized
	}
	if l.cfg.SlaveID > modbus.MaxSlaveID {
		return fmt.Errorf("%w: link slave id %d", modbus.ErrInvalidID, l.cfg.SlaveID)
	}
	if err := l.port.Configure(l.cfg.BaudRate); err != nil {
		return fmt.Errorf("configure port at %d baud: %w", l.cfg.BaudRate, err)
	}
	if err := l.setTxEnable(false); err != nil {
		l.port.Close()
		return fmt.Errorf("release transmit-enable: %w", err)
	}

	l.charTime = CharTime(l.cfg.BaudRate)
	l.interByte = l.cfg.InterByteTimeout
	if l.interByte <= 0 {
		l.interByte = InterByteTimeout(l.cfg.BaudRate)
	}
	l.asm = newAssembler(l.interByte, &l.stats, l.log)
	l.closing = make(chan struct{})
	l.done = make(chan struct{})
	l.running = true
	go l.receive(l.asm, l.closing, l.done)

	l.log.Info("rtu link initialized", "baud", l.cfg.BaudRate, "slave_id", l.cfg.SlaveID,
		"inter_byte_timeout", l.interByte, "functions", l.codec.Capabilities().String())
	return nil
}

// Close stops the receive path and closes the port. Pending operations
// return modbus.ErrNotInitialized. Closing an idle link is a no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.closing)
	err := l.port.Close()
	done, asm := l.done, l.asm
	l.mu.Unlock()

	<-done
	asm.mu.Lock()
	asm.reset()
	asm.mu.Unlock()
	return err
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return l.stats.snapshot()
}

// InterByteTimeout returns the frame-delimiting silence in effect, or 0
// before Init.
func (l *Link) InterByteTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interByte
}

// State returns the receive state, StateIdle before Init.
func (l *Link) State() State {
	l.mu.Lock()
	asm := l.asm
	l.mu.Unlock()
	if asm == nil {
		return StateIdle
	}
	return asm.currentState()
}

// IsMaster reports whether the link was configured with slave id 0.
func (l *Link) IsMaster() bool { return l.cfg.SlaveID == modbus.BroadcastID }

// SlaveID returns the configured address.
func (l *Link) SlaveID() byte { return l.cfg.SlaveID }

// acquire claims the single in-flight slot. The returned release must be
// called when the operation ends.
func (l *Link) acquire() (*assembler, <-chan struct{}, func(), error) {
	if !l.busy.CompareAndSwap(false, true) {
		return nil, nil, nil, modbus.ErrBusy
	}
	l.mu.Lock()
	running, asm, closing := l.running, l.asm, l.closing
	l.mu.Unlock()
	if !running {
		l.busy.Store(false)
		return nil, nil, nil, modbus.ErrNotInitialized
	}
	return asm, closing, func() { l.busy.Store(false) }, nil
}

// transmit encodes a frame into the shared buffer and writes it. The
// buffer lock is held for the whole transmission so the receive path
// cannot clobber the frame; a frame still pending is discarded.
func (l *Link) transmit(ctx context.Context, asm *assembler, encode func(dst []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	asm.mu.Lock()
	defer asm.mu.Unlock()

	if asm.state == StateFrameReady {
		l.stats.strayFrames.Add(1)
	}
	asm.reset()
	frame, err := encode(asm.buf[:0])
	if err != nil {
		return err
	}

	// Keep the bus quiet for a full inter-frame gap.
	if gap := l.interByte - time.Since(asm.last); gap > 0 {
		time.Sleep(gap)
	}
	l.log.Debug("rtu send", "frame", hex.EncodeToString(frame))

	if err := l.setTxEnable(true); err != nil {
		return fmt.Errorf("assert transmit-enable: %w", err)
	}
	_, werr := l.port.Write(frame)
	if werr == nil {
		werr = l.drain(len(frame))
	}
	derr := l.setTxEnable(false)
	asm.last = time.Now()
	asm.reset()

	if werr != nil {
		return fmt.Errorf("write frame: %w", werr)
	}
	if derr != nil {
		return fmt.Errorf("release transmit-enable: %w", derr)
	}
	return nil
}

// drain waits until the last written byte is on the wire. Only needed when
// the link drives the transmit-enable line itself.
func (l *Link) drain(n int) error {
	if l.cfg.TxEnable == nil {
		return nil
	}
	if d, ok := l.port.(transport.Drainer); ok {
		return d.Drain()
	}
	time.Sleep(time.Duration(n) * l.charTime)
	return nil
}

func (l *Link) setTxEnable(on bool) error {
	if l.cfg.TxEnable == nil {
		return nil
	}
	return l.cfg.TxEnable.Set(on != l.cfg.TxActiveLow)
}

// receive feeds port bytes to asm until the link closes or the port
// reports it is gone.
func (l *Link) receive(asm *assembler, closing <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, rtupacket.MaxSize)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			asm.feed(buf[:n])
		}
		if err == nil {
			continue
		}
		select {
		case <-closing:
			return
		default:
		}
		if isTimeout(err) {
			continue
		}
		if isClosed(err) {
			l.log.Warn("rtu receive stopped", "err", err)
			return
		}
		l.log.Debug("rtu read failed", "err", err)
		select {
		case <-closing:
			return
		case <-time.After(l.interByte):
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

// rejectFrame counts a frame that failed Verify.
func (l *Link) rejectFrame(frame []byte, err error) {
	switch {
	case errors.Is(err, modbus.ErrCRCMismatch):
		l.stats.crcErrors.Add(1)
	default:
		l.stats.framingErrors.Add(1)
	}
	l.log.Debug("rtu drop frame", "err", err, "frame", hex.EncodeToString(frame))
}
