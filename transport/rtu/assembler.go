// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

// State is the receive state of a link.
type State int

const (
	// StateIdle means no frame is in progress.
	StateIdle State = iota
	// StateAccumulating means bytes are arriving and the silence timer runs.
	StateAccumulating
	// StateFrameReady means a delimited frame waits to be consumed. Bytes
	// arriving in this state are dropped.
	StateFrameReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFrameReady:
		return "frame-ready"
	default:
		return "unknown"
	}
}

// assembler turns a byte stream into frames delimited by inter-byte
// silence. buf is shared by the receive path and the transmit path; mu is
// the buffer lock and every access to buf, n and state holds it.
type assembler struct {
	mu      sync.Mutex
	buf     [rtupacket.MaxSize]byte
	n       int
	state   State
	discard bool      // overrun, drop until the next silence
	last    time.Time // last bus activity: received byte or end of transmission

	timeout time.Duration
	timer   *time.Timer
	ready   chan struct{}
	stats   *counters
	log     *slog.Logger
}

func newAssembler(timeout time.Duration, stats *counters, log *slog.Logger) *assembler {
	a := &assembler{
		timeout: timeout,
		ready:   make(chan struct{}, 1),
		stats:   stats,
		log:     log,
	}
	a.timer = time.AfterFunc(time.Hour, a.expire)
	a.timer.Stop()
	return a
}

// feed appends received bytes and restarts the silence window.
func (a *assembler) feed(p []byte) {
	if len(p) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateFrameReady {
		a.stats.droppedBytes.Add(uint64(len(p)))
		return
	}
	a.last = time.Now()
	if a.state == StateIdle {
		a.state = StateAccumulating
		a.timer.Reset(a.timeout)
	}
	if a.discard {
		a.stats.droppedBytes.Add(uint64(len(p)))
		return
	}
	if a.n+len(p) > len(a.buf) {
		a.stats.overruns.Add(1)
		a.stats.droppedBytes.Add(uint64(a.n + len(p)))
		a.log.Debug("rtu frame overrun", "err", modbus.ErrFrameTooLarge, "received", a.n+len(p))
		a.n = 0
		a.discard = true
		return
	}
	a.n += copy(a.buf[a.n:], p)
}

// expire runs on the timer goroutine once the silence window may be over.
func (a *assembler) expire() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAccumulating {
		return
	}
	if rest := a.timeout - time.Since(a.last); rest > 0 {
		a.timer.Reset(rest)
		return
	}
	if a.discard || a.n == 0 {
		a.reset()
		return
	}
	a.state = StateFrameReady
	select {
	case a.ready <- struct{}{}:
	default:
	}
}

// wait blocks until a frame is ready. A nil timeout waits forever.
func (a *assembler) wait(ctx context.Context, timeout <-chan time.Time, closing <-chan struct{}) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return modbus.ErrTimeout
	case <-closing:
		return modbus.ErrNotInitialized
	}
}

// consume hands the pending frame to fn under the buffer lock and returns
// the assembler to Idle. The frame must not be retained after fn returns.
func (a *assembler) consume(fn func(frame []byte)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateFrameReady {
		return false
	}
	defer a.reset()
	a.stats.framesReceived.Add(1)
	fn(a.buf[:a.n])
	return true
}

// reset returns to Idle. Caller must hold the mutex.
func (a *assembler) reset() {
	a.n = 0
	a.state = StateIdle
	a.discard = false
	a.timer.Stop()
	select {
	case <-a.ready:
	default:
	}
}

func (a *assembler) currentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
