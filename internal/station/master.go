// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu/internal/config"
	"github.com/ffutop/modbus-rtu/modbus"
)

// Requester issues one request and waits for its response.
type Requester interface {
	SendRequest(ctx context.Context, msg *modbus.Message) error
}

// Poll is one periodic request, compiled from a config.PollConfig.
type Poll struct {
	Slaves   []byte
	Function modbus.Function
	Address  uint16
	Count    uint16
	Values   []uint16
	Interval time.Duration
}

// Result reports the outcome of one request of a poll.
type Result struct {
	Poll    *Poll
	SlaveID byte
	// Data holds the read values, or the written payload for writes.
	Data []uint16
	Err  error
}

// Master runs a set of polls on a master link.
type Master struct {
	link  Requester
	polls []*Poll
	// OnResult receives every completed request. Nil logs the result.
	OnResult func(Result)
}

// NewPolls compiles poll configurations.
func NewPolls(cfgs []config.PollConfig) ([]*Poll, error) {
	polls := make([]*Poll, 0, len(cfgs))
	for i, c := range cfgs {
		f, err := modbus.ParseFunction(c.Function)
		if err != nil {
			return nil, fmt.Errorf("poll %d: %w", i, err)
		}
		ids, err := ParseSlaveIDs(c.Slaves)
		if err != nil {
			return nil, fmt.Errorf("poll %d: %w", i, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("poll %d: no slaves", i)
		}
		p := &Poll{Slaves: ids, Function: f, Address: c.Address, Count: c.Count, Values: c.Values, Interval: c.Interval}
		if f.IsSingle() {
			p.Count = 1
		}
		if f.IsWrite() && len(p.Values) < modbus.WordsFor(f, p.Count) {
			return nil, fmt.Errorf("poll %d: %s of %d items needs %d values, got %d",
				i, f, p.Count, modbus.WordsFor(f, p.Count), len(p.Values))
		}
		if p.Interval <= 0 {
			p.Interval = time.Second
		}
		polls = append(polls, p)
	}
	return polls, nil
}

// NewMaster creates a master issuing polls over link.
func NewMaster(link Requester, polls []*Poll) *Master {
	return &Master{link: link, polls: polls}
}

// Run issues every poll at its interval until ctx ends. Requests are
// serialized since the link allows one transaction at a time.
func (m *Master) Run(ctx context.Context) error {
	if len(m.polls) == 0 {
		<-ctx.Done()
		return nil
	}
	next := make([]time.Time, len(m.polls))
	for {
		now := time.Now()
		wake := now.Add(time.Hour)
		for i, p := range m.polls {
			if !next[i].After(now) {
				if err := m.issue(ctx, p); err != nil {
					return err
				}
				next[i] = now.Add(p.Interval)
			}
			if next[i].Before(wake) {
				wake = next[i]
			}
		}

		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// issue runs one poll against each of its slaves. It returns an error only
// when the link can no longer be used.
func (m *Master) issue(ctx context.Context, p *Poll) error {
	for _, id := range p.Slaves {
		msg := &modbus.Message{SlaveID: id, Function: p.Function, Address: p.Address, Count: p.Count}
		if p.Function.IsWrite() {
			msg.Data = p.Values
		} else {
			msg.Data = make([]uint16, modbus.WordsFor(p.Function, p.Count))
		}
		err := m.link.SendRequest(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, modbus.ErrNotInitialized) {
			return err
		}
		m.report(Result{Poll: p, SlaveID: id, Data: msg.Data, Err: err})
	}
	return nil
}

func (m *Master) report(r Result) {
	if m.OnResult != nil {
		m.OnResult(r)
		return
	}
	if r.Err != nil {
		slog.Warn("Request failed", "slave", r.SlaveID, "function", r.Poll.Function, "address", r.Poll.Address, "err", r.Err)
		return
	}
	slog.Info("Request completed", "slave", r.SlaveID, "function", r.Poll.Function, "address", r.Poll.Address,
		"count", r.Poll.Count, "data", r.Data)
}
