// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "sync/atomic"

// Stats is a snapshot of the link counters.
type Stats struct {
	FramesReceived     uint64 // frames delimited by silence
	CRCErrors          uint64
	FramingErrors      uint64 // short or malformed frames
	Overruns           uint64 // frames longer than 256 bytes
	DroppedBytes       uint64 // bytes discarded by overruns or while a frame was pending
	StrayFrames        uint64 // valid frames nobody was waiting for
	Timeouts           uint64
	RequestsSent       uint64
	ResponsesSent      uint64
	ExceptionsSent     uint64
	ExceptionsReceived uint64
}

type counters struct {
	framesReceived     atomic.Uint64
	crcErrors          atomic.Uint64
	framingErrors      atomic.Uint64
	overruns           atomic.Uint64
	droppedBytes       atomic.Uint64
	strayFrames        atomic.Uint64
	timeouts           atomic.Uint64
	requestsSent       atomic.Uint64
	responsesSent      atomic.Uint64
	exceptionsSent     atomic.Uint64
	exceptionsReceived atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesReceived:     c.framesReceived.Load(),
		CRCErrors:          c.crcErrors.Load(),
		FramingErrors:      c.framingErrors.Load(),
		Overruns:           c.overruns.Load(),
		DroppedBytes:       c.droppedBytes.Load(),
		StrayFrames:        c.strayFrames.Load(),
		Timeouts:           c.timeouts.Load(),
		RequestsSent:       c.requestsSent.Load(),
		ResponsesSent:      c.responsesSent.Load(),
		ExceptionsSent:     c.exceptionsSent.Load(),
		ExceptionsReceived: c.exceptionsReceived.Load(),
	}
}
