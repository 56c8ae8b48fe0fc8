// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package station

import (
	"context"
	"log/slog"

	"github.com/ffutop/modbus-rtu/modbus"
)

// Responder receives requests and answers them.
type Responder interface {
	Poll(ctx context.Context, msg *modbus.Message) error
	SendResponse(ctx context.Context, msg *modbus.Message) error
}

// Processor executes a request and turns msg into its response.
type Processor interface {
	Process(msg *modbus.Message)
}

// Slave serves the requests arriving on a slave link.
type Slave struct {
	link Responder
	proc Processor
}

// NewSlave creates a slave answering requests on link with proc.
func NewSlave(link Responder, proc Processor) *Slave {
	return &Slave{link: link, proc: proc}
}

// Run serves requests until ctx ends or the link is closed.
func (s *Slave) Run(ctx context.Context) error {
	data := make([]uint16, 125)
	for {
		msg := &modbus.Message{Data: data}
		if err := s.link.Poll(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.proc.Process(msg)
		if err := s.link.SendResponse(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Failed to send response", "slave", msg.SlaveID, "function", msg.Function, "err", err)
		}
	}
}
