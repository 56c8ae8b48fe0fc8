// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

// Poll waits for a request addressed to this slave or broadcast and
// decodes it into msg; write payloads land in msg.Data, which must hold
// the largest payload the caller is prepared to accept.
//
// Frames with a bad CRC, for other ids or malformed beyond recognition are
// dropped silently. A recognizable request the slave cannot honor (unknown
// function, bad count or address) is answered with an exception response
// here and Poll keeps waiting. Broadcast requests are never answered and
// broadcast reads are dropped.
func (l *Link) Poll(ctx context.Context, msg *modbus.Message) error {
	if l.IsMaster() {
		return fmt.Errorf("%w: master link cannot poll", modbus.ErrInvalidID)
	}
	asm, closing, release, err := l.acquire()
	if err != nil {
		return err
	}
	defer release()

	for {
		if err := asm.wait(ctx, nil, closing); err != nil {
			return err
		}

		var accepted bool
		var reply *modbus.Message
		asm.consume(func(frame []byte) {
			if err := rtupacket.Verify(frame); err != nil {
				l.rejectFrame(frame, err)
				return
			}
			id := frame[0]
			if id != l.cfg.SlaveID && id != modbus.BroadcastID {
				return
			}
			l.log.Debug("rtu recv", "frame", hex.EncodeToString(frame))
			err := l.codec.DecodeRequest(frame, msg)
			if err == nil {
				if id == modbus.BroadcastID && !msg.Function.IsWrite() {
					l.log.Debug("rtu drop broadcast read", "function", msg.Function)
					return
				}
				accepted = true
				return
			}
			code, ok := modbus.AsException(err)
			if !ok {
				l.rejectFrame(frame, err)
				return
			}
			l.log.Debug("rtu reject request", "err", err)
			if id == modbus.BroadcastID {
				return
			}
			reply = &modbus.Message{SlaveID: id, Function: modbus.Function(frame[1]), Exception: code}
		})
		if accepted {
			return nil
		}
		if reply != nil {
			if err := l.respond(ctx, asm, reply); err != nil {
				l.log.Warn("rtu exception response failed", "err", err)
			}
		}
	}
}

// SendResponse transmits the response to a request returned by Poll. Set
// msg.Exception to answer with an exception. Responses to broadcast
// requests are suppressed.
func (l *Link) SendResponse(ctx context.Context, msg *modbus.Message) error {
	if l.IsMaster() {
		return fmt.Errorf("%w: master link cannot respond", modbus.ErrInvalidID)
	}
	if msg.SlaveID == modbus.BroadcastID {
		return nil
	}
	if msg.SlaveID != l.cfg.SlaveID {
		return fmt.Errorf("%w: response id %d, link id %d", modbus.ErrInvalidID, msg.SlaveID, l.cfg.SlaveID)
	}
	asm, _, release, err := l.acquire()
	if err != nil {
		return err
	}
	defer release()

	return l.respond(ctx, asm, msg)
}

func (l *Link) respond(ctx context.Context, asm *assembler, msg *modbus.Message) error {
	err := l.transmit(ctx, asm, func(dst []byte) ([]byte, error) {
		return l.codec.AppendResponse(dst, msg)
	})
	if err != nil {
		return err
	}
	if msg.Exception != 0 {
		l.stats.exceptionsSent.Add(1)
	} else {
		l.stats.responsesSent.Add(1)
	}
	return nil
}
