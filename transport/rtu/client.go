// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

// SendRequest transmits msg as a request and, unless it is a broadcast,
// waits for the matching response and decodes it into msg. Read results
// land in msg.Data, which must hold modbus.WordsFor(msg.Function,
// msg.Count) words. A slave exception is returned as a
// modbus.ExceptionCode and recorded in msg.Exception.
//
// Frames from other ids, with another function or with a bad CRC are
// dropped without restarting the response timer.
func (l *Link) SendRequest(ctx context.Context, msg *modbus.Message) error {
	if !l.IsMaster() {
		return fmt.Errorf("%w: link has slave id %d", modbus.ErrInvalidID, l.cfg.SlaveID)
	}
	if msg.SlaveID > modbus.MaxSlaveID {
		return fmt.Errorf("%w: %d", modbus.ErrInvalidID, msg.SlaveID)
	}
	if msg.SlaveID == modbus.BroadcastID && !msg.Function.IsWrite() {
		return fmt.Errorf("%w: broadcast %s", modbus.ErrInvalidID, msg.Function)
	}
	if err := l.codec.ValidateRequest(msg); err != nil {
		return err
	}

	asm, closing, release, err := l.acquire()
	if err != nil {
		return err
	}
	defer release()

	msg.Exception = 0
	err = l.transmit(ctx, asm, func(dst []byte) ([]byte, error) {
		return l.codec.AppendRequest(dst, msg)
	})
	if err != nil {
		return err
	}
	l.stats.requestsSent.Add(1)
	if msg.SlaveID == modbus.BroadcastID {
		return nil
	}

	timer := time.NewTimer(l.cfg.ResponseTimeout)
	defer timer.Stop()
	for {
		if err := asm.wait(ctx, timer.C, closing); err != nil {
			if errors.Is(err, modbus.ErrTimeout) {
				l.stats.timeouts.Add(1)
				l.log.Debug("rtu response timeout", "slave_id", msg.SlaveID, "function", msg.Function)
				return fmt.Errorf("%w: no response from slave %d within %v", err, msg.SlaveID, l.cfg.ResponseTimeout)
			}
			return err
		}

		var matched bool
		var result error
		asm.consume(func(frame []byte) {
			if err := rtupacket.Verify(frame); err != nil {
				l.rejectFrame(frame, err)
				return
			}
			if frame[0] != msg.SlaveID || frame[1]&^modbus.ExceptionFlag != byte(msg.Function) {
				l.stats.strayFrames.Add(1)
				l.log.Debug("rtu stray frame", "frame", hex.EncodeToString(frame))
				return
			}
			matched = true
			l.log.Debug("rtu recv", "frame", hex.EncodeToString(frame))
			result = l.codec.DecodeResponse(frame, msg)
			if frame[1]&modbus.ExceptionFlag != 0 {
				l.stats.exceptionsReceived.Add(1)
			}
		})
		if matched {
			return result
		}
	}
}
