// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/bits"
	"github.com/ffutop/modbus-rtu/modbus/crc"
)

// Codec encodes and decodes RTU frames for the functions in its capability
// set. A Codec holds no per-frame state and is safe for concurrent use.
type Codec struct {
	caps Capabilities
}

// NewCodec returns a codec restricted to caps. The zero set enables every
// supported function.
func NewCodec(caps Capabilities) *Codec {
	return &Codec{caps: caps}
}

// Capabilities returns the enabled function set.
func (c *Codec) Capabilities() Capabilities { return c.caps }

// Verify checks the frame size limits and the trailing CRC.
func Verify(frame []byte) error {
	length := len(frame)
	if length > MaxSize {
		return fmt.Errorf("%w: length '%v' exceeds maximum '%v'", modbus.ErrFrameTooLarge, length, MaxSize)
	}
	if length < MinSize {
		return fmt.Errorf("%w: length '%v' does not meet minimum '%v'", modbus.ErrFraming, length, MinSize)
	}
	if !crc.Valid(frame) {
		checksum := uint16(frame[length-1])<<8 | uint16(frame[length-2])
		return fmt.Errorf("%w: frame crc '%04X' does not match expected '%04X'",
			modbus.ErrCRCMismatch, checksum, crc.Checksum(frame[:length-2]))
	}
	return nil
}

// CalculateRequestLength returns the expected total length of a request
// frame from its header. Write-multiple requests need 7 header bytes to
// reach the byte count.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch modbus.Function(funcCode) {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return fixedSize, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < headerSize+1 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		return headerSize + 1 + int(header[headerSize]) + CRCSize, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// CalculateResponseLength returns the expected length of the normal
// response to req.
func CalculateResponseLength(req *modbus.Message) int {
	switch {
	case !req.Function.IsWrite():
		return 3 + payloadSize(req.Function, req.Quantity()) + CRCSize
	default:
		return fixedSize
	}
}

// payloadSize is the byte count of a bit or register run.
func payloadSize(f modbus.Function, n uint16) int {
	if f.Unit() == modbus.UnitBits {
		return bits.ByteCount(int(n))
	}
	return 2 * int(n)
}

func (c *Codec) checkFunction(f modbus.Function) error {
	if !c.caps.Has(f) {
		return fmt.Errorf("%w: function 0x%02X not enabled", modbus.ExceptionCodeIllegalFunction, byte(f))
	}
	return nil
}

// ValidateRequest checks msg against the enabled functions, the
// function-specific limits and the maximum frame size.
func (c *Codec) ValidateRequest(msg *modbus.Message) error {
	if err := c.checkFunction(msg.Function); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	size := fixedSize
	if msg.Function.IsWrite() && !msg.Function.IsSingle() {
		size += 1 + payloadSize(msg.Function, msg.Quantity())
	}
	if size > MaxSize {
		return fmt.Errorf("%w: request needs %d bytes", modbus.ErrFrameTooLarge, size)
	}
	return nil
}

// AppendRequest validates msg and appends its request frame to dst.
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Address         : 2 bytes
//	Count or value  : 2 bytes
//	Byte count+data : write-multiple only
//	CRC             : 2 bytes
func (c *Codec) AppendRequest(dst []byte, msg *modbus.Message) ([]byte, error) {
	if err := c.ValidateRequest(msg); err != nil {
		return dst, err
	}
	n := msg.Quantity()

	start := len(dst)
	dst = append(dst, msg.SlaveID, byte(msg.Function))
	dst = binary.BigEndian.AppendUint16(dst, msg.Address)
	switch msg.Function {
	case modbus.FuncCodeWriteSingleCoil:
		dst = binary.BigEndian.AppendUint16(dst, coilValue(msg.Data[0]))
	case modbus.FuncCodeWriteSingleRegister:
		dst = binary.BigEndian.AppendUint16(dst, msg.Data[0])
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		dst = binary.BigEndian.AppendUint16(dst, n)
		dst = append(dst, byte(payloadSize(msg.Function, n)))
		dst = appendPayload(dst, msg.Function, msg.Data, n)
	default:
		dst = binary.BigEndian.AppendUint16(dst, n)
	}
	return appendCRC(dst, start), nil
}

// AppendResponse appends the response frame answering msg to dst. A
// non-zero msg.Exception produces an exception response.
func (c *Codec) AppendResponse(dst []byte, msg *modbus.Message) ([]byte, error) {
	start := len(dst)
	if msg.Exception != 0 {
		dst = append(dst, msg.SlaveID, byte(msg.Function)|modbus.ExceptionFlag, byte(msg.Exception))
		return appendCRC(dst, start), nil
	}
	if err := c.checkFunction(msg.Function); err != nil {
		return dst, err
	}
	if err := msg.Validate(); err != nil {
		return dst, err
	}
	n := msg.Quantity()
	if size := CalculateResponseLength(msg); size > MaxSize {
		return dst, fmt.Errorf("%w: response needs %d bytes", modbus.ErrFrameTooLarge, size)
	}

	dst = append(dst, msg.SlaveID, byte(msg.Function))
	switch {
	case !msg.Function.IsWrite():
		dst = append(dst, byte(payloadSize(msg.Function, n)))
		dst = appendPayload(dst, msg.Function, msg.Data, n)
	case msg.Function == modbus.FuncCodeWriteSingleCoil:
		dst = binary.BigEndian.AppendUint16(dst, msg.Address)
		dst = binary.BigEndian.AppendUint16(dst, coilValue(msg.Data[0]))
	case msg.Function == modbus.FuncCodeWriteSingleRegister:
		dst = binary.BigEndian.AppendUint16(dst, msg.Address)
		dst = binary.BigEndian.AppendUint16(dst, msg.Data[0])
	default:
		dst = binary.BigEndian.AppendUint16(dst, msg.Address)
		dst = binary.BigEndian.AppendUint16(dst, n)
	}
	return appendCRC(dst, start), nil
}

// DecodeRequest parses a request frame into msg, writing any payload into
// the caller-owned msg.Data. Errors wrapping a modbus.ExceptionCode are
// protocol errors that deserve an exception response. Other errors mean
// the frame must be dropped silently.
func (c *Codec) DecodeRequest(frame []byte, msg *modbus.Message) error {
	if err := Verify(frame); err != nil {
		return err
	}
	f := modbus.Function(frame[1])
	if err := c.checkFunction(f); err != nil {
		return err
	}
	want, err := CalculateRequestLength(frame[1], frame)
	if err != nil {
		return fmt.Errorf("%w: %v", modbus.ErrFraming, err)
	}
	if len(frame) != want {
		return fmt.Errorf("%w: request length '%v', expected '%v'", modbus.ErrFraming, len(frame), want)
	}

	address := binary.BigEndian.Uint16(frame[2:])
	field := binary.BigEndian.Uint16(frame[4:])
	msg.SlaveID = frame[0]
	msg.Function = f
	msg.Address = address
	msg.Exception = 0
	msg.Count = field
	if f.IsSingle() {
		msg.Count = 1
	}
	n := msg.Quantity()

	if n < 1 || n > f.MaxCount() {
		return fmt.Errorf("%w: count %d out of range for %s", modbus.ExceptionCodeIllegalDataValue, n, f)
	}
	if int(address)+int(n) > modbus.MaxAddress+1 {
		return fmt.Errorf("%w: address %d + count %d overflows", modbus.ExceptionCodeIllegalDataAddress, address, n)
	}
	if len(msg.Data) < modbus.WordsFor(f, n) {
		return fmt.Errorf("%w: data buffer holds %d words, request needs %d", modbus.ExceptionCodeServerDeviceFailure, len(msg.Data), modbus.WordsFor(f, n))
	}

	switch f {
	case modbus.FuncCodeWriteSingleCoil:
		switch field {
		case CoilOn:
			msg.Data[0] = 1
		case CoilOff:
			msg.Data[0] = 0
		default:
			return fmt.Errorf("%w: coil value 0x%04X", modbus.ExceptionCodeIllegalDataValue, field)
		}
	case modbus.FuncCodeWriteSingleRegister:
		msg.Data[0] = field
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		byteCount := int(frame[headerSize])
		if byteCount != payloadSize(f, n) {
			return fmt.Errorf("%w: byte count %d does not match count %d", modbus.ExceptionCodeIllegalDataValue, byteCount, n)
		}
		decodePayload(msg.Data, f, frame[headerSize+1:len(frame)-CRCSize], n)
	}
	return nil
}

// DecodeResponse parses the response to req and copies any returned data
// into req.Data. An exception response is recorded in req.Exception and
// returned as its modbus.ExceptionCode.
func (c *Codec) DecodeResponse(frame []byte, req *modbus.Message) error {
	if err := Verify(frame); err != nil {
		return err
	}
	if frame[0] != req.SlaveID {
		return fmt.Errorf("%w: response slave id '%v' does not match request '%v'", modbus.ErrInvalidID, frame[0], req.SlaveID)
	}
	switch frame[1] {
	case byte(req.Function) | modbus.ExceptionFlag:
		if len(frame) != ExceptionSize {
			return fmt.Errorf("%w: exception length '%v'", modbus.ErrFraming, len(frame))
		}
		req.Exception = modbus.ExceptionCode(frame[2])
		return req.Exception
	case byte(req.Function):
	default:
		return fmt.Errorf("%w: response function 0x%02X does not match request 0x%02X", modbus.ErrFraming, frame[1], byte(req.Function))
	}

	n := req.Quantity()
	if !req.Function.IsWrite() {
		byteCount := int(frame[2])
		if len(frame) != 3+byteCount+CRCSize {
			return fmt.Errorf("%w: response length '%v' for byte count %d", modbus.ErrFraming, len(frame), byteCount)
		}
		if byteCount != payloadSize(req.Function, n) {
			return fmt.Errorf("%w: byte count %d does not match count %d", modbus.ExceptionCodeIllegalDataValue, byteCount, n)
		}
		if len(req.Data) < modbus.WordsFor(req.Function, n) {
			return fmt.Errorf("%w: data buffer too small", modbus.ExceptionCodeIllegalDataValue)
		}
		decodePayload(req.Data, req.Function, frame[3:len(frame)-CRCSize], n)
		return nil
	}

	if len(frame) != fixedSize {
		return fmt.Errorf("%w: response length '%v', expected '%v'", modbus.ErrFraming, len(frame), fixedSize)
	}
	address := binary.BigEndian.Uint16(frame[2:])
	field := binary.BigEndian.Uint16(frame[4:])
	var want uint16
	switch req.Function {
	case modbus.FuncCodeWriteSingleCoil:
		want = coilValue(req.Data[0])
	case modbus.FuncCodeWriteSingleRegister:
		want = req.Data[0]
	default:
		want = n
	}
	if address != req.Address || field != want {
		return fmt.Errorf("%w: response echo %d/%d does not match request %d/%d", modbus.ExceptionCodeIllegalDataValue, address, field, req.Address, want)
	}
	return nil
}

func coilValue(w uint16) uint16 {
	if w != 0 {
		return CoilOn
	}
	return CoilOff
}

func appendCRC(dst []byte, start int) []byte {
	var c crc.CRC
	sum := c.Reset().PushBytes(dst[start:]).Value()
	return append(dst, byte(sum), byte(sum>>8))
}

// appendPayload appends n items from data in wire order: packed LSB-first
// bits or big-endian registers.
func appendPayload(dst []byte, f modbus.Function, data []uint16, n uint16) []byte {
	if f.Unit() == modbus.UnitRegisters {
		for _, w := range data[:n] {
			dst = binary.BigEndian.AppendUint16(dst, w)
		}
		return dst
	}
	var scratch [MaxSize]byte
	words := data[:modbus.WordsFor(f, n)]
	bits.WordsToBytes(scratch[:], words)
	off := len(dst)
	for i := 0; i < bits.ByteCount(int(n)); i++ {
		dst = append(dst, 0)
	}
	bits.CopyBits(dst[off:], 0, scratch[:], 0, int(n))
	return dst
}

// decodePayload writes n items from payload into data. Bits of data beyond
// n are preserved.
func decodePayload(data []uint16, f modbus.Function, payload []byte, n uint16) {
	if f.Unit() == modbus.UnitRegisters {
		for i := range data[:n] {
			data[i] = binary.BigEndian.Uint16(payload[2*i:])
		}
		return
	}
	var scratch [MaxSize]byte
	words := data[:modbus.WordsFor(f, n)]
	bits.WordsToBytes(scratch[:], words)
	bits.CopyBits(scratch[:], 0, payload, 0, int(n))
	bits.BytesToWords(words, scratch[:2*len(words)])
}
