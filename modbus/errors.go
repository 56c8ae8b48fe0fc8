// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// ExceptionCode is a standard Modbus exception code. It implements error so
// an exception response can be returned directly and tested with errors.Is.
type ExceptionCode byte

const (
	ExceptionCodeIllegalFunction     ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress  ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue    ExceptionCode = 0x03
	ExceptionCodeServerDeviceFailure ExceptionCode = 0x04
	ExceptionCodeAcknowledge         ExceptionCode = 0x05
	ExceptionCodeServerDeviceBusy    ExceptionCode = 0x06
	ExceptionCodeMemoryParityError   ExceptionCode = 0x08
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionCodeIllegalFunction:     "illegal function",
	ExceptionCodeIllegalDataAddress:  "illegal data address",
	ExceptionCodeIllegalDataValue:    "illegal data value",
	ExceptionCodeServerDeviceFailure: "server device failure",
	ExceptionCodeAcknowledge:         "acknowledge",
	ExceptionCodeServerDeviceBusy:    "server device busy",
	ExceptionCodeMemoryParityError:   "memory parity error",
}

func (e ExceptionCode) Error() string {
	if name, ok := exceptionNames[e]; ok {
		return "modbus: exception '" + name + "'"
	}
	return fmt.Sprintf("modbus: exception 0x%02X", byte(e))
}

// Local error kinds that never appear on the wire.
var (
	ErrTimeout            = errors.New("modbus: request timed out")
	ErrCRCMismatch        = errors.New("modbus: crc mismatch")
	ErrInvalidID          = errors.New("modbus: invalid slave id")
	ErrFrameTooLarge      = errors.New("modbus: frame too large")
	ErrFraming            = errors.New("modbus: malformed frame")
	ErrBusy               = errors.New("modbus: link busy")
	ErrAlreadyInitialized = errors.New("modbus: link already initialized")
	ErrNotInitialized     = errors.New("modbus: link not initialized")
)

// AsException extracts the exception code wrapped in err.
func AsException(err error) (ExceptionCode, bool) {
	var code ExceptionCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}
