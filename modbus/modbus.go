// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus defines the message model shared by the RTU codec and the
// link engine: function codes, exception codes and local error kinds.
package modbus

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// BroadcastID addresses every slave on the bus. Slaves never answer it.
	BroadcastID = 0
	// MaxSlaveID is the highest unicast slave address.
	MaxSlaveID = 247
	// MaxAddress is the highest coil/register address.
	MaxAddress = 65535
)

// Function is a Modbus function code.
type Function byte

// Function Codes
const (
	FuncCodeNone Function = 0x00

	FuncCodeReadCoils              Function = 0x01
	FuncCodeReadDiscreteInputs     Function = 0x02
	FuncCodeReadHoldingRegisters   Function = 0x03
	FuncCodeReadInputRegisters     Function = 0x04
	FuncCodeWriteSingleCoil        Function = 0x05
	FuncCodeWriteSingleRegister    Function = 0x06
	FuncCodeWriteMultipleCoils     Function = 0x0F
	FuncCodeWriteMultipleRegisters Function = 0x10

	// ExceptionFlag is set in the function code of an exception response.
	ExceptionFlag = 0x80
)

// Unit is the addressing unit of a function.
type Unit int

const (
	UnitNone Unit = iota
	UnitBits
	UnitRegisters
)

// shape describes the payload layout of a function. Every encoder, decoder
// and validator dispatches on it, so combinations outside this table are
// rejected in one place.
type shape struct {
	name   string
	unit   Unit
	write  bool
	single bool
	max    uint16
}

var shapes = map[Function]shape{
	FuncCodeReadCoils:              {"read_coils", UnitBits, false, false, 2000},
	FuncCodeReadDiscreteInputs:     {"read_discrete_inputs", UnitBits, false, false, 2000},
	FuncCodeReadHoldingRegisters:   {"read_holding_registers", UnitRegisters, false, false, 125},
	FuncCodeReadInputRegisters:     {"read_input_registers", UnitRegisters, false, false, 125},
	FuncCodeWriteSingleCoil:        {"write_single_coil", UnitBits, true, true, 1},
	FuncCodeWriteSingleRegister:    {"write_single_register", UnitRegisters, true, true, 1},
	FuncCodeWriteMultipleCoils:     {"write_multiple_coils", UnitBits, true, false, 1968},
	FuncCodeWriteMultipleRegisters: {"write_multiple_registers", UnitRegisters, true, false, 123},
}

// Functions lists every supported function code in ascending order.
var Functions = []Function{
	FuncCodeReadCoils,
	FuncCodeReadDiscreteInputs,
	FuncCodeReadHoldingRegisters,
	FuncCodeReadInputRegisters,
	FuncCodeWriteSingleCoil,
	FuncCodeWriteSingleRegister,
	FuncCodeWriteMultipleCoils,
	FuncCodeWriteMultipleRegisters,
}

// Valid reports whether f is one of the supported function codes.
func (f Function) Valid() bool {
	_, ok := shapes[f]
	return ok
}

// Unit returns the addressing unit of f, UnitNone for unknown codes.
func (f Function) Unit() Unit { return shapes[f].unit }

// IsWrite reports whether f modifies slave state.
func (f Function) IsWrite() bool { return shapes[f].write }

// IsSingle reports whether f addresses exactly one coil or register and
// carries its value in the count field.
func (f Function) IsSingle() bool { return shapes[f].single }

// MaxCount returns the protocol limit on the quantity field.
func (f Function) MaxCount() uint16 { return shapes[f].max }

func (f Function) String() string {
	if s, ok := shapes[f]; ok {
		return s.name
	}
	if f == FuncCodeNone {
		return "none"
	}
	return fmt.Sprintf("function(0x%02X)", byte(f))
}

// ParseFunction accepts a function name ("read_holding_registers") or a
// decimal/hex code ("3", "0x10").
func ParseFunction(s string) (Function, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, sh := range shapes {
		if sh.name == s {
			return f, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return FuncCodeNone, fmt.Errorf("unknown function %q", s)
	}
	f := Function(n)
	if !f.Valid() {
		return FuncCodeNone, fmt.Errorf("unsupported function code: 0x%02X", n)
	}
	return f, nil
}

// Message is the unit of work exchanged with a link. Data is owned by the
// caller; the engine only reads and writes through it.
//
// Register functions use one word per register. Bit functions pack bit i
// into Data[i/16] at bit position i%16. Single writes carry their value in
// Data[0]; for a coil any non-zero value means ON.
type Message struct {
	SlaveID  byte
	Function Function
	Address  uint16
	Count    uint16
	Data     []uint16

	// Exception, when non-zero on a slave, turns the response into an
	// exception response carrying this code.
	Exception ExceptionCode
}

// WordsFor returns the number of Data words needed to hold count items of
// function f.
func WordsFor(f Function, count uint16) int {
	switch f.Unit() {
	case UnitBits:
		return (int(count) + 15) / 16
	case UnitRegisters:
		return int(count)
	}
	return 0
}

// Quantity returns the effective count, which is always 1 for single writes.
func (m *Message) Quantity() uint16 {
	if m.Function.IsSingle() {
		return 1
	}
	return m.Count
}

// Validate checks the function-specific constraints on m. The returned
// error wraps the exception code that a slave would answer with.
func (m *Message) Validate() error {
	if !m.Function.Valid() {
		return fmt.Errorf("%w: function 0x%02X", ExceptionCodeIllegalFunction, byte(m.Function))
	}
	if m.Function.IsSingle() && m.Count > 1 {
		return fmt.Errorf("%w: %s takes a single item, got count %d", ExceptionCodeIllegalDataValue, m.Function, m.Count)
	}
	n := m.Quantity()
	if n < 1 || n > m.Function.MaxCount() {
		return fmt.Errorf("%w: count %d out of range [1, %d] for %s", ExceptionCodeIllegalDataValue, n, m.Function.MaxCount(), m.Function)
	}
	if int(m.Address)+int(n) > MaxAddress+1 {
		return fmt.Errorf("%w: address %d + count %d overflows", ExceptionCodeIllegalDataAddress, m.Address, n)
	}
	if len(m.Data) < WordsFor(m.Function, n) {
		return fmt.Errorf("%w: data holds %d words, need %d", ExceptionCodeIllegalDataValue, len(m.Data), WordsFor(m.Function, n))
	}
	return nil
}
