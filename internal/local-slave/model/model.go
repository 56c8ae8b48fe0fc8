// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"fmt"
	"sync"

	"github.com/ffutop/modbus-rtu/modbus/bits"
)

const (
	MaxAddress = 65535

	// BitTableSize is the packed size of a full coil or discrete input table.
	BitTableSize = (MaxAddress + 1) / 8
)

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableHoldingRegisters:
		return "holding_registers"
	case TableInputRegisters:
		return "input_registers"
	default:
		return fmt.Sprintf("table(%d)", int(t))
	}
}

// DataModel holds the modbus data in memory.
// It uses a simple flat memory model covering the full 16-bit address space.
type DataModel struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write). Packed LSB-first: coil i is bit i%8 of byte i/8.
	Coils []byte
	// 1x Discrete Inputs (Read Only). Packed like Coils.
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		Coils:            make([]byte, BitTableSize),
		DiscreteInputs:   make([]byte, BitTableSize),
		HoldingRegisters: make([]uint16, MaxAddress+1),
		InputRegisters:   make([]uint16, MaxAddress+1),
	}
}

// ReadCoils copies quantity coils starting at address into dst as packed
// bytes (Modbus format). Bits of dst beyond quantity are left untouched.
func (m *DataModel) ReadCoils(address, quantity uint16, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readBits(m.Coils, address, quantity, dst)
}

// ReadDiscreteInputs is ReadCoils for the discrete input table.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readBits(m.DiscreteInputs, address, quantity, dst)
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return writeBits(m.Coils, address, quantity, data)
}

// WriteDiscreteInputs sets a range of discrete inputs from packed bytes.
// Discrete inputs are read-only on the bus; this is the device side.
func (m *DataModel) WriteDiscreteInputs(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return writeBits(m.DiscreteInputs, address, quantity, data)
}

// WriteSingleCoil switches one coil.
func (m *DataModel) WriteSingleCoil(address uint16, on bool) error {
	var v [1]byte
	if on {
		v[0] = 1
	}
	return m.WriteMultipleCoils(address, 1, v[:])
}

// Coil reports the state of one coil.
func (m *DataModel) Coil(address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Coils[address/8]&(1<<(address%8)) != 0
}

// DiscreteInput reports the state of one discrete input.
func (m *DataModel) DiscreteInput(address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DiscreteInputs[address/8]&(1<<(address%8)) != 0
}

// ReadHoldingRegisters copies quantity holding registers into dst.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16, dst []uint16) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readWords(m.HoldingRegisters, address, quantity, dst)
}

// ReadInputRegisters copies quantity input registers into dst.
func (m *DataModel) ReadInputRegisters(address, quantity uint16, dst []uint16) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readWords(m.InputRegisters, address, quantity, dst)
}

// WriteSingleRegister writes a single holding register.
func (m *DataModel) WriteSingleRegister(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HoldingRegisters[address] = value
	return nil
}

// WriteMultipleRegisters writes a range of holding registers.
func (m *DataModel) WriteMultipleRegisters(address uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return writeWords(m.HoldingRegisters, address, values)
}

// WriteInputRegisters sets a range of input registers (device side).
func (m *DataModel) WriteInputRegisters(address uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return writeWords(m.InputRegisters, address, values)
}

// Register returns one register of a word table.
func (m *DataModel) Register(table TableType, address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if table == TableInputRegisters {
		return m.InputRegisters[address]
	}
	return m.HoldingRegisters[address]
}

func readBits(table []byte, address, quantity uint16, dst []byte) error {
	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(dst) < bits.ByteCount(int(quantity)) {
		return fmt.Errorf("insufficient buffer length")
	}
	bits.CopyBits(dst, 0, table, int(address), int(quantity))
	return nil
}

func writeBits(table []byte, address, quantity uint16, data []byte) error {
	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < bits.ByteCount(int(quantity)) {
		return fmt.Errorf("insufficient data length")
	}
	bits.CopyBits(table, int(address), data, 0, int(quantity))
	return nil
}

func readWords(table []uint16, address, quantity uint16, dst []uint16) error {
	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(dst) < int(quantity) {
		return fmt.Errorf("insufficient buffer length")
	}
	copy(dst, table[address:int(address)+int(quantity)])
	return nil
}

func writeWords(table []uint16, address uint16, values []uint16) error {
	if len(values) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	if err := validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	copy(table[address:], values)
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}
