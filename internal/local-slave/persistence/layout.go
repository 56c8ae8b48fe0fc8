// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/ffutop/modbus-rtu/internal/local-slave/model"
)

// On-disk layout shared by FileStorage and MmapStorage:
//
//	header            16 bytes: magic "MRTU", version (uint16 LE), zero padding
//	coils             8192 bytes, packed
//	discrete inputs   8192 bytes, packed
//	holding registers 65536 * 2 bytes, host byte order
//	input registers   65536 * 2 bytes, host byte order
const (
	layoutMagic   = "MRTU"
	layoutVersion = 1
	headerSize    = 16

	sizeCoils    = model.BitTableSize
	sizeDiscrete = model.BitTableSize
	sizeHolding  = (model.MaxAddress + 1) * 2
	sizeInput    = (model.MaxAddress + 1) * 2
	totalSize    = headerSize + sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = headerSize
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// errLayout reports a file that does not hold this layout.
var errLayout = errors.New("persistence: incompatible storage file")

func layoutHeader() []byte {
	h := make([]byte, headerSize)
	copy(h, layoutMagic)
	binary.LittleEndian.PutUint16(h[len(layoutMagic):], layoutVersion)
	return h
}

// openLayout opens path for read/write. A missing or empty file is created
// with a fresh header and zeroed tables; anything else must carry the
// current header and size. Mismatching files are never resized.
func openLayout(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() == 0 {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size storage file: %w", err)
		}
		if _, err := f.WriteAt(layoutHeader(), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write storage header: %w", err)
		}
		return f, nil
	}

	if fi.Size() != totalSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", errLayout, path, fi.Size(), totalSize)
	}
	h := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, headerSize), h); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read storage header: %w", err)
	}
	if !bytes.Equal(h, layoutHeader()) {
		f.Close()
		return nil, fmt.Errorf("%w: bad header in %s", errLayout, path)
	}
	return f, nil
}

// mapBytesToModel constructs a DataModel backed by the provided data slice.
// Warning: This function uses unsafe pointers to cast byte slices to uint16 slices.
// The resulting DataModel relies on the host's endianness for multi-byte values.
// This provides zero-copy access but sacrifices portability across architectures
// with different endianness.
func mapBytesToModel(data []byte) *model.DataModel {
	m := &model.DataModel{}

	// Coils (packed bits)
	m.Coils = data[offsetCoils : offsetCoils+sizeCoils]

	// Discrete Inputs (packed bits)
	m.DiscreteInputs = data[offsetDiscrete : offsetDiscrete+sizeDiscrete]

	// Holding Registers (Uint16)
	holdingBytes := data[offsetHolding : offsetHolding+sizeHolding]
	m.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), sizeHolding/2)

	// Input Registers (Uint16)
	inputBytes := data[offsetInput : offsetInput+sizeInput]
	m.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), sizeInput/2)

	return m
}

// tableRange returns the byte span of the layout touched by a write of
// quantity items at address.
func tableRange(table model.TableType, address, quantity uint16) (off, n int) {
	if quantity == 0 {
		return 0, 0
	}
	first, last := int(address), int(address)+int(quantity)-1
	switch table {
	case model.TableCoils:
		return offsetCoils + first/8, last/8 - first/8 + 1
	case model.TableDiscreteInputs:
		return offsetDiscrete + first/8, last/8 - first/8 + 1
	case model.TableHoldingRegisters:
		return offsetHolding + 2*first, 2 * int(quantity)
	case model.TableInputRegisters:
		return offsetInput + 2*first, 2 * int(quantity)
	}
	return 0, 0
}
