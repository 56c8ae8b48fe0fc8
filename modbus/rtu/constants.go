// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the smallest frame: id, function and CRC.
	MinSize = 4
	// MaxSize is the largest RTU frame including the CRC.
	MaxSize = 256

	ExceptionSize = 5
	CRCSize       = 2

	// headerSize covers id, function, address and count-or-value.
	headerSize = 6
	// fixedSize is the length of a request or echo that carries no payload.
	fixedSize = headerSize + CRCSize
)

// Wire values of the single-coil write.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)
