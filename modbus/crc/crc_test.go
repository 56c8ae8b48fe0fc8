// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestCRCReferenceVector(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0x4B37 {
		t.Fatalf("crc expected %#04x, actual %#04x", 0x4B37, got)
	}
}

func TestCRCIncremental(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	var crc CRC
	crc.Reset().PushBytes(data[:3]).PushBytes(data[3:])
	if crc.Value() != Checksum(data) {
		t.Fatalf("incremental crc %#04x != one-shot %#04x", crc.Value(), Checksum(data))
	}
}

func TestAppendValid(t *testing.T) {
	// Read holding registers, slave 1, address 0, count 10.
	frame := Append([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if frame[6] != 0xC5 || frame[7] != 0xCD {
		t.Fatalf("unexpected crc bytes % X", frame[6:])
	}
	if !Valid(frame) {
		t.Fatal("Valid() rejected a correct frame")
	}
	for i := 0; i < len(frame)*8; i++ {
		corrupted := append([]byte(nil), frame...)
		corrupted[i/8] ^= 1 << (i % 8)
		if Valid(corrupted) {
			t.Fatalf("Valid() accepted frame with bit %d flipped", i)
		}
	}
	if Valid([]byte{0x01}) {
		t.Error("Valid() accepted a one-byte frame")
	}
}
