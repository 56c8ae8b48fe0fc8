// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bits moves runs of coil/discrete-input bits between byte buffers.
// Bit numbering is LSB-first within each byte, as on the Modbus wire.
package bits

// ByteCount returns the number of bytes needed to hold n bits.
func ByteCount(n int) int {
	return (n + 7) / 8
}

// CopyBits copies n bits from src starting at bit srcStart into dst starting
// at bit dstStart. Bits of dst outside [dstStart, dstStart+n) are left
// untouched. Both buffers must be large enough; CopyBits panics otherwise.
func CopyBits(dst []byte, dstStart int, src []byte, srcStart int, n int) {
	if n <= 0 {
		return
	}
	if dstStart < 0 || srcStart < 0 ||
		ByteCount(dstStart+n) > len(dst) || ByteCount(srcStart+n) > len(src) {
		panic("bits: CopyBits out of range")
	}

	for n > 0 {
		d := dstStart & 7
		s := srcStart & 7

		// Bits available in the current destination byte.
		chunk := 8 - d
		if chunk > n {
			chunk = n
		}

		// Gather chunk bits from src, possibly straddling two bytes.
		si := srcStart >> 3
		v := uint16(src[si]) >> s
		if s+chunk > 8 {
			v |= uint16(src[si+1]) << (8 - s)
		}
		mask := byte((uint16(1)<<chunk - 1) << d)

		di := dstStart >> 3
		dst[di] = dst[di]&^mask | byte(v<<d)&mask

		dstStart += chunk
		srcStart += chunk
		n -= chunk
	}
}

// WordsToBytes writes the little-endian byte view of words into dst, which
// must hold at least 2*len(words) bytes.
func WordsToBytes(dst []byte, words []uint16) {
	for i, w := range words {
		dst[2*i] = byte(w)
		dst[2*i+1] = byte(w >> 8)
	}
}

// BytesToWords is the inverse of WordsToBytes. A trailing odd byte fills
// the low half of the last word and leaves its high half alone.
func BytesToWords(words []uint16, src []byte) {
	for i := 0; i < len(src); i++ {
		w := i / 2
		if w >= len(words) {
			return
		}
		if i%2 == 0 {
			words[w] = words[w]&0xFF00 | uint16(src[i])
		} else {
			words[w] = words[w]&0x00FF | uint16(src[i])<<8
		}
	}
}
