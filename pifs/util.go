package pifs

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// isBufferErased reports whether every byte of buf equals the configured
// erased value, per Design Note 9: "All 'is this slot empty?' checks rely
// on comparing to the erased byte pattern."
func isBufferErased(cfg Config, buf []byte) bool {
	for _, b := range buf {
		if b != cfg.FlashErasedValue {
			return false
		}
	}
	return true
}

// fillErased sets every byte of buf to the configured erased value.
func fillErased(cfg Config, buf []byte) {
	for i := range buf {
		buf[i] = cfg.FlashErasedValue
	}
}

// checksum computes the configured-width checksum of buf using xxhash64,
// truncated to cfg.ChecksumSize bytes. Using a 64-bit non-cryptographic
// hash and truncating keeps the on-flash field width configurable (1, 2 or
// 4 bytes, per PIFS_CHECKSUM_SIZE) without needing a family of distinct
// hash functions.
func checksum(cfg Config, buf []byte) uint32 {
	h := xxhash.Sum64(buf)
	switch cfg.ChecksumSize {
	case 1:
		return uint32(uint8(h))
	case 2:
		return uint32(uint16(h))
	default:
		return uint32(h)
	}
}

// putChecksum writes a checksum of the given width into buf[0:width].
func putChecksum(width int, buf []byte, v uint32) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	default:
		binary.LittleEndian.PutUint32(buf, v)
	}
}

// getChecksum reads a checksum of the given width from buf[0:width].
func getChecksum(width int, buf []byte) uint32 {
	switch width {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

// putAddress writes a as two little-endian int32 fields.
func putAddress(buf []byte, a Address) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a.Block))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(a.Page))
}

// getAddress reads an Address from two little-endian int32 fields.
func getAddress(buf []byte) Address {
	return Address{
		Block: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Page:  int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

// addressSize is the on-flash width of an Address (block + page, 4 bytes
// each).
const addressSize = 8
