package pifs

import (
	"encoding/binary"
)

// BlockType enumerates the kinds of blocks the filesystem recognizes, per
// spec §3.
type BlockType int

const (
	BlockReserved BlockType = iota
	BlockPrimaryManagement
	BlockSecondaryManagement
	BlockData
)

// magicValue identifies a valid PIFS header page.
var magicValue = [4]byte{'P', 'I', 'F', 'S'}

// WearBlockEntry is one row of the header's cached least/most-worn block
// tables (§3).
type WearBlockEntry struct {
	BlockAddress int32
	WearCounter  uint32
}

// Header is the single logical page that anchors a management area (§3,
// §6). The header with the largest valid counter and matching checksum is
// authoritative (invariant 4 in §8: counter strictly increases on merge).
type Header struct {
	VersionMajor, VersionMinor uint8
	Counter                    uint32

	RootEntryList     Address
	FreeSpaceBitmap   Address
	DeltaMap          Address
	WearLevelList     Address

	ManagementBlockAddress     int32
	NextManagementBlockAddress int32

	WearLevelCntrMax uint32
	LeastWeared      []WearBlockEntry
	MostWeared       []WearBlockEntry

	// Config echo: enough of the geometry to detect a mismatched build
	// mounting a foreign image, per §6 ("optional embedded configuration
	// echo").
	EchoBlockNumAll   int32
	EchoPagesPerBlock int32
	EchoPageSize      int32
}

// headerEncodedSize returns the number of bytes Header.Marshal writes (excluding
// trailing erased-value padding), for the given config.
func headerEncodedSize(cfg Config) int {
	fixed := 4 + 1 + 1 + 4 + addressSize*4 + 4 + 4 + 4 + 4 + 4 + 4
	tables := cfg.LeastWearedBlockNum * 2 * (4 + 4)
	return fixed + tables + cfg.ChecksumSize
}

// Marshal encodes h into a page-sized buffer, per the packed little-endian
// layout of §6, padding unused trailing bytes with the erased value and
// appending the checksum.
func (h *Header) Marshal(cfg Config) ([]byte, error) {
	size := headerEncodedSize(cfg)
	if size > cfg.PageSize {
		return nil, Wrap(StatusConfiguration, nil, "header does not fit in one page (%d > %d)", size, cfg.PageSize)
	}
	buf := make([]byte, cfg.PageSize)
	fillErased(cfg, buf)

	off := 0
	copy(buf[off:off+4], magicValue[:])
	off += 4
	buf[off] = h.VersionMajor
	off++
	buf[off] = h.VersionMinor
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], h.Counter)
	off += 4
	for _, a := range []Address{h.RootEntryList, h.FreeSpaceBitmap, h.DeltaMap, h.WearLevelList} {
		putAddress(buf[off:off+addressSize], a)
		off += addressSize
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.ManagementBlockAddress))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.NextManagementBlockAddress))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], h.WearLevelCntrMax)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.EchoBlockNumAll))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.EchoPagesPerBlock))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.EchoPageSize))
	off += 4
	for _, tbl := range [][]WearBlockEntry{h.LeastWeared, h.MostWeared} {
		for i := 0; i < cfg.LeastWearedBlockNum; i++ {
			if i < len(tbl) {
				binary.LittleEndian.PutUint32(buf[off:off+4], uint32(tbl[i].BlockAddress))
				binary.LittleEndian.PutUint32(buf[off+4:off+8], tbl[i].WearCounter)
			} else {
				// Empty slot: zero, not the erased-fill pattern, so
				// Unmarshal's ba==0&&wc==0 emptiness check works.
				binary.LittleEndian.PutUint32(buf[off:off+4], 0)
				binary.LittleEndian.PutUint32(buf[off+4:off+8], 0)
			}
			off += 8
		}
	}

	sum := checksum(cfg, buf[:off])
	putChecksum(cfg.ChecksumSize, buf[off:off+cfg.ChecksumSize], sum)
	return buf, nil
}

// UnmarshalHeader decodes a header page written by Marshal, verifying magic
// and checksum. A checksum mismatch or bad magic is reported as
// StatusIntegrity (fatal, per §7). The caller, New, tries both management
// areas, adopts the one that decodes (the higher counter when both do) and
// fails when neither does; an erased page is not treated specially.
func UnmarshalHeader(cfg Config, buf []byte) (*Header, error) {
	if len(buf) < cfg.PageSize {
		return nil, Wrap(StatusGeneral, nil, "short header buffer")
	}
	off := 0
	if string(buf[off:off+4]) != string(magicValue[:]) {
		return nil, NewError(StatusIntegrity)
	}
	off += 4
	h := &Header{}
	h.VersionMajor = buf[off]
	off++
	h.VersionMinor = buf[off]
	off++
	h.Counter = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	addrs := make([]Address, 4)
	for i := range addrs {
		addrs[i] = getAddress(buf[off : off+addressSize])
		off += addressSize
	}
	h.RootEntryList, h.FreeSpaceBitmap, h.DeltaMap, h.WearLevelList = addrs[0], addrs[1], addrs[2], addrs[3]
	h.ManagementBlockAddress = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.NextManagementBlockAddress = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.WearLevelCntrMax = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	h.EchoBlockNumAll = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.EchoPagesPerBlock = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.EchoPageSize = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	for _, tbl := range []*[]WearBlockEntry{&h.LeastWeared, &h.MostWeared} {
		entries := make([]WearBlockEntry, 0, cfg.LeastWearedBlockNum)
		for i := 0; i < cfg.LeastWearedBlockNum; i++ {
			ba := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
			wc := binary.LittleEndian.Uint32(buf[off+4 : off+8])
			off += 8
			if ba != 0 || wc != 0 {
				entries = append(entries, WearBlockEntry{BlockAddress: ba, WearCounter: wc})
			}
		}
		*tbl = entries
	}

	want := getChecksum(cfg.ChecksumSize, buf[off:off+cfg.ChecksumSize])
	got := checksum(cfg, buf[:off])
	if want != got {
		return nil, NewError(StatusIntegrity)
	}
	return h, nil
}
