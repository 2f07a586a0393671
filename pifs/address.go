package pifs

// Address identifies a logical page as a (block_index, page_index) pair,
// per spec §3.
type Address struct {
	Block int32
	Page  int32
}

// sentinels derives the invalid/erased block and page indices from the
// configured flash byte values, since the original encodes them as
// all-programmed / all-erased 32-bit patterns rather than fixed constants.
type sentinels struct {
	blockInvalid, pageInvalid int32
	blockErased, pageErased   int32
}

func newSentinels(cfg Config) sentinels {
	prog := int32(0)
	if cfg.FlashProgrammedValue != 0 {
		prog = int32(uint32(cfg.FlashProgrammedValue) * 0x01010101)
	}
	erased := int32(uint32(cfg.FlashErasedValue) * 0x01010101)
	return sentinels{
		blockInvalid: prog, pageInvalid: prog,
		blockErased: erased, pageErased: erased,
	}
}

// Invalid reports whether a is the all-programmed sentinel.
func (s sentinels) Invalid(a Address) bool {
	return a.Block == s.blockInvalid && a.Page == s.pageInvalid
}

// Erased reports whether a is the all-erased sentinel.
func (s sentinels) Erased(a Address) bool {
	return a.Block == s.blockErased && a.Page == s.pageErased
}

// Valid reports whether a names a real, in-range page.
func (a Address) Valid(cfg Config) bool {
	s := newSentinels(cfg)
	if s.Invalid(a) || s.Erased(a) {
		return false
	}
	return a.Block >= 0 && int(a.Block) < cfg.BlockNumAll &&
		a.Page >= 0 && int(a.Page) < cfg.PagesPerBlock
}

// Add returns the address n logical pages after a. It does not cross a
// block boundary; callers must ensure a run fits within one block, per
// spec §3's extent invariant.
func (a Address) Add(n int32) Address {
	return Address{Block: a.Block, Page: a.Page + n}
}

// Equal reports whether a and b name the same logical page.
func (a Address) Equal(b Address) bool { return a.Block == b.Block && a.Page == b.Page }
