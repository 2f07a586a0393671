package pifs

// WearPolicy selects how the allocator picks a target block for new data.
type WearPolicy int

const (
	// WearPolicyLeastWorn walks the header's cached least-weared-blocks
	// table in order (§4.5 step 1).
	WearPolicyLeastWorn WearPolicy = iota
	// WearPolicyLinear scans blocks of the requested type in address
	// order (§4.5 step 2), used for management-area allocation and by
	// page relocation, which retries when the scan lands in the block
	// being emptied.
	WearPolicyLinear
	// WearPolicySpecificBlock pins allocation to one block. No caller in
	// this package selects it.
	WearPolicySpecificBlock
)

// Config mirrors the compile-time configuration of the original
// implementation (pifs_config.h / flash_config.h): geometry plus feature
// flags. Unlike the C `#define`s it replaces, Config is a value threaded
// explicitly through FS rather than baked in at compile time, per Design
// Note 9 ("kept as a single explicit context object").
type Config struct {
	Geometry

	// FilenameLenMax bounds Entry.Name, matching PIFS_FILENAME_LEN_MAX.
	FilenameLenMax int
	// EntryNumMax bounds the number of live entries, matching
	// PIFS_ENTRY_NUM_MAX.
	EntryNumMax int
	// OpenFileNumMax bounds concurrently open file handles, matching
	// PIFS_OPEN_FILE_NUM_MAX.
	OpenFileNumMax int
	// OpenDirNumMax bounds concurrently open directory handles, matching
	// PIFS_OPEN_DIR_NUM_MAX.
	OpenDirNumMax int
	// ManagementBlocks is the number of blocks in one management area;
	// the filesystem reserves two such areas (primary + secondary),
	// matching PIFS_MANAGEMENT_BLOCKS.
	ManagementBlocks int
	// LeastWearedBlockNum is the size of the header's cached
	// least/most-worn block tables, matching PIFS_LEAST_WEARED_BLOCK_NUM.
	LeastWearedBlockNum int
	// DeltaMapPageNum is the number of logical pages reserved for the
	// delta map, matching PIFS_DELTA_MAP_PAGE_NUM.
	DeltaMapPageNum int
	// ChecksumSize is the width in bytes of every on-flash checksum (1,
	// 2, or 4), matching PIFS_CHECKSUM_SIZE.
	ChecksumSize int
	// MapPageCountSize is the width in bytes of a map extent's
	// page_count field, matching PIFS_MAP_PAGE_COUNT_SIZE.
	MapPageCountSize int

	// EnableAttributes mirrors PIFS_ENABLE_ATTRIBUTES.
	EnableAttributes bool
	// EnableUserData mirrors PIFS_ENABLE_USER_DATA: every entry carries a
	// small {CreatedAt, ModifiedAt} blob.
	EnableUserData bool
	// EnableDirectories mirrors PIFS_ENABLE_DIRECTORIES: a single-level
	// directory hierarchy beyond "/". Non-goals in spec.md scope
	// hierarchical directories out; this flag defaults false.
	EnableDirectories bool
	// UseDeltaForEntries mirrors PIFS_USE_DELTA_FOR_ENTRIES. It is
	// accepted but not consulted: an entry UPDATE always rewrites the
	// entry's slot in place and never writes a delta page.
	UseDeltaForEntries bool
	// EnableFseekBeyondFile mirrors PIFS_ENABLE_FSEEK_BEYOND_FILE.
	EnableFseekBeyondFile bool
	// EnableFseekErasedValue mirrors PIFS_ENABLE_FSEEK_ERASED_VALUE: gap
	// pages created by seeking past EOF are filled with the erased value
	// instead of zero.
	EnableFseekErasedValue bool
	// CalcTBRInFreeSpace mirrors PIFS_CALC_TBR_IN_FREE_SPACE: whether
	// GetFreeSpace counts to-be-released pages as free.
	CalcTBRInFreeSpace bool

	// StaticWearLevelLimit mirrors PIFS_STATIC_WEAR_LEVEL_LIMIT: the
	// minimum erase-count gap from wear_level_cntr_max that makes a cold
	// block a static-relocation candidate.
	StaticWearLevelLimit int
	// StaticWearLevelPercent mirrors PIFS_STATIC_WEAR_LEVEL_PERCENT.
	StaticWearLevelPercent int
	// AutoStaticWearLevelOpCount is §4.8's N: FS.AutoStaticWearLevel (and
	// the internal hook File.Write calls on every completed write) runs
	// one StaticWearLevel pass every this-many operations. Zero disables
	// the automatic hook; StaticWearLevel remains callable directly.
	AutoStaticWearLevelOpCount int

	// FlashErasedValue is the byte pattern an unprogrammed flash cell
	// reads as (commonly 0xFF). FlashProgrammedValue is its bitwise
	// complement. A build uses exactly one erased-value byte throughout
	// (spec.md Non-goals): media whose programmed state is 1 is
	// unsupported.
	FlashErasedValue     byte
	FlashProgrammedValue byte
}

// DefaultConfig returns the M25P80 geometry used by spec.md's worked
// examples (16 blocks × 256 pages/block × 256 B/page) with the original
// implementation's default feature flags.
func DefaultConfig() Config {
	return Config{
		Geometry: Geometry{
			BlockNumAll:      16,
			BlockReservedNum: 0,
			PagesPerBlock:    256,
			PageSize:         256,
			PageSpareSize:    0,
		},
		FilenameLenMax:             32,
		EntryNumMax:                254,
		OpenFileNumMax:             4,
		OpenDirNumMax:              2,
		ManagementBlocks:           1,
		LeastWearedBlockNum:        6,
		DeltaMapPageNum:            2,
		ChecksumSize:               4,
		MapPageCountSize:           1,
		EnableAttributes:           true,
		EnableUserData:             true,
		EnableDirectories:          false,
		UseDeltaForEntries:         false,
		EnableFseekBeyondFile:      true,
		EnableFseekErasedValue:     false,
		CalcTBRInFreeSpace:         false,
		StaticWearLevelLimit:       20,
		StaticWearLevelPercent:     10,
		AutoStaticWearLevelOpCount: 64,
		FlashErasedValue:           0xFF,
		FlashProgrammedValue:       0x00,
	}
}

// Validate checks that the configuration describes a device the
// filesystem can actually fit into, returning an *Error with
// StatusConfiguration (fatal, not retried, per spec §7) if not.
func (c Config) Validate() error {
	switch {
	case c.BlockNumAll <= 0 || c.PagesPerBlock <= 0 || c.PageSize <= 0:
		return Wrap(StatusConfiguration, nil, "geometry fields must be positive")
	case c.BlockReservedNum < 0 || c.BlockReservedNum >= c.BlockNumAll:
		return Wrap(StatusConfiguration, nil, "block_reserved_num out of range")
	case c.ManagementBlocks < 1:
		return Wrap(StatusConfiguration, nil, "management_blocks must be >= 1")
	case c.BlockNumAll-c.BlockReservedNum < 2*c.ManagementBlocks+2:
		return Wrap(StatusConfiguration, nil, "device too small for two management areas plus data")
	case c.ChecksumSize != 1 && c.ChecksumSize != 2 && c.ChecksumSize != 4:
		return Wrap(StatusConfiguration, nil, "checksum_size must be 1, 2 or 4")
	case c.MapPageCountSize != 1 && c.MapPageCountSize != 2 && c.MapPageCountSize != 4:
		return Wrap(StatusConfiguration, nil, "map_page_count_size must be 1, 2 or 4")
	case c.FilenameLenMax <= 0:
		return Wrap(StatusConfiguration, nil, "filename_len_max must be positive")
	case c.FlashErasedValue == c.FlashProgrammedValue:
		return Wrap(StatusConfiguration, nil, "erased and programmed values must differ")
	}
	return nil
}

// DataBlockNum returns the number of blocks available to DATA after
// subtracting the reserved prefix and both management areas.
func (c Config) DataBlockNum() int {
	return c.BlockNumAll - c.BlockReservedNum - 2*c.ManagementBlocks
}
