package pifs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	return &Header{
		VersionMajor: 1,
		VersionMinor: 0,
		Counter:      42,
		RootEntryList:              Address{Block: 4, Page: 1},
		FreeSpaceBitmap:            Address{Block: 4, Page: 2},
		DeltaMap:                   Address{Block: 4, Page: 3},
		WearLevelList:              Address{Block: 4, Page: 4},
		ManagementBlockAddress:     4,
		NextManagementBlockAddress: 10,
		WearLevelCntrMax:           7,
		LeastWeared:                []WearBlockEntry{{BlockAddress: 5, WearCounter: 0}, {BlockAddress: 6, WearCounter: 1}},
		MostWeared:                 []WearBlockEntry{{BlockAddress: 9, WearCounter: 7}},
		EchoBlockNumAll:            16,
		EchoPagesPerBlock:          256,
		EchoPageSize:               256,
	}
}

func TestHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	h := sampleHeader()

	buf, err := h.Marshal(cfg)
	require.NoError(t, err)
	assert.Len(t, buf, cfg.PageSize)

	got, err := UnmarshalHeader(cfg, buf)
	require.NoError(t, err)
	assert.Equal(t, h.Counter, got.Counter)
	assert.Equal(t, h.RootEntryList, got.RootEntryList)
	assert.Equal(t, h.FreeSpaceBitmap, got.FreeSpaceBitmap)
	assert.Equal(t, h.ManagementBlockAddress, got.ManagementBlockAddress)
	assert.Equal(t, h.NextManagementBlockAddress, got.NextManagementBlockAddress)
	assert.Equal(t, h.WearLevelCntrMax, got.WearLevelCntrMax)
	assert.Equal(t, h.LeastWeared, got.LeastWeared)
	assert.Equal(t, h.MostWeared, got.MostWeared)
	assert.Equal(t, h.EchoBlockNumAll, got.EchoBlockNumAll)
}

func TestHeaderUnmarshalRejectsBadMagic(t *testing.T) {
	cfg := DefaultConfig()
	buf := make([]byte, cfg.PageSize)
	fillErased(cfg, buf)

	_, err := UnmarshalHeader(cfg, buf)
	require.Error(t, err)
	assert.Equal(t, StatusIntegrity, StatusOf(err))
}

func TestHeaderUnmarshalRejectsChecksumMismatch(t *testing.T) {
	cfg := DefaultConfig()
	h := sampleHeader()
	buf, err := h.Marshal(cfg)
	require.NoError(t, err)

	// Corrupt one byte inside the encoded header (the minor-version byte), after the
	// checksum has already been computed over the original contents.
	buf[5] ^= 0xFF

	_, err = UnmarshalHeader(cfg, buf)
	require.Error(t, err)
	assert.Equal(t, StatusIntegrity, StatusOf(err))
}

func TestHeaderEncodedSizeMustFitInOnePage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 8 // far too small for any real header
	h := sampleHeader()

	_, err := h.Marshal(cfg)
	require.Error(t, err)
	assert.Equal(t, StatusConfiguration, StatusOf(err))
}
