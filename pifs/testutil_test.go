package pifs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/pifs"
	"github.com/pifs-project/pifs/internal/flashsim"
)

// smallConfig returns a geometry small enough to run merges and exhaust
// space quickly in tests, while still giving the management area enough
// room for its own structures.
func smallConfig() pifs.Config {
	cfg := pifs.DefaultConfig()
	cfg.BlockNumAll = 8
	cfg.PagesPerBlock = 16
	cfg.PageSize = 128
	cfg.ManagementBlocks = 1
	cfg.EntryNumMax = 16
	cfg.LeastWearedBlockNum = 2
	cfg.DeltaMapPageNum = 1
	cfg.FilenameLenMax = 16
	return cfg
}

func newTestFS(t *testing.T) (*pifs.FS, pifs.Config) {
	t.Helper()
	return newTestFSWithConfig(t, smallConfig())
}

// newTestFSWithConfig is newTestFS for a caller-supplied config, e.g. a
// variant with Config.EnableDirectories set.
func newTestFSWithConfig(t *testing.T, cfg pifs.Config) (*pifs.FS, pifs.Config) {
	t.Helper()
	sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
	_, err := pifs.Format(sim, cfg, nil)
	require.NoError(t, err)
	fs, err := pifs.New(sim, cfg, nil)
	require.NoError(t, err)
	return fs, cfg
}
