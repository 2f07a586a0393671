package pifs

// allocator hands out contiguous runs of free logical pages, per §4.5. The
// merge-on-exhaustion retry described in §4.5 step 3 is implemented one
// level up, by FS.Allocate, since only FS holds the merge engine and the
// is_merging guard against recursive merges.
type allocator struct {
	cfg  Config
	fsbm *bitmap
}

func newAllocator(cfg Config, fsbm *bitmap) *allocator {
	return &allocator{cfg: cfg, fsbm: fsbm}
}

// allocate finds a free run and marks it used before returning, per §4.5
// step 4. leastWorn is the header's cached least-weared-blocks table,
// consulted when policy is WearPolicyLeastWorn and blockType is
// BlockData; pinnedBlock is consulted only for WearPolicySpecificBlock.
func (al *allocator) allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy,
	leastWorn []int32, pinnedBlock int32, mgmtBlocks []int32, primaryStart, secondaryStart int32) (Address, int, error) {

	if policy == WearPolicyLeastWorn && blockType != BlockData {
		policy = WearPolicyLinear
	}
	addr, n, err := al.fsbm.findFreePage(minCount, maxCount, blockType, policy, leastWorn, pinnedBlock, mgmtBlocks, primaryStart, secondaryStart)
	if err != nil {
		return Address{}, 0, err
	}
	if err := al.fsbm.markPage(addr.Block, addr.Page, n, true, false); err != nil {
		return Address{}, 0, err
	}
	return addr, n, nil
}
