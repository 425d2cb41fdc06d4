package fastgen

import (
	"testing"
)

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 16, false)

	if bm.NumBlocks() != 100 {
		t.Errorf("Expected 100 blocks, got %d", bm.NumBlocks())
	}
	if bm.NumFree() != 100 {
		t.Errorf("Expected 100 free blocks, got %d", bm.NumFree())
	}
	if bm.BlockSize() != 16 {
		t.Errorf("Expected block size 16, got %d", bm.BlockSize())
	}
}

func TestBlocksNeeded(t *testing.T) {
	bm := NewBlockManager(10, 16, false)

	cases := []struct{ tokens, want int }{
		{1, 1},
		{16, 1},
		{17, 2},
		{32, 2},
		{33, 3},
	}
	for _, c := range cases {
		if got := bm.BlocksNeeded(c.tokens); got != c.want {
			t.Errorf("BlocksNeeded(%d) = %d, want %d", c.tokens, got, c.want)
		}
	}
}

func TestAllocateAllOrNothing(t *testing.T) {
	bm := NewBlockManager(4, 16, false)

	if _, err := bm.Allocate(5); err != ErrOutOfMemory {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
	if bm.NumFree() != 4 {
		t.Errorf("Failed allocation must not reserve blocks, %d free", bm.NumFree())
	}

	ids, err := bm.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate(3) failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 blocks, got %d", len(ids))
	}
	if bm.NumFree() != 1 {
		t.Errorf("Expected 1 free block, got %d", bm.NumFree())
	}

	if _, err := bm.Allocate(2); err != ErrOutOfMemory {
		t.Errorf("Expected ErrOutOfMemory for overcommit, got %v", err)
	}
	if bm.NumFree() != 1 {
		t.Errorf("Expected 1 free block after failed allocation, got %d", bm.NumFree())
	}
}

func TestAllocateUniqueOwnership(t *testing.T) {
	bm := NewBlockManager(8, 16, false)

	a, err := bm.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	b, err := bm.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	seen := make(map[int]bool)
	for _, id := range append(append([]int{}, a...), b...) {
		if seen[id] {
			t.Errorf("Block %d allocated twice", id)
		}
		seen[id] = true
	}
}

func TestFreeReturnsBlocks(t *testing.T) {
	bm := NewBlockManager(4, 16, false)

	ids, err := bm.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if bm.NumFree() != 0 {
		t.Fatalf("Expected empty pool, %d free", bm.NumFree())
	}

	bm.Free(ids)
	if bm.NumFree() != 4 {
		t.Errorf("Expected 4 free blocks after Free, got %d", bm.NumFree())
	}

	if _, err := bm.Allocate(4); err != nil {
		t.Errorf("Pool should be reusable after Free: %v", err)
	}
}

func TestPrefixCacheHit(t *testing.T) {
	bm := NewBlockManager(8, 4, true)

	params, _ := NewSamplingParams()
	seq := NewSequence([]int{1, 2, 3, 4, 5, 6, 7, 8}, params)

	ids, err := bm.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	seq.BlockTable = append(seq.BlockTable, ids...)
	seq.NumComputed = 8
	bm.RegisterFull(seq, 0)
	bm.RegisterFull(seq, 1)

	// A second sequence with the same prefix shares both blocks.
	seq2 := NewSequence([]int{1, 2, 3, 4, 5, 6, 7, 8, 9}, params)
	matched := bm.MatchPrefix(seq2.TokenIDs)
	if len(matched) != 2 {
		t.Fatalf("Expected 2 matched blocks, got %d", len(matched))
	}
	if matched[0] != ids[0] || matched[1] != ids[1] {
		t.Errorf("Expected shared blocks %v, got %v", ids, matched)
	}

	// Shared blocks survive one owner's release.
	bm.Free(seq.BlockTable)
	if bm.NumFree() != 6 {
		t.Errorf("Shared blocks must stay allocated, %d free", bm.NumFree())
	}
	bm.Free(matched)
	if bm.NumFree() != 8 {
		t.Errorf("Expected full pool after both frees, %d free", bm.NumFree())
	}
}

func TestPrefixCacheRevivesFreedBlocks(t *testing.T) {
	bm := NewBlockManager(4, 4, true)

	params, _ := NewSamplingParams()
	seq := NewSequence([]int{1, 2, 3, 4}, params)
	ids, _ := bm.Allocate(1)
	seq.BlockTable = append(seq.BlockTable, ids...)
	seq.NumComputed = 4
	bm.RegisterFull(seq, 0)
	bm.Free(seq.BlockTable)

	matched := bm.MatchPrefix([]int{1, 2, 3, 4, 5})
	if len(matched) != 1 || matched[0] != ids[0] {
		t.Fatalf("Expected revival of block %d, got %v", ids[0], matched)
	}
	if bm.NumFree() != 3 {
		t.Errorf("Revived block must leave the free list, %d free", bm.NumFree())
	}
}

func TestPrefixCacheDisabled(t *testing.T) {
	bm := NewBlockManager(4, 4, false)

	if matched := bm.MatchPrefix([]int{1, 2, 3, 4}); matched != nil {
		t.Errorf("Expected no matches with prefix caching disabled, got %v", matched)
	}
}

func TestMatchPrefixRejectsHashCollisionMismatch(t *testing.T) {
	bm := NewBlockManager(4, 4, true)

	params, _ := NewSamplingParams()
	seq := NewSequence([]int{1, 2, 3, 4}, params)
	ids, _ := bm.Allocate(1)
	seq.BlockTable = append(seq.BlockTable, ids...)
	seq.NumComputed = 4
	bm.RegisterFull(seq, 0)

	if matched := bm.MatchPrefix([]int{9, 9, 9, 9}); len(matched) != 0 {
		t.Errorf("Different tokens must not match, got %v", matched)
	}
}
