package fastgen

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block is a fixed-capacity slot of KV cache memory. Blocks carry no tensor
// content here; they are identity plus ownership bookkeeping. When prefix
// caching is enabled a full block also records the hash chain of the tokens
// written into it so identical prefixes can be shared.
type Block struct {
	ID       int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

func (b *Block) reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = b.TokenIDs[:0]
}

// BlockManager owns the fixed pool of KV cache blocks. Allocation is
// all-or-nothing and O(1) per block: the free list is a stack with an index
// map so specific blocks can be revived for prefix-cache hits without a scan.
// The manager is owned by the scheduler tick loop and is not safe for
// concurrent use.
type BlockManager struct {
	blockSize     int
	prefixCaching bool

	blocks []*Block

	// freeIDs is a stack; freeIdx maps block id to its position in the
	// stack so removal of a specific block is a swap with the tail.
	freeIDs []int
	freeIdx map[int]int

	hashToBlockID map[uint64]int
}

// NewBlockManager creates a pool of numBlocks blocks of blockSize tokens each.
func NewBlockManager(numBlocks, blockSize int, prefixCaching bool) *BlockManager {
	bm := &BlockManager{
		blockSize:     blockSize,
		prefixCaching: prefixCaching,
		blocks:        make([]*Block, numBlocks),
		freeIDs:       make([]int, numBlocks),
		freeIdx:       make(map[int]int, numBlocks),
		hashToBlockID: make(map[uint64]int),
	}
	for i := 0; i < numBlocks; i++ {
		bm.blocks[i] = &Block{ID: i}
		bm.freeIDs[i] = i
		bm.freeIdx[i] = i
	}
	return bm
}

// NumBlocks returns the total pool size.
func (bm *BlockManager) NumBlocks() int { return len(bm.blocks) }

// NumFree returns the number of free blocks.
func (bm *BlockManager) NumFree() int { return len(bm.freeIDs) }

// BlockSize returns the token capacity of a block.
func (bm *BlockManager) BlockSize() int { return bm.blockSize }

// BlocksNeeded returns the number of blocks required to hold numTokens.
func (bm *BlockManager) BlocksNeeded(numTokens int) int {
	return (numTokens + bm.blockSize - 1) / bm.blockSize
}

// CanAllocate reports whether n blocks can be allocated right now.
func (bm *BlockManager) CanAllocate(n int) bool {
	return n <= len(bm.freeIDs)
}

// Allocate reserves n blocks. It is all-or-nothing: if fewer than n blocks
// are free, it returns ErrOutOfMemory and reserves nothing, so the composer
// can probe capacity before committing a sequence to a batch.
func (bm *BlockManager) Allocate(n int) ([]int, error) {
	if n > len(bm.freeIDs) {
		return nil, ErrOutOfMemory
	}
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, bm.popFree())
	}
	return ids, nil
}

// Free returns blocks to the pool. It never fails. A freed block keeps its
// prefix-cache hash so it can be revived on a later cache hit until it is
// reused for fresh content.
func (bm *BlockManager) Free(ids []int) {
	// Release in reverse table order so tail blocks of a shared prefix
	// chain drop before their parents.
	for i := len(ids) - 1; i >= 0; i-- {
		b := bm.blocks[ids[i]]
		if b.RefCount <= 0 {
			panic("fastgen: double free of KV cache block")
		}
		b.RefCount--
		if b.RefCount == 0 {
			bm.pushFree(b.ID)
		}
	}
}

func (bm *BlockManager) popFree() int {
	id := bm.freeIDs[len(bm.freeIDs)-1]
	bm.freeIDs = bm.freeIDs[:len(bm.freeIDs)-1]
	delete(bm.freeIdx, id)

	b := bm.blocks[id]
	if bm.prefixCaching && b.Hash != 0 {
		// Fresh content is about to overwrite this block.
		if cached, ok := bm.hashToBlockID[b.Hash]; ok && cached == id {
			delete(bm.hashToBlockID, b.Hash)
		}
	}
	b.reset()
	return id
}

func (bm *BlockManager) pushFree(id int) {
	bm.freeIdx[id] = len(bm.freeIDs)
	bm.freeIDs = append(bm.freeIDs, id)
}

// takeSpecific removes a known-free block from the free list, for reviving a
// cached block on a prefix hit.
func (bm *BlockManager) takeSpecific(id int) {
	pos, ok := bm.freeIdx[id]
	if !ok {
		panic("fastgen: block not on free list")
	}
	last := len(bm.freeIDs) - 1
	moved := bm.freeIDs[last]
	bm.freeIDs[pos] = moved
	bm.freeIdx[moved] = pos
	bm.freeIDs = bm.freeIDs[:last]
	delete(bm.freeIdx, id)
	bm.blocks[id].RefCount = 1
}

// computeHash hashes a full block of token ids chained onto the hash of the
// preceding block, so equal hashes imply equal token prefixes.
func (bm *BlockManager) computeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(id))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

// MatchPrefix looks up cached blocks covering the longest full-block prefix
// of tokenIDs, revives or shares them, and returns their ids. Returns nil
// when prefix caching is disabled or nothing matches.
func (bm *BlockManager) MatchPrefix(tokenIDs []int) []int {
	if !bm.prefixCaching {
		return nil
	}
	var matched []int
	var h uint64
	for start := 0; start+bm.blockSize <= len(tokenIDs); start += bm.blockSize {
		chunk := tokenIDs[start : start+bm.blockSize]
		h = bm.computeHash(chunk, h)
		id, ok := bm.hashToBlockID[h]
		if !ok || !tokensEqual(bm.blocks[id].TokenIDs, chunk) {
			break
		}
		b := bm.blocks[id]
		if b.RefCount > 0 {
			b.RefCount++
		} else {
			bm.takeSpecific(id)
		}
		matched = append(matched, id)
	}
	return matched
}

// RegisterFull records the hash of a block that just became full, keyed on
// the chain of hashes of the blocks before it in the sequence's table.
func (bm *BlockManager) RegisterFull(seq *Sequence, blockIdx int) {
	if !bm.prefixCaching {
		return
	}
	tokens := seq.blockTokens(blockIdx, bm.blockSize)
	if len(tokens) != bm.blockSize {
		return
	}
	var prefixHash uint64
	if blockIdx > 0 {
		prefixHash = bm.blocks[seq.BlockTable[blockIdx-1]].Hash
	}
	b := bm.blocks[seq.BlockTable[blockIdx]]
	b.Hash = bm.computeHash(tokens, prefixHash)
	b.TokenIDs = append(b.TokenIDs[:0], tokens...)
	bm.hashToBlockID[b.Hash] = b.ID
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
