package types

import (
	"github.com/pkg/errors"
)

// Chain 本地保存的区块链
// Chain本身不加锁，由持有者（ConsensusState）保证互斥
type Chain struct {
	blocks []*Block
}

func NewChain() *Chain {
	return &Chain{blocks: make([]*Block, 0)}
}

func (c *Chain) Len() int {
	return len(c.blocks)
}

// Tip returns the last block, or nil for an empty chain.
func (c *Chain) Tip() *Block {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1]
}

// TipHash returns the hash a new block must link to.
func (c *Chain) TipHash() string {
	if tip := c.Tip(); tip != nil {
		return tip.Hash
	}
	return SentinelHash
}

// Append 只有prev_hash等于当前tip的hash时才追加
func (c *Chain) Append(b *Block) error {
	if b == nil {
		return errors.Wrap(ErrInvalidBlock, "nil block")
	}
	if tip := c.TipHash(); b.PrevHash != tip {
		return errors.Wrapf(ErrBrokenLink, "block %s prev %s, tip %s", b.ID, short(b.PrevHash), short(tip))
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// PopIfTail removes the last block only if its id matches.
func (c *Chain) PopIfTail(id string) bool {
	tip := c.Tip()
	if tip == nil || tip.ID != id {
		return false
	}
	c.blocks[len(c.blocks)-1] = nil
	c.blocks = c.blocks[:len(c.blocks)-1]
	return true
}

// Replace 用同步到的链替换本地链，本地链必须为空
func (c *Chain) Replace(blocks []*Block) error {
	if len(c.blocks) != 0 {
		return ErrChainNotEmpty
	}
	if err := ValidateLinks(blocks); err != nil {
		return err
	}
	c.blocks = make([]*Block, len(blocks))
	copy(c.blocks, blocks)
	return nil
}

// Blocks returns a copy of the block slice. The blocks themselves are shared.
func (c *Chain) Blocks() []*Block {
	out := make([]*Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Chain) Get(i int) *Block {
	if i < 0 || i >= len(c.blocks) {
		return nil
	}
	return c.blocks[i]
}

// ValidateLinks checks blocks[i].PrevHash == blocks[i-1].Hash and that the
// first block points at the sentinel.
func ValidateLinks(blocks []*Block) error {
	prev := SentinelHash
	for i, b := range blocks {
		if b == nil {
			return errors.Wrapf(ErrInvalidBlock, "nil block at %d", i)
		}
		if b.PrevHash != prev {
			return errors.Wrapf(ErrBrokenLink, "block %d (%s)", i, b.ID)
		}
		prev = b.Hash
	}
	return nil
}
