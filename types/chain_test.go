package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mineOn(prev string, vote string) *Block {
	b := NewBlock(newTestVote(vote), prev)
	b.Seal()
	return b
}

func requireLinked(t *testing.T, c *Chain) {
	t.Helper()
	require.NoError(t, ValidateLinks(c.Blocks()))
	blocks := c.Blocks()
	for i := 1; i < len(blocks); i++ {
		require.Equal(t, blocks[i-1].Hash, blocks[i].PrevHash)
	}
}

func TestChainAppend(t *testing.T) {
	c := NewChain()
	assert.Equal(t, SentinelHash, c.TipHash())
	assert.Nil(t, c.Tip())

	require.NoError(t, c.Append(NewGenesisBlock()))
	for _, v := range []string{"A", "B", "A"} {
		require.NoError(t, c.Append(mineOn(c.TipHash(), v)))
	}
	assert.Equal(t, 4, c.Len())
	requireLinked(t, c)

	// 不链接到tip的区块不能追加
	stale := mineOn(c.Get(1).Hash, "C")
	assert.ErrorIs(t, c.Append(stale), ErrBrokenLink)
	assert.Equal(t, 4, c.Len())
}

func TestChainPopIfTail(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Append(NewGenesisBlock()))
	b := mineOn(c.TipHash(), "A")
	require.NoError(t, c.Append(b))

	assert.False(t, c.PopIfTail("not-the-tail"))
	assert.Equal(t, 2, c.Len())

	assert.True(t, c.PopIfTail(b.ID))
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.PopIfTail(b.ID))
	requireLinked(t, c)

	// 回退后可以继续在原tip上追加
	require.NoError(t, c.Append(mineOn(c.TipHash(), "B")))
	requireLinked(t, c)
}

func TestChainCommitRejectSequence(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Append(NewGenesisBlock()))

	for i := 0; i < 6; i++ {
		b := mineOn(c.TipHash(), "A")
		require.NoError(t, c.Append(b))
		if i%2 == 1 {
			require.True(t, c.PopIfTail(b.ID))
		}
		requireLinked(t, c)
	}
	assert.Equal(t, 4, c.Len())
}

func TestChainReplace(t *testing.T) {
	src := NewChain()
	require.NoError(t, src.Append(NewGenesisBlock()))
	require.NoError(t, src.Append(mineOn(src.TipHash(), "A")))

	dst := NewChain()
	require.NoError(t, dst.Replace(src.Blocks()))
	assert.Equal(t, src.TipHash(), dst.TipHash())

	// 非空的链不接受替换
	assert.ErrorIs(t, dst.Replace(src.Blocks()), ErrChainNotEmpty)

	broken := src.Blocks()
	broken[0], broken[1] = broken[1], broken[0]
	assert.ErrorIs(t, NewChain().Replace(broken), ErrBrokenLink)
}

func TestChainBlocksIsCopy(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Append(NewGenesisBlock()))
	blocks := c.Blocks()
	blocks[0] = nil
	assert.NotNil(t, c.Tip())
}
