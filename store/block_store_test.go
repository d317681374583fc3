package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"votechain/types"
)

func makeChain(t *testing.T, n int) []*types.Block {
	t.Helper()
	blocks := []*types.Block{types.NewGenesisBlock()}
	for i := 1; i < n; i++ {
		b := types.NewBlock(types.NewVoteRecord(types.NewVoterID(), "tom", "A"), blocks[i-1].Hash)
		b.Seal()
		blocks = append(blocks, b)
	}
	return blocks
}

func TestUtils(t *testing.T) {
	v, err := byte2int(int2byte(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
	assert.Equal(t, "block:0000000000000007", string(genKey(tableBlock, 7)))

	_, err = byte2int([]byte("ten"))
	assert.Error(t, err)
}

func TestBlockStoreSaveAndDelete(t *testing.T) {
	bs := NewBlockStoreWithDB(memdb.NewDB(), log.TestingLogger())
	defer bs.Close()

	blocks := makeChain(t, 3)
	for h, b := range blocks {
		require.NoError(t, bs.SaveBlock(int64(h), b))
	}

	length, err := bs.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	loaded, err := bs.LoadChain()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i := range blocks {
		assert.Equal(t, blocks[i].Hash, loaded[i].Hash)
		assert.True(t, loaded[i].IsValid())
	}
	assert.Equal(t, "A", loaded[2].Data.Vote)

	require.NoError(t, bs.DeleteBlock(2))
	loaded, err = bs.LoadChain()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	_, err = bs.LoadBlock(2)
	assert.Error(t, err)
}

func TestBlockStoreSaveChainShrinks(t *testing.T) {
	bs := NewBlockStoreWithDB(memdb.NewDB(), nil)

	require.NoError(t, bs.SaveChain(makeChain(t, 4)))
	replacement := makeChain(t, 2)
	require.NoError(t, bs.SaveChain(replacement))

	loaded, err := bs.LoadChain()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, replacement[1].Hash, loaded[1].Hash)

	has, err := bs.GetDB().Has(genKey(tableBlock, 3))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBlockStoreEmpty(t *testing.T) {
	bs := NewBlockStoreWithDB(memdb.NewDB(), nil)
	loaded, err := bs.LoadChain()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestBlockStoreRejectsBrokenChain(t *testing.T) {
	bs := NewBlockStoreWithDB(memdb.NewDB(), nil)
	blocks := makeChain(t, 3)
	require.NoError(t, bs.SaveBlock(0, blocks[0]))
	require.NoError(t, bs.SaveBlock(1, blocks[2]))

	_, err := bs.LoadChain()
	assert.ErrorIs(t, err, types.ErrBrokenLink)
}

func TestNewBlockStoreBackends(t *testing.T) {
	bs, err := NewBlockStore("blockstore", MemDBBackend, "", nil)
	require.NoError(t, err)
	require.NoError(t, bs.SaveChain(makeChain(t, 2)))
	length, err := bs.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
	require.NoError(t, bs.Close())

	_, err = NewBlockStore("blockstore", "rocksdb", "", nil)
	assert.Error(t, err)
}

func TestBlockStoreGoLevelDB(t *testing.T) {
	dir, err := os.MkdirTemp("", "votechain-store")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	bs, err := NewBlockStore("blockstore", GoLevelDBBackend, dir, log.TestingLogger())
	require.NoError(t, err)
	blocks := makeChain(t, 2)
	require.NoError(t, bs.SaveChain(blocks))
	require.NoError(t, bs.Close())

	// 重新打开后链仍在
	bs, err = NewBlockStore("blockstore", GoLevelDBBackend, dir, log.TestingLogger())
	require.NoError(t, err)
	defer bs.Close()
	loaded, err := bs.LoadChain()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, blocks[1].Hash, loaded[1].Hash)
}
