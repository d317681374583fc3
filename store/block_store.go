package store

import (
	"bytes"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"

	"votechain/types"
)

const (
	tableBlock = "block:"
	keyLength  = "chain:length"
)

// 支持的存储后端
const (
	MemDBBackend     = "memdb"
	GoLevelDBBackend = "goleveldb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewBlockStore opens (or creates) the block database under dir.
// backend is MemDBBackend or GoLevelDBBackend.
func NewBlockStore(name, backend, dir string, logger log.Logger) (*BlockStore, error) {
	var db tmdb.DB
	switch backend {
	case MemDBBackend:
		db = memdb.NewDB()
	case GoLevelDBBackend:
		levelDB, err := leveldb.NewDB(name, dir)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s db %s", backend, name)
		}
		db = levelDB
	default:
		return nil, errors.Errorf("unknown db backend %q", backend)
	}
	return NewBlockStoreWithDB(db, logger), nil
}

func NewBlockStoreWithDB(db tmdb.DB, logger log.Logger) *BlockStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BlockStore{db: db, logger: logger}
}

// BlockStore 按高度保存本地链
// block:{height} -> block json
// chain:length   -> 链长度
type BlockStore struct {
	db     tmdb.DB
	logger log.Logger
}

// SaveBlock writes the block at height and moves the chain length past it.
func (bs *BlockStore) SaveBlock(height int64, block *types.Block) error {
	bz, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshal block")
	}

	batch := bs.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(genKey(tableBlock, height), bz); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyLength), int2byte(height+1)); err != nil {
		return err
	}
	return batch.WriteSync()
}

// DeleteBlock removes the tail block at height.
func (bs *BlockStore) DeleteBlock(height int64) error {
	batch := bs.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(genKey(tableBlock, height)); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyLength), int2byte(height)); err != nil {
		return err
	}
	return batch.WriteSync()
}

// SaveChain replaces whatever is stored with blocks.
func (bs *BlockStore) SaveChain(blocks []*types.Block) error {
	old, err := bs.Length()
	if err != nil {
		return err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()
	for h := int64(len(blocks)); h < old; h++ {
		if err := batch.Delete(genKey(tableBlock, h)); err != nil {
			return err
		}
	}
	for h, b := range blocks {
		bz, err := json.Marshal(b)
		if err != nil {
			return errors.Wrapf(err, "marshal block %d", h)
		}
		if err := batch.Set(genKey(tableBlock, int64(h)), bz); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyLength), int2byte(int64(len(blocks)))); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (bs *BlockStore) Length() (int64, error) {
	bz, err := bs.db.Get([]byte(keyLength))
	if err != nil {
		return 0, err
	}
	if bz == nil {
		return 0, nil
	}
	return byte2int(bz)
}

func (bs *BlockStore) LoadBlock(height int64) (*types.Block, error) {
	bz, err := bs.db.Get(genKey(tableBlock, height))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.Errorf("no block at height %d", height)
	}
	b := new(types.Block)
	if err := json.Unmarshal(bz, b); err != nil {
		return nil, errors.Wrapf(err, "unmarshal block %d", height)
	}
	return b, nil
}

// LoadChain reads the whole stored chain and checks its links.
func (bs *BlockStore) LoadChain() ([]*types.Block, error) {
	length, err := bs.Length()
	if err != nil {
		return nil, err
	}
	blocks := make([]*types.Block, 0, length)
	for h := int64(0); h < length; h++ {
		b, err := bs.LoadBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := types.ValidateLinks(blocks); err != nil {
		return nil, errors.Wrap(err, "stored chain")
	}
	bs.logger.Debug("loaded chain", "len", length)
	return blocks, nil
}

func (bs *BlockStore) GetDB() tmdb.DB {
	return bs.db
}

func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func genKey(table string, height int64) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.WriteString(fmt.Sprintf("%016d", height))
	return buffer.Bytes()
}

func byte2int(src []byte) (int64, error) {
	v, err := strconv.ParseInt(string(src), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt integer %q", src)
	}
	return v, nil
}

func int2byte(src int64) []byte {
	return []byte(strconv.FormatInt(src, 10))
}
