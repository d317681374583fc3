package types

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

const (
	// Difficulty 区块hash需要的前导0个数（hex）
	Difficulty = 3

	// 每挖这么多次检查一次ctx
	mineCheckInterval = 4096

	attackTag = "ATTACK"
)

var (
	// SentinelHash 创世块的prev_hash
	SentinelHash = strings.Repeat("0", tmhash.Size*2)

	difficultyPrefix = strings.Repeat("0", Difficulty)

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Block 链上的基本单位
// 挖矿完成以后除了从链上被移除，不再修改
type Block struct {
	ID       string      `json:"id"`
	Nonce    int64       `json:"nonce"`
	PrevHash string      `json:"prev_hash"`
	Data     *VoteRecord `json:"data"`
	Hash     string      `json:"hash"`
}

// NewBlock returns an unsealed block linked to prevHash with a random nonce seed.
func NewBlock(data *VoteRecord, prevHash string) *Block {
	if prevHash == "" {
		prevHash = SentinelHash
	}
	return &Block{
		ID:       uuid.NewString(),
		Nonce:    tmrand.Int63n(math.MaxUint32 + 1),
		PrevHash: prevHash,
		Data:     data,
	}
}

// NewGenesisBlock 生成并挖好创世块
func NewGenesisBlock() *Block {
	b := NewBlock(nil, SentinelHash)
	b.Seal()
	return b
}

// ComputeHash hashes id, prev_hash, data and nonce. It does not touch b.Hash.
func (b *Block) ComputeHash() string {
	return hashHex(b.ID + b.PrevHash + b.dataText() + strconv.FormatInt(b.Nonce, 10))
}

// Mine increments the nonce until the hash meets the difficulty target.
func (b *Block) Mine(ctx context.Context) error {
	for i := 1; ; i++ {
		b.Nonce++
		h := b.ComputeHash()
		if meetsDifficulty(h) {
			b.Hash = h
			return nil
		}
		if i%mineCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "mining aborted")
			default:
			}
		}
	}
}

// Seal mines without a deadline.
func (b *Block) Seal() {
	_ = b.Mine(context.Background())
}

// IsValid 不修改区块，只检查hash是否存在、可复算、满足难度
func (b *Block) IsValid() bool {
	if b == nil || b.Hash == "" {
		return false
	}
	return b.Hash == b.ComputeHash() && meetsDifficulty(b.Hash)
}

// TamperedPrevHash 返回带ATTACK标记的hash，不修改区块
// 用它替换prev_hash后接收方校验一定失败
func (b *Block) TamperedPrevHash() string {
	return hashHex(attackTag + b.ID + b.PrevHash + b.dataText() + strconv.FormatInt(b.Nonce, 10))
}

// ValidateBasic checks the fields every block on the wire must carry.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.Wrap(ErrInvalidBlock, "nil block")
	}
	if b.ID == "" {
		return errors.Wrap(ErrInvalidBlock, "missing id")
	}
	if len(b.PrevHash) != len(SentinelHash) {
		return errors.Wrapf(ErrInvalidBlock, "bad prev_hash %q", b.PrevHash)
	}
	if b.Hash == "" {
		return errors.Wrap(ErrInvalidBlock, "block is not sealed")
	}
	return nil
}

func (b *Block) IsGenesis() bool {
	return b.PrevHash == SentinelHash && b.Data == nil
}

func (b *Block) Copy() *Block {
	cp := *b
	cp.Data = b.Data.Copy()
	return &cp
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{%s prev:%s hash:%s nonce:%d}", b.ID, short(b.PrevHash), short(b.Hash), b.Nonce)
}

// dataText vote的确定性文本形式，创世块为空串
func (b *Block) dataText() string {
	if b.Data == nil {
		return ""
	}
	s, err := json.MarshalToString(b.Data)
	if err != nil {
		panic(err)
	}
	return s
}

func hashHex(s string) string {
	return hex.EncodeToString(tmhash.Sum([]byte(s)))
}

func meetsDifficulty(h string) bool {
	return strings.HasPrefix(h, difficultyPrefix)
}

func short(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
