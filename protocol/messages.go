package protocol

import (
	"fmt"

	"github.com/pkg/errors"

	"votechain/types"
)

type Tag string

// peer <-> peer
const (
	TagReqChain    Tag = "REQ_CHAIN"
	TagRecvChain   Tag = "RECV_CHAIN"
	TagNewBlock    Tag = "NEW_BLOCK"
	TagBlockStatus Tag = "BLOCK_STATUS"
	TagBlockReject Tag = "BLOCK_REJECT"
)

// peer <-> tracker
const (
	TagJoinNetwork  Tag = "JOIN_NETWORK"
	TagLeaveNetwork Tag = "LEAVE_NETWORK"
	TagListPeers    Tag = "LIST_PEERS"
)

// client <-> peer
const (
	TagCastVote           Tag = "CAST_VOTE"
	TagTallyVote          Tag = "TALLY_VOTE"
	TagTransactionStatus  Tag = "TRANSACTION_STATUS"
	TagReturnedBlockchain Tag = "RETURNED_BLOCKCHAIN"
	TagAppLeaveNetwork    Tag = "APP_LEAVE_NETWORK"
)

// Message is the closed set of protocol messages. Only types in this
// package implement it.
type Message interface {
	Tag() Tag
	ValidateBasic() error

	// args are the array elements after the tag
	args() []interface{}
}

// PeerMessage is a peer to peer message carrying the sender's listen address.
type PeerMessage interface {
	Message
	Sender() string
	SetSender(addr string)
}

// sender 节点之间的消息最后一个元素是发送者的监听地址
type sender struct {
	From string
}

func (s *sender) Sender() string        { return s.From }
func (s *sender) SetSender(addr string) { s.From = addr }

func (s *sender) withFrom(args ...interface{}) []interface{} {
	if s.From != "" {
		args = append(args, s.From)
	}
	return args
}

//------------------------------------------------------------
// peer <-> peer

type ReqChainMessage struct {
	sender
}

func (m *ReqChainMessage) Tag() Tag             { return TagReqChain }
func (m *ReqChainMessage) ValidateBasic() error { return nil }
func (m *ReqChainMessage) args() []interface{}  { return m.withFrom() }
func (m *ReqChainMessage) String() string       { return fmt.Sprintf("[ReqChain from:%s]", m.From) }

type RecvChainMessage struct {
	Blocks []*types.Block
	sender
}

func (m *RecvChainMessage) Tag() Tag { return TagRecvChain }

func (m *RecvChainMessage) ValidateBasic() error {
	for i, b := range m.Blocks {
		if err := b.ValidateBasic(); err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
	}
	return nil
}

func (m *RecvChainMessage) args() []interface{} { return m.withFrom(blockList(m.Blocks)) }
func (m *RecvChainMessage) String() string {
	return fmt.Sprintf("[RecvChain len:%d from:%s]", len(m.Blocks), m.From)
}

type NewBlockMessage struct {
	Block *types.Block
	sender
}

func (m *NewBlockMessage) Tag() Tag             { return TagNewBlock }
func (m *NewBlockMessage) ValidateBasic() error { return m.Block.ValidateBasic() }
func (m *NewBlockMessage) args() []interface{}  { return m.withFrom(m.Block) }
func (m *NewBlockMessage) String() string {
	return fmt.Sprintf("[NewBlock %v from:%s]", m.Block, m.From)
}

type BlockStatusMessage struct {
	BlockID  string
	Accepted bool
	sender
}

func (m *BlockStatusMessage) Tag() Tag { return TagBlockStatus }

func (m *BlockStatusMessage) ValidateBasic() error {
	if m.BlockID == "" {
		return errors.Wrap(ErrMalformedMessage, "empty block id")
	}
	return nil
}

func (m *BlockStatusMessage) args() []interface{} { return m.withFrom(m.BlockID, m.Accepted) }
func (m *BlockStatusMessage) String() string {
	return fmt.Sprintf("[BlockStatus %s accepted:%v from:%s]", m.BlockID, m.Accepted, m.From)
}

type BlockRejectMessage struct {
	BlockID string
	sender
}

func (m *BlockRejectMessage) Tag() Tag { return TagBlockReject }

func (m *BlockRejectMessage) ValidateBasic() error {
	if m.BlockID == "" {
		return errors.Wrap(ErrMalformedMessage, "empty block id")
	}
	return nil
}

func (m *BlockRejectMessage) args() []interface{} { return m.withFrom(m.BlockID) }
func (m *BlockRejectMessage) String() string {
	return fmt.Sprintf("[BlockReject %s from:%s]", m.BlockID, m.From)
}

//------------------------------------------------------------
// peer <-> tracker

type JoinNetworkMessage struct {
	Addr string
}

func (m *JoinNetworkMessage) Tag() Tag             { return TagJoinNetwork }
func (m *JoinNetworkMessage) ValidateBasic() error { return validateAddr(m.Addr) }
func (m *JoinNetworkMessage) args() []interface{}  { return []interface{}{m.Addr} }

type LeaveNetworkMessage struct {
	Addr string
}

func (m *LeaveNetworkMessage) Tag() Tag             { return TagLeaveNetwork }
func (m *LeaveNetworkMessage) ValidateBasic() error { return validateAddr(m.Addr) }
func (m *LeaveNetworkMessage) args() []interface{}  { return []interface{}{m.Addr} }

type ListPeersMessage struct {
	Addr string
}

func (m *ListPeersMessage) Tag() Tag             { return TagListPeers }
func (m *ListPeersMessage) ValidateBasic() error { return validateAddr(m.Addr) }
func (m *ListPeersMessage) args() []interface{}  { return []interface{}{m.Addr} }

//------------------------------------------------------------
// client <-> peer

type CastVoteMessage struct {
	Vote   *types.VoteRecord
	Attack bool
}

func (m *CastVoteMessage) Tag() Tag             { return TagCastVote }
func (m *CastVoteMessage) ValidateBasic() error { return m.Vote.ValidateBasic() }
func (m *CastVoteMessage) args() []interface{}  { return []interface{}{m.Vote, m.Attack} }

type TallyVoteMessage struct{}

func (m *TallyVoteMessage) Tag() Tag             { return TagTallyVote }
func (m *TallyVoteMessage) ValidateBasic() error { return nil }
func (m *TallyVoteMessage) args() []interface{}  { return nil }

type TransactionStatusMessage struct {
	Committed bool
}

func (m *TransactionStatusMessage) Tag() Tag             { return TagTransactionStatus }
func (m *TransactionStatusMessage) ValidateBasic() error { return nil }
func (m *TransactionStatusMessage) args() []interface{}  { return []interface{}{m.Committed} }

type ReturnedBlockchainMessage struct {
	Blocks []*types.Block
}

func (m *ReturnedBlockchainMessage) Tag() Tag             { return TagReturnedBlockchain }
func (m *ReturnedBlockchainMessage) ValidateBasic() error { return nil }
func (m *ReturnedBlockchainMessage) args() []interface{}  { return []interface{}{blockList(m.Blocks)} }

type AppLeaveNetworkMessage struct{}

func (m *AppLeaveNetworkMessage) Tag() Tag             { return TagAppLeaveNetwork }
func (m *AppLeaveNetworkMessage) ValidateBasic() error { return nil }
func (m *AppLeaveNetworkMessage) args() []interface{}  { return nil }

//------------------------------------------------------------

// blockList 空链编码成[]而不是null
func blockList(blocks []*types.Block) []*types.Block {
	if blocks == nil {
		return []*types.Block{}
	}
	return blocks
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.Wrap(ErrMalformedMessage, "empty address")
	}
	return nil
}
