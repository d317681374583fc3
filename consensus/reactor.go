package consensus

import (
	"time"

	"votechain/protocol"
)

const (
	// 单条回复消息（BLOCK_STATUS、RECV_CHAIN、REQ_CHAIN）的发送超时
	sendTimeout = 10 * time.Second

	rejectBroadcastTimeout = 10 * time.Second
)

// Reactor 把transport收到的节点消息转交给ConsensusState
type Reactor struct {
	consensus *ConsensusState
}

func NewReactor(cs *ConsensusState) *Reactor {
	return &Reactor{consensus: cs}
}

// Receive implements transport.Handler. It blocks until the consensus
// routine takes the message, so messages are handled in arrival order.
func (conR *Reactor) Receive(msg protocol.Message, from string) {
	cs := conR.consensus
	if !cs.IsRunning() {
		cs.Logger.Debug("consensus not running, drop message", "tag", msg.Tag(), "peer", from)
		return
	}

	switch msg.(type) {
	case *protocol.NewBlockMessage,
		*protocol.BlockStatusMessage,
		*protocol.BlockRejectMessage,
		*protocol.ReqChainMessage,
		*protocol.RecvChainMessage:
	default:
		cs.Logger.Error("unexpected message on peer port", "tag", msg.Tag(), "peer", from)
		return
	}

	select {
	case cs.peerMsgQueue <- msgInfo{Msg: msg, From: from}:
	case <-cs.Quit():
	}
}
