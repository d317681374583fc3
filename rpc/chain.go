package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"votechain/client"
	"votechain/types"
)

type ResultStatus struct {
	Moniker        string `json:"moniker"`
	PeerAddress    string `json:"peer_address"`
	GatewayAddress string `json:"gateway_address"`
	ChainLength    int    `json:"chain_length"`
	TipHash        string `json:"tip_hash"`
	Synced         bool   `json:"synced"`
}

type ResultChain struct {
	Length int            `json:"length"`
	Blocks []*types.Block `json:"blocks"`
}

func (env *Environment) Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	synced := false
	select {
	case <-env.Consensus.Synced():
		synced = true
	default:
	}

	status := &ResultStatus{
		Moniker:     env.Moniker,
		ChainLength: env.Consensus.ChainLength(),
		TipHash:     env.Consensus.TipHash(),
		Synced:      synced,
	}
	if env.Addrs != nil {
		status.PeerAddress = env.Addrs.PeerAddress()
		status.GatewayAddress = env.Addrs.GatewayAddress()
	}
	return status, nil
}

// Chain returns the whole local chain.
func (env *Environment) Chain(ctx *rpctypes.Context) (*ResultChain, error) {
	blocks := env.Consensus.Blocks()
	return &ResultChain{Length: len(blocks), Blocks: blocks}, nil
}

// Tally counts the votes on the local chain.
func (env *Environment) Tally(ctx *rpctypes.Context) (*client.Result, error) {
	res := client.Tally(env.Consensus.Blocks())
	return &res, nil
}
