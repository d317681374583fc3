package rpc

import (
	rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"
)

// Routes binds the rpc methods to env.
func (env *Environment) Routes() map[string]*rpc.RPCFunc {
	return map[string]*rpc.RPCFunc{
		"status":  rpc.NewRPCFunc(env.Status, ""),
		"chain":   rpc.NewRPCFunc(env.Chain, ""),
		"tally":   rpc.NewRPCFunc(env.Tally, ""),
		"metrics": rpc.NewRPCFunc(env.JSONMetrics, "label"),
	}
}
