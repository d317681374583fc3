package types

import "github.com/pkg/errors"

var (
	ErrBrokenLink    = errors.New("block does not link to chain tip")
	ErrChainNotEmpty = errors.New("chain is not empty")
	ErrInvalidBlock  = errors.New("invalid block")
	ErrEmptyVote     = errors.New("vote is empty")
)
