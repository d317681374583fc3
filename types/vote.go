package types

import (
	"time"

	"github.com/google/uuid"
)

// VoteRecord 区块携带的投票内容
type VoteRecord struct {
	VoterID   string `json:"user_id"`
	Vote      string `json:"vote"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Name      string `json:"name"`
}

// NewVoteRecord stamps a vote with the current time.
func NewVoteRecord(voterID, name, vote string) *VoteRecord {
	return &VoteRecord{
		VoterID:   voterID,
		Vote:      vote,
		Timestamp: time.Now().Unix(),
		Name:      name,
	}
}

// NewVoterID returns a random identifier for a voter that did not bring one.
func NewVoterID() string {
	return uuid.NewString()
}

func (v *VoteRecord) ValidateBasic() error {
	if v == nil {
		return ErrEmptyVote
	}
	if v.Vote == "" {
		return ErrEmptyVote
	}
	return nil
}

func (v *VoteRecord) Copy() *VoteRecord {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
