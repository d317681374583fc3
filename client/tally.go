package client

import (
	"fmt"
	"strings"

	"votechain/types"
)

type Count struct {
	Vote  string `json:"vote"`
	Votes int    `json:"votes"`
}

// Result 计票结果，Counts按第一次出现的顺序排列
type Result struct {
	Counts  []Count  `json:"counts"`
	Leaders []string `json:"leaders"`
	Tied    bool     `json:"tied"`
}

// Tally counts data.vote over every block that carries a vote.
func Tally(blocks []*types.Block) Result {
	var res Result
	index := make(map[string]int)
	for _, b := range blocks {
		if b == nil || b.Data == nil {
			continue
		}
		i, ok := index[b.Data.Vote]
		if !ok {
			i = len(res.Counts)
			index[b.Data.Vote] = i
			res.Counts = append(res.Counts, Count{Vote: b.Data.Vote})
		}
		res.Counts[i].Votes++
	}

	top := 0
	for _, c := range res.Counts {
		if c.Votes > top {
			top = c.Votes
		}
	}
	for _, c := range res.Counts {
		if top > 0 && c.Votes == top {
			res.Leaders = append(res.Leaders, c.Vote)
		}
	}
	res.Tied = len(res.Leaders) > 1
	return res
}

func (r Result) Empty() bool {
	return len(r.Counts) == 0
}

func (r Result) String() string {
	if r.Empty() {
		return "No one has cast a vote yet."
	}
	var sb strings.Builder
	for _, c := range r.Counts {
		unit := "votes"
		if c.Votes == 1 {
			unit = "vote"
		}
		fmt.Fprintf(&sb, "%s has %d %s\n", c.Vote, c.Votes, unit)
	}
	if r.Tied {
		fmt.Fprintf(&sb, "%s are tied", strings.Join(r.Leaders, ", "))
	} else {
		fmt.Fprintf(&sb, "%s is in the lead", r.Leaders[0])
	}
	return sb.String()
}
