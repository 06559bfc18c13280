package paxos

import (
	"fmt"
	"strings"
)

// ProposalID totally orders competing proposals. Rounds are compared first,
// the owner token breaks ties.
type ProposalID struct {
	Round uint64 `json:"round"`
	Owner string `json:"owner"`
}

func NewProposalID(round uint64, owner string) ProposalID {
	return ProposalID{Round: round, Owner: owner}
}

// Compare returns -1, 0 or 1 if id is less than, equal to or greater than other.
func (id ProposalID) Compare(other ProposalID) int {
	switch {
	case id.Round < other.Round:
		return -1
	case id.Round > other.Round:
		return 1
	}
	return strings.Compare(id.Owner, other.Owner)
}

func (id ProposalID) Less(other ProposalID) bool {
	return id.Compare(other) < 0
}

func (id ProposalID) Equal(other ProposalID) bool {
	return id.Compare(other) == 0
}

func (id ProposalID) String() string {
	return fmt.Sprintf("(round=%d, owner=%s)", id.Round, id.Owner)
}

// compareIDs orders optional ids, nil sorts below everything.
func compareIDs(a, b *ProposalID) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func idPtr(id ProposalID) *ProposalID {
	return &id
}
