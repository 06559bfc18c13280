package paxos

// PrepareRequest asks an acceptor to promise not to accept anything below ID
// for the given instance.
type PrepareRequest struct {
	Sequence   int64      `json:"sequence"`
	ProposalID ProposalID `json:"proposalId"`
}

// Proposal pairs a value with the id it is proposed under.
type Proposal struct {
	ID    ProposalID `json:"id"`
	Value Value      `json:"value"`
}

type AcceptRequest struct {
	Sequence int64    `json:"sequence"`
	Proposal Proposal `json:"proposal"`
}

// Promise is the answer to a PrepareRequest. A rejection only carries the
// id the acceptor is already bound to.
type Promise struct {
	Ack               bool        `json:"ack"`
	PromisedID        ProposalID  `json:"promisedId"`
	LastAcceptedID    *ProposalID `json:"lastAcceptedId,omitempty"`
	LastAcceptedValue *Value      `json:"lastAcceptedValue,omitempty"`
}

func AcceptPromise(promised ProposalID, lastAcceptedID *ProposalID, lastAcceptedValue *Value) Promise {
	return Promise{
		Ack:               true,
		PromisedID:        promised,
		LastAcceptedID:    lastAcceptedID,
		LastAcceptedValue: lastAcceptedValue,
	}
}

func RejectPromise(promised ProposalID) Promise {
	return Promise{PromisedID: promised}
}

func (p Promise) Equal(other Promise) bool {
	if p.Ack != other.Ack || !p.PromisedID.Equal(other.PromisedID) {
		return false
	}
	if compareIDs(p.LastAcceptedID, other.LastAcceptedID) != 0 {
		return false
	}
	switch {
	case p.LastAcceptedValue == nil && other.LastAcceptedValue == nil:
		return true
	case p.LastAcceptedValue == nil || other.LastAcceptedValue == nil:
		return false
	}
	return p.LastAcceptedValue.Equal(*other.LastAcceptedValue)
}

// Response is the answer to an AcceptRequest.
type Response struct {
	Successful bool `json:"successful"`
}

// AcceptorState is the durable per-instance state of an acceptor.
// LastAcceptedID, when set, is never above LastPromisedID.
type AcceptorState struct {
	LastPromisedID    *ProposalID `json:"lastPromisedId,omitempty"`
	LastAcceptedID    *ProposalID `json:"lastAcceptedId,omitempty"`
	LastAcceptedValue *Value      `json:"lastAcceptedValue,omitempty"`
}

func NewPromisedState(id ProposalID) AcceptorState {
	return AcceptorState{LastPromisedID: idPtr(id)}
}

func (s AcceptorState) withPromise(id ProposalID) AcceptorState {
	s.LastPromisedID = idPtr(id)
	return s
}

func (s AcceptorState) withAccepted(id ProposalID, v Value) AcceptorState {
	s.LastPromisedID = idPtr(id)
	s.LastAcceptedID = idPtr(id)
	s.LastAcceptedValue = valuePtr(v)
	return s
}

// Acceptance describes the most recent accepted value an acceptor knows of.
// Sequence is NoSequence when nothing was ever accepted.
type Acceptance struct {
	Sequence int64       `json:"sequence"`
	ID       *ProposalID `json:"id,omitempty"`
	Value    *Value      `json:"value,omitempty"`
}

// NoSequence marks the absence of any instance.
const NoSequence int64 = -1
