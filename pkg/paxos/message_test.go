package paxos

import (
	"encoding/json"
	"testing"
)

func TestProposalIDOrder(t *testing.T) {
	ids := []ProposalID{
		NewProposalID(1, "b"),
		NewProposalID(2, "a"),
		NewProposalID(2, "b"),
		NewProposalID(10, "a"),
	}
	for i := range ids {
		for j := range ids {
			if got, want := ids[i].Less(ids[j]), i < j; got != want {
				t.Errorf("%v < %v = %v, want %v", ids[i], ids[j], got, want)
			}
		}
	}
	if compareIDs(nil, &ids[0]) >= 0 || compareIDs(nil, nil) != 0 {
		t.Error("nil ids must sort lowest")
	}
}

func TestPromiseSurvivesTheWire(t *testing.T) {
	id := NewProposalID(4, "owner")
	for _, payload := range [][]byte{nil, {}, []byte("leader")} {
		v := NewValue("owner", 12, payload)
		sent := AcceptPromise(NewProposalID(5, "other"), &id, &v)
		bs, err := json.Marshal(sent)
		if err != nil {
			t.Fatal(err)
		}
		var received Promise
		if err := json.Unmarshal(bs, &received); err != nil {
			t.Fatal(err)
		}
		if !received.Equal(sent) {
			t.Errorf("payload %q: sent %+v, received %+v (%s)", payload, sent, received, bs)
		}
	}

	rejected := RejectPromise(id)
	bs, _ := json.Marshal(rejected)
	var received Promise
	if err := json.Unmarshal(bs, &received); err != nil {
		t.Fatal(err)
	}
	if !received.Equal(rejected) || received.LastAcceptedValue != nil {
		t.Errorf("rejection came back as %+v", received)
	}
}

func TestNilPayloadDiffersFromEmpty(t *testing.T) {
	if NewValue("a", 1, nil).Equal(NewValue("a", 1, []byte{})) {
		t.Error("nil and empty payloads compare equal")
	}
}

func TestSelectValuePrefersHighestAccepted(t *testing.T) {
	candidate := NewValue("me", 3, nil)
	older := NewValue("x", 3, []byte("older"))
	newer := NewValue("y", 3, []byte("newer"))
	promises := []Promise{
		AcceptPromise(NewProposalID(9, "me"), nil, nil),
		AcceptPromise(NewProposalID(9, "me"), idPtr(NewProposalID(2, "x")), &older),
		AcceptPromise(NewProposalID(9, "me"), idPtr(NewProposalID(2, "y")), &newer),
	}
	if got := selectValue(promises, candidate); !got.Equal(newer) {
		t.Errorf("got %v, want %v", got, newer)
	}
	if got := selectValue(promises[:1], candidate); !got.Equal(candidate) {
		t.Errorf("got %v, want the candidate", got)
	}
}

func TestMajority(t *testing.T) {
	ok := func(r reply) bool { return r.err == nil }
	decided := majority(5, ok)
	good := reply{}
	bad := reply{err: errSuperseded}

	if decided([]reply{good, good, bad, bad}) {
		t.Error("decided with two of five")
	}
	if !decided([]reply{good, good, good}) {
		t.Error("not decided with three of five")
	}
	if !decided([]reply{bad, bad, bad}) {
		t.Error("not decided although a quorum is out of reach")
	}
}
