package paxos_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/trusch/timelock/pkg/paxos"
	"github.com/trusch/timelock/pkg/paxos/mocks"
)

func newCluster(t *testing.T, n int) ([]*paxos.LocalAcceptor, []paxos.Acceptor) {
	t.Helper()
	locals := make([]*paxos.LocalAcceptor, n)
	acceptors := make([]paxos.Acceptor, n)
	for i := range locals {
		locals[i] = newAcceptor(t, newLog(t))
		acceptors[i] = locals[i]
	}
	return locals, acceptors
}

func fastOptions(owner string) []paxos.ProposerOption {
	return []paxos.ProposerOption{
		paxos.WithOwner(owner),
		paxos.WithRPCTimeout(time.Second),
		paxos.WithBackoff(time.Millisecond),
	}
}

// unavailable returns a mock acceptor that fails every call.
func unavailable(ctrl *gomock.Controller) *mocks.MockAcceptor {
	acc := mocks.NewMockAcceptor(ctrl)
	down := errors.New("connection refused")
	acc.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(paxos.Promise{}, down).AnyTimes()
	acc.EXPECT().Accept(gomock.Any(), gomock.Any()).Return(paxos.Response{}, down).AnyTimes()
	acc.EXPECT().LatestAccepted(gomock.Any()).Return(paxos.Acceptance{}, down).AnyTimes()
	acc.EXPECT().LatestSequencePreparedOrAccepted(gomock.Any()).Return(int64(0), down).AnyTimes()
	return acc
}

// hanging returns a mock acceptor whose calls only return once their context
// is done. done is signalled for every finished call.
func hanging(ctrl *gomock.Controller, done *sync.WaitGroup) *mocks.MockAcceptor {
	acc := mocks.NewMockAcceptor(ctrl)
	acc.EXPECT().Prepare(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req paxos.PrepareRequest) (paxos.Promise, error) {
			defer done.Done()
			<-ctx.Done()
			return paxos.Promise{}, ctx.Err()
		}).AnyTimes()
	acc.EXPECT().LatestAccepted(gomock.Any()).DoAndReturn(
		func(ctx context.Context) (paxos.Acceptance, error) {
			defer done.Done()
			<-ctx.Done()
			return paxos.Acceptance{}, ctx.Err()
		}).AnyTimes()
	return acc
}

func TestProposeChoosesCandidate(t *testing.T) {
	ctx := context.Background()
	_, acceptors := newCluster(t, 3)
	p := paxos.NewProposer(acceptors, fastOptions("a")...)
	if p.QuorumSize() != 2 {
		t.Fatalf("quorum of 3 = %d", p.QuorumSize())
	}

	candidate := paxos.NewValue("a", 0, []byte("hello"))
	chosen, err := p.Propose(ctx, 0, candidate)
	if err != nil {
		t.Fatal(err)
	}
	if !chosen.Equal(candidate) {
		t.Errorf("chosen %v, want %v", chosen, candidate)
	}

	latest, err := p.Observe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != 0 || !latest.Value.Equal(candidate) {
		t.Errorf("observed %+v", latest)
	}
}

func TestProposerOutbidsRejectingRound(t *testing.T) {
	locals, acceptors := newCluster(t, 3)
	blocker := paxos.NewProposalID(2, "x")
	for _, acc := range locals {
		prepare(t, acc, 0, blocker)
	}

	p := paxos.NewProposer(acceptors, fastOptions("y")...)
	candidate := paxos.NewValue("y", 0, nil)
	chosen, err := p.Propose(context.Background(), 0, candidate)
	if err != nil {
		t.Fatal(err)
	}
	if !chosen.Equal(candidate) {
		t.Errorf("chosen %v, want %v", chosen, candidate)
	}

	winner := paxos.NewProposalID(3, "y")
	got := prepare(t, locals[0], 0, paxos.NewProposalID(3, "a"))
	if got.Ack || !got.PromisedID.Equal(winner) {
		t.Errorf("got %+v, want rejection with %v", got, winner)
	}
}

func TestProposeKeepsPossiblyChosenValue(t *testing.T) {
	locals, acceptors := newCluster(t, 3)
	earlier := paxos.NewValue("x", 0, []byte("first"))
	earlierID := paxos.NewProposalID(1, "x")
	for _, acc := range locals[:2] {
		if !accept(t, acc, 0, earlierID, earlier) {
			t.Fatal("seeding accept failed")
		}
	}

	p := paxos.NewProposer(acceptors, fastOptions("y")...)
	chosen, err := p.Propose(context.Background(), 0, paxos.NewValue("y", 0, []byte("second")))
	if err != nil {
		t.Fatal(err)
	}
	if !chosen.Equal(earlier) {
		t.Errorf("chosen %v, want the earlier %v", chosen, earlier)
	}
}

func TestProposeToleratesMinorityFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, acceptors := newCluster(t, 2)
	acceptors = append(acceptors, unavailable(ctrl))

	p := paxos.NewProposer(acceptors, fastOptions("a")...)
	candidate := paxos.NewValue("a", 1, nil)
	chosen, err := p.Propose(context.Background(), 1, candidate)
	if err != nil {
		t.Fatal(err)
	}
	if !chosen.Equal(candidate) {
		t.Errorf("chosen %v, want %v", chosen, candidate)
	}
}

func TestProposeWithoutQuorum(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, acceptors := newCluster(t, 1)
	acceptors = append(acceptors, unavailable(ctrl), unavailable(ctrl))

	opts := append(fastOptions("a"), paxos.WithMaxAttempts(2))
	p := paxos.NewProposer(acceptors, opts...)
	_, err := p.Propose(context.Background(), 0, paxos.NewValue("a", 0, nil))
	if !errors.Is(err, paxos.ErrNoQuorum) {
		t.Errorf("got %v, want ErrNoQuorum", err)
	}
	if _, err := p.Observe(context.Background()); !errors.Is(err, paxos.ErrNoQuorum) {
		t.Errorf("observe: got %v, want ErrNoQuorum", err)
	}
}

func TestProposeStopsWithContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls sync.WaitGroup
	calls.Add(3)
	acceptors := []paxos.Acceptor{hanging(ctrl, &calls), hanging(ctrl, &calls), hanging(ctrl, &calls)}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := paxos.NewProposer(acceptors, paxos.WithRPCTimeout(time.Minute), paxos.WithMaxAttempts(5))
	_, err := p.Propose(ctx, 0, paxos.NewValue("a", 0, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	calls.Wait()
}

func TestObserveDoesNotWaitForStragglers(t *testing.T) {
	ctrl := gomock.NewController(t)
	locals, acceptors := newCluster(t, 2)
	v := paxos.NewValue("a", 4, nil)
	for _, acc := range locals {
		accept(t, acc, 4, lowID, v)
	}
	var calls sync.WaitGroup
	calls.Add(1)
	acceptors = append(acceptors, hanging(ctrl, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	p := paxos.NewProposer(acceptors, paxos.WithRPCTimeout(time.Minute))
	start := time.Now()
	latest, err := p.Observe(ctx)
	elapsed := time.Since(start)
	cancel()
	calls.Wait()

	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != 4 || !latest.Value.Equal(v) {
		t.Errorf("observed %+v", latest)
	}
	if elapsed > 10*time.Second {
		t.Errorf("observe waited %s for a hanging acceptor", elapsed)
	}
}

func TestConcurrentProposersAgree(t *testing.T) {
	_, acceptors := newCluster(t, 5)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		chosen []paxos.Value
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("proposer-%d", i)
			opts := append(fastOptions(owner), paxos.WithMaxAttempts(20))
			p := paxos.NewProposer(acceptors, opts...)
			v, err := p.Propose(context.Background(), 0, paxos.NewValue(owner, 0, nil))
			if err != nil {
				return
			}
			mu.Lock()
			chosen = append(chosen, v)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	late := paxos.NewProposer(acceptors, append(fastOptions("late"), paxos.WithMaxAttempts(20))...)
	final, err := late.Propose(context.Background(), 0, paxos.NewValue("late", 0, nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(chosen) > 0 && final.Owner == "late" {
		t.Errorf("late proposer replaced an already chosen value with its own")
	}
	for _, v := range chosen {
		if !v.Equal(final) {
			t.Errorf("proposers disagree: %v vs %v", v, final)
		}
	}
}
