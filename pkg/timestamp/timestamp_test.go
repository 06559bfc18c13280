package timestamp

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"

	"github.com/trusch/timelock/pkg/bound"
	"github.com/trusch/timelock/pkg/leader"
)

type fakeLeadership struct {
	mu        sync.Mutex
	leading   bool
	abdicated int
}

func (l *fakeLeadership) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leading
}

func (l *fakeLeadership) Abdicate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leading = false
	l.abdicated++
}

func newService(cell bound.Cell, owner string, opts ...Option) (*Service, *fakeLeadership) {
	leadership := &fakeLeadership{leading: true}
	opts = append([]Option{WithBufferSize(100), WithMaxGrantSize(50)}, opts...)
	return New(bound.NewStore(cell, owner), leadership, opts...), leadership
}

func TestTimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	cell := bound.NewMemoryCell()
	svc, _ := newService(cell, "a")

	var last int64
	for i := 0; i < 500; i++ {
		ts, err := svc.GetFreshTimestamp(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ts <= last {
			t.Fatalf("timestamp %d after %d", ts, last)
		}
		last = ts
	}
	if last <= bound.InitialUpperLimit {
		t.Errorf("first term started at or below the initial limit: %d", last)
	}
	limit, _ := svc.UpperLimit(ctx)
	if limit < last {
		t.Errorf("stored limit %d below issued timestamp %d", limit, last)
	}
}

func TestRangeRequests(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(bound.NewMemoryCell(), "a")

	r, err := svc.GetFreshTimestamps(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if r.Size() != 50 {
		t.Errorf("range %+v has %d timestamps, want 50", r, r.Size())
	}
	next, _ := svc.GetFreshTimestamp(ctx)
	if next != r.Upper+1 {
		t.Errorf("next timestamp %d, want %d", next, r.Upper+1)
	}

	for _, n := range []int{0, -1, 51} {
		if _, err := svc.GetFreshTimestamps(ctx, n); !errors.Is(err, ErrTooManyTimestamps) {
			t.Errorf("%d timestamps: got %v, want ErrTooManyTimestamps", n, err)
		}
	}
}

func TestFollowersDoNotIssue(t *testing.T) {
	svc, leadership := newService(bound.NewMemoryCell(), "a")
	leadership.leading = false
	if _, err := svc.GetFreshTimestamp(context.Background()); !errors.Is(err, ErrNotLeader) {
		t.Errorf("got %v, want ErrNotLeader", err)
	}
	if err := svc.FastForward(context.Background(), 10); !errors.Is(err, ErrNotLeader) {
		t.Errorf("fast forward: got %v, want ErrNotLeader", err)
	}
}

func TestNewLeaderStartsAboveOldTimestamps(t *testing.T) {
	ctx := context.Background()
	cell := bound.NewMemoryCell()
	first, firstLeadership := newService(cell, "a")
	var last int64
	for i := 0; i < 250; i++ {
		last, _ = first.GetFreshTimestamp(ctx)
	}
	firstLeadership.Abdicate()
	first.HandleLeadership(leader.Event{Kind: leader.Lost})

	second, _ := newService(cell, "b")
	ts, err := second.GetFreshTimestamp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts <= last {
		t.Errorf("new leader issued %d, old leader already issued %d", ts, last)
	}
}

func TestStaleLeaderAbdicatesOnConflict(t *testing.T) {
	ctx := context.Background()
	cell := bound.NewMemoryCell()

	var conflicts []error
	stale, staleLeadership := newService(cell, "a", WithConflictHandler(func(err error) {
		conflicts = append(conflicts, err)
	}))
	if _, err := stale.GetFreshTimestamps(ctx, 50); err != nil {
		t.Fatal(err)
	}

	// b was elected while a was partitioned away
	successor, _ := newService(cell, "b")
	if _, err := successor.GetFreshTimestamp(ctx); err != nil {
		t.Fatal(err)
	}

	// a burns through its buffer and needs to extend the bound
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = stale.GetFreshTimestamps(ctx, 50)
	}
	if !errors.Is(err, bound.ErrMultipleWriters) {
		t.Fatalf("got %v, want ErrMultipleWriters", err)
	}
	if bound.IsRetryable(err) {
		t.Error("conflict reported as retryable")
	}
	if staleLeadership.abdicated != 1 || staleLeadership.IsLeader() {
		t.Errorf("stale leader abdicated %d times, leading=%v", staleLeadership.abdicated, staleLeadership.IsLeader())
	}
	if len(conflicts) != 1 {
		t.Errorf("conflict handler called %d times", len(conflicts))
	}
	if _, err := stale.GetFreshTimestamp(ctx); !errors.Is(err, ErrNotLeader) {
		t.Errorf("after abdicating: got %v, want ErrNotLeader", err)
	}
}

func TestFastForward(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(bound.NewMemoryCell(), "a")

	if err := svc.FastForward(ctx, 1000000); err != nil {
		t.Fatal(err)
	}
	ts, err := svc.GetFreshTimestamp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1000001 {
		t.Errorf("after fast forward: %d, want 1000001", ts)
	}
	if err := svc.FastForward(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if next, _ := svc.GetFreshTimestamp(ctx); next != ts+1 {
		t.Errorf("fast forward moved backwards: %d after %d", next, ts)
	}
	if limit, _ := svc.UpperLimit(ctx); limit < 1000001 {
		t.Errorf("stored limit %d below fast forwarded timestamp", limit)
	}
}

func TestFastForwardNearTheInt64Limit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(bound.NewMemoryCell(), "a")

	if err := svc.FastForward(ctx, math.MaxInt64-10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
	ts, err := svc.GetFreshTimestamp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts <= bound.InitialUpperLimit {
		t.Errorf("issued %d after a rejected fast forward", ts)
	}
	if limit, _ := svc.UpperLimit(ctx); limit < ts {
		t.Errorf("stored limit %d below issued timestamp %d", limit, ts)
	}
}

func TestStoredBoundNearTheInt64Limit(t *testing.T) {
	ctx := context.Background()
	cell := bound.NewMemoryCell()
	near := math.MaxInt64 - int64(5)
	if ok, err := cell.CompareAndSwap(ctx, nil, false, []byte(strconv.FormatInt(near, 10))); !ok || err != nil {
		t.Fatalf("seeding cell: %v %v", ok, err)
	}
	svc, _ := newService(cell, "a")

	if _, err := svc.GetFreshTimestamp(ctx); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
	if limit, _ := svc.UpperLimit(ctx); limit != near {
		t.Errorf("stored limit changed to %d", limit)
	}
}

// scriptedLeadership answers IsLeader from a script and says no once it
// runs out.
type scriptedLeadership struct {
	mu      sync.Mutex
	answers []bool
}

func (l *scriptedLeadership) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.answers) == 0 {
		return false
	}
	answer := l.answers[0]
	l.answers = l.answers[1:]
	return answer
}

func (l *scriptedLeadership) Abdicate() {}

func TestLeadershipLostDuringRequest(t *testing.T) {
	cases := map[string][]bool{
		"before claiming": {true, false},
		"after claiming":  {true, true, false},
		"after reserving": {true, true, true, false},
	}
	for name, answers := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cell := bound.NewMemoryCell()
			current, _ := newService(cell, "b")
			first, err := current.GetFreshTimestamp(ctx)
			if err != nil {
				t.Fatal(err)
			}

			deposed := New(bound.NewStore(cell, "a"), &scriptedLeadership{answers: answers},
				WithBufferSize(100), WithMaxGrantSize(50))
			if _, err := deposed.GetFreshTimestamp(ctx); !errors.Is(err, ErrNotLeader) {
				t.Fatalf("deposed leader: got %v, want ErrNotLeader", err)
			}

			raw, _, err := cell.Get(ctx)
			if err != nil {
				t.Fatal(err)
			}
			rec, err := bound.ParseRecord(raw)
			if err != nil {
				t.Fatal(err)
			}
			if len(answers) == 2 && rec.Owner != "b" {
				t.Errorf("deposed leader claimed the bound: %q", rec.String())
			}
			if rec.Limit <= first {
				t.Errorf("bound %d not above issued timestamp %d", rec.Limit, first)
			}
		})
	}
}
