package paxos

import (
	"context"
	"time"
)

// QuorumSize is the smallest number of acceptors out of n such that any two
// such sets intersect.
func QuorumSize(n int) int {
	return n/2 + 1
}

type reply struct {
	from  int
	value interface{}
	err   error
}

// fanOut calls every acceptor concurrently, each call bounded by timeout, and
// collects replies until decided reports that the outcome is known or every
// acceptor has answered. Calls still in flight at that point are left to
// finish on their own.
func fanOut(
	ctx context.Context,
	acceptors []Acceptor,
	timeout time.Duration,
	call func(context.Context, Acceptor) (interface{}, error),
	decided func([]reply) bool,
) []reply {
	ch := make(chan reply, len(acceptors))
	for i, acc := range acceptors {
		go func(i int, acc Acceptor) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := call(callCtx, acc)
			ch <- reply{from: i, value: v, err: err}
		}(i, acc)
	}

	replies := make([]reply, 0, len(acceptors))
	for len(replies) < len(acceptors) {
		select {
		case <-ctx.Done():
			return replies
		case r := <-ch:
			replies = append(replies, r)
			if decided(replies) {
				return replies
			}
		}
	}
	return replies
}

// majority returns a decision function that is satisfied once quorum replies
// pass ok, or once so many failed that a quorum is out of reach.
func majority(n int, ok func(reply) bool) func([]reply) bool {
	q := QuorumSize(n)
	return func(replies []reply) bool {
		good := 0
		for _, r := range replies {
			if ok(r) {
				good++
			}
		}
		bad := len(replies) - good
		return good >= q || bad > n-q
	}
}
