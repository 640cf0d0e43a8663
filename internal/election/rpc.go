package election

import (
	"context"
	"errors"
	"fmt"
)

// outcome is the single result of one asynchronous RPC: a response, a failure, or a cancellation.
type outcome[T any] struct {
	resp      *T
	err       error
	cancelled bool
}

// callAsync runs call on its own goroutine with an RPCTimeout context derived from the node's lifetime and hands
// exactly one outcome to done. It never blocks the caller.
func callAsync[T any](n *Node, call func(ctx context.Context) (*T, error), done func(outcome[T])) {
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
		defer cancel()

		resp, err := call(ctx)
		switch {
		case n.ctx.Err() != nil || errors.Is(err, context.Canceled):
			done(outcome[T]{cancelled: true})
		case err != nil:
			done(outcome[T]{err: err})
		case resp == nil:
			done(outcome[T]{err: fmt.Errorf("empty %T response", resp)})
		default:
			done(outcome[T]{resp: resp})
		}
	}()
}
