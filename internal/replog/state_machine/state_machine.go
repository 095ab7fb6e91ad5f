package state_machine

import (
	"context"
	"fmt"

	"replicated-log/internal/replog/streams"
)

// StateMachine consumes the commands of a stream in commit order. It is inspired by the FSM interface of
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go).
type StateMachine interface {
	Apply(commands []Command, last streams.StreamPosition)
	// Applied is the stream position of the last applied command, 0 if none
	Applied() uint64
}

// Follow applies the commands of stream to sm as they are committed, until ctx is done or the stream stops. It
// resumes after sm.Applied().
func Follow(ctx context.Context, sm StateMachine, stream *streams.ConsumerStream[Command]) error {
	for {
		next := sm.Applied() + 1
		if _, err := stream.WaitFor(ctx, next).Get(ctx); err != nil {
			return err
		}

		it := stream.IteratorFrom(next)
		var (
			batch []Command
			last  streams.StreamPosition
		)
		for {
			cmd, pos, ok := it.Next()
			if !ok {
				break
			}
			batch = append(batch, cmd)
			last = pos
		}
		if len(batch) > 0 {
			sm.Apply(batch, last)
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("applying stream %s: %w", stream.ID(), err)
		}
	}
}
