// Package pipeline runs microbatches across pipeline stages on the
// one-forward-one-backward policy, which bounds in-flight activations to
// the pipeline depth instead of the microbatch count.
package pipeline

import "fmt"

type Op uint8

const (
	Forward Op = iota
	Backward
)

func (o Op) String() string {
	if o == Forward {
		return "F"
	}
	return "B"
}

// Action is one schedule entry: run Op for microbatch MB.
type Action struct {
	Op Op
	MB int
}

func (a Action) String() string { return fmt.Sprintf("%s%d", a.Op, a.MB) }

// Warmup is the number of forward-only actions stage index runs before its
// first backward: the stages below it must fill first.
func Warmup(depth, index int) int { return depth - index - 1 }

// Sequence returns the complete action order of one stage for one step of m
// microbatches: warmup forwards, then alternating forward/backward, then
// draining backwards. Forwards and backwards each run microbatches in FIFO
// order.
func Sequence(depth, index, m int) []Action {
	w := min(Warmup(depth, index), m)
	seq := make([]Action, 0, 2*m)
	f, b := 0, 0
	for ; f < w; f++ {
		seq = append(seq, Action{Forward, f})
	}
	for ; f < m; f++ {
		seq = append(seq, Action{Forward, f})
		seq = append(seq, Action{Backward, b})
		b++
	}
	for ; b < m; b++ {
		seq = append(seq, Action{Backward, b})
	}
	return seq
}
