package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/comm"
	"github.com/mlweave/loom/model"
)

// Slot is the per-stage, per-microbatch activation checkpoint: created when
// a forward completes, destroyed when the matching backward consumes it.
// The last stage keeps the produced logits in the slot until its loss seeds
// the backward.
type Slot struct {
	MB  int
	Out *base.Vector
}

type arena struct {
	live map[int]*Slot
	peak int
}

func newArena() *arena { return &arena{live: make(map[int]*Slot)} }

func (a *arena) create(mb int, out *base.Vector) {
	a.live[mb] = &Slot{MB: mb, Out: out}
	if len(a.live) > a.peak {
		a.peak = len(a.live)
	}
}

func (a *arena) get(mb int) (*Slot, bool) {
	s, ok := a.live[mb]
	return s, ok
}

func (a *arena) destroy(mb int) { delete(a.live, mb) }

// Config wires one rank's stage into the pipeline.
type Config struct {
	Stage    model.Stage
	Comm     comm.Comm // unused when Depth == 1
	Depth    int       // number of pipeline stages
	Index    int       // this rank's stage, 0-based
	Prev     int       // rank of stage Index-1, ignored on the first stage
	Next     int       // rank of stage Index+1, ignored on the last stage
	InCount  int       // activation elements received from Prev
	OutCount int       // activation elements sent to Next
}

// Feed supplies the first stage's input for one microbatch.
type Feed func(mb int) (*base.Vector, error)

// LossFn turns the last stage's logits into the gradient seeding the
// backward pass of one microbatch.
type LossFn func(mb int, logits *base.Vector) (*base.Vector, error)

// Runner executes the 1F1B sequence of one stage, exchanging activations
// and gradients with the neighbour stages over point-to-point messages.
type Runner struct {
	cfg   Config
	slots *arena
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Stage == nil {
		return nil, errors.New("pipeline runner needs a stage")
	}
	if cfg.Depth < 1 || cfg.Index < 0 || cfg.Index >= cfg.Depth {
		return nil, errors.Errorf("stage index %d out of pipeline depth %d", cfg.Index, cfg.Depth)
	}
	if cfg.Depth > 1 {
		if cfg.Comm == nil {
			return nil, errors.New("pipeline runner needs a transport between stages")
		}
		if cfg.Index > 0 && cfg.InCount <= 0 {
			return nil, errors.Errorf("stage %d needs a positive input activation size", cfg.Index)
		}
		if cfg.Index < cfg.Depth-1 && cfg.OutCount <= 0 {
			return nil, errors.Errorf("stage %d needs a positive output activation size", cfg.Index)
		}
	}
	return &Runner{cfg: cfg, slots: newArena()}, nil
}

func (r *Runner) first() bool { return r.cfg.Index == 0 }
func (r *Runner) last() bool  { return r.cfg.Index == r.cfg.Depth-1 }

// PeakSlots reports the high-water mark of concurrently live slots, which
// 1F1B bounds by Depth-Index.
func (r *Runner) PeakSlots() int { return r.slots.peak }

// Step runs one full optimizer step of m microbatches: every microbatch
// forwards and backwards exactly once on this stage, leaving the
// accumulated gradients in the stage parameters. Any stage error aborts
// the whole step; partially accumulated state is dropped.
func (r *Runner) Step(m int, feed Feed, loss LossFn) error {
	if m < 1 {
		return errors.Errorf("need at least one microbatch, got %d", m)
	}
	for _, a := range Sequence(r.cfg.Depth, r.cfg.Index, m) {
		var err error
		if a.Op == Forward {
			err = r.forward(a.MB, feed)
		} else {
			err = r.backward(a.MB, loss)
		}
		if err != nil {
			r.abort()
			return err
		}
	}
	return nil
}

func (r *Runner) forward(mb int, feed Feed) error {
	in, err := r.input(mb, feed)
	if err != nil {
		return err
	}
	out, err := r.cfg.Stage.Forward(mb, in)
	if err != nil {
		return errors.Wrapf(err, "stage %d forward microbatch %d", r.cfg.Index, mb)
	}
	if r.last() {
		r.slots.create(mb, out)
		return nil
	}
	r.slots.create(mb, nil)
	return r.cfg.Comm.Send(r.cfg.Next, fwdName(mb), out)
}

func (r *Runner) backward(mb int, loss LossFn) error {
	var gradOut *base.Vector
	if r.last() {
		slot, ok := r.slots.get(mb)
		if !ok {
			return errors.Errorf("stage %d has no slot for microbatch %d", r.cfg.Index, mb)
		}
		g, err := loss(mb, slot.Out)
		if err != nil {
			return errors.Wrapf(err, "loss of microbatch %d", mb)
		}
		gradOut = g
	} else {
		gradOut = base.NewVector(r.cfg.OutCount, base.F32)
		if err := r.cfg.Comm.Recv(r.cfg.Next, bwdName(mb), gradOut); err != nil {
			return err
		}
	}
	gin, err := r.cfg.Stage.Backward(mb, gradOut)
	if err != nil {
		return errors.Wrapf(err, "stage %d backward microbatch %d", r.cfg.Index, mb)
	}
	r.slots.destroy(mb)
	if r.first() {
		return nil
	}
	if gin == nil {
		return errors.Errorf("stage %d returned no input gradient", r.cfg.Index)
	}
	return r.cfg.Comm.Send(r.cfg.Prev, bwdName(mb), gin)
}

// Eval runs m microbatches forward only, dropping every activation
// checkpoint as soon as the stage output is handed on. The last stage
// passes its logits to consume.
func (r *Runner) Eval(m int, feed Feed, consume func(mb int, logits *base.Vector) error) error {
	if m < 1 {
		return errors.Errorf("need at least one microbatch, got %d", m)
	}
	for mb := 0; mb < m; mb++ {
		in, err := r.input(mb, feed)
		if err != nil {
			return err
		}
		out, err := r.cfg.Stage.Forward(mb, in)
		if err != nil {
			return errors.Wrapf(err, "stage %d forward microbatch %d", r.cfg.Index, mb)
		}
		r.cfg.Stage.Drop(mb)
		if !r.last() {
			if err := r.cfg.Comm.Send(r.cfg.Next, fwdName(mb), out); err != nil {
				return err
			}
			continue
		}
		if consume != nil {
			if err := consume(mb, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) input(mb int, feed Feed) (*base.Vector, error) {
	if r.first() {
		in, err := feed(mb)
		if err != nil {
			return nil, errors.Wrapf(err, "feed of microbatch %d", mb)
		}
		return in, nil
	}
	in := base.NewVector(r.cfg.InCount, base.F32)
	if err := r.cfg.Comm.Recv(r.cfg.Prev, fwdName(mb), in); err != nil {
		return nil, err
	}
	return in, nil
}

// abort drops every live activation checkpoint so the stage holds no
// partial state from the failed step.
func (r *Runner) abort() {
	for mb := range r.slots.live {
		r.cfg.Stage.Drop(mb)
		r.slots.destroy(mb)
	}
}

func fwdName(mb int) string { return fmt.Sprintf("pipe/fwd%d", mb) }
func bwdName(mb int) string { return fmt.Sprintf("pipe/bwd%d", mb) }
