// Package opt implements the update side of a training step: a flat view
// over the parameter tensors, AdamW on f32 master state, the learning-rate
// schedule and gradient-norm helpers.
package opt

import (
	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/plan"
)

// Flat views an ordered parameter list as one contiguous logical stream of
// elements. Optimizer shards and checkpoints address parameters through
// this layout, so the order must be identical on every rank.
type Flat struct {
	params  []*model.Param
	offsets []int
	total   int
}

func NewFlat(ps []*model.Param) *Flat {
	f := &Flat{params: ps}
	for _, p := range ps {
		f.offsets = append(f.offsets, f.total)
		f.total += p.Count()
	}
	return f
}

func (f *Flat) Total() int { return f.total }

// Params returns the parameter list backing the stream, in stream order.
func (f *Flat) Params() []*model.Param { return f.params }

// Segment is the stream interval of parameter i.
func (f *Flat) Segment(i int) plan.Interval {
	return plan.Interval{Begin: f.offsets[i], End: f.offsets[i] + f.params[i].Count()}
}

// Whole is the interval covering the entire stream.
func (f *Flat) Whole() plan.Interval { return plan.Interval{Begin: 0, End: f.total} }

// OwnedShard is the interval of the stream that shard s of nShards owns.
func (f *Flat) OwnedShard(s, nShards int) plan.Interval {
	return plan.EvenPartition(f.Whole(), nShards)[s]
}

func (f *Flat) checked(iv plan.Interval) plan.Interval {
	if iv.Begin < 0 || iv.End > f.total || iv.Begin > iv.End {
		panic(errors.Errorf("interval %s out of stream [0,%d)", iv, f.total))
	}
	return iv
}

// each visits the in-parameter segment [lo, hi) of every parameter
// overlapping iv, with at the segment's offset from iv.Begin.
func (f *Flat) each(iv plan.Interval, fn func(p *model.Param, lo, hi, at int)) {
	f.checked(iv)
	for i, p := range f.params {
		begin, end := f.offsets[i], f.offsets[i]+p.Count()
		lo, hi := max(begin, iv.Begin), min(end, iv.End)
		if lo >= hi {
			continue
		}
		fn(p, lo-begin, hi-begin, lo-iv.Begin)
	}
}

// Grads copies the f32 gradient elements of the interval.
func (f *Flat) Grads(iv plan.Interval) *base.Vector {
	out := base.NewVector(iv.Len(), base.F32)
	ys := out.AsF32()
	f.each(iv, func(p *model.Param, lo, hi, at int) {
		copy(ys[at:], p.Grad.AsF32()[lo:hi])
	})
	return out
}

// SetGrads writes f32 gradient elements back over the interval.
func (f *Flat) SetGrads(iv plan.Interval, v *base.Vector) error {
	if v.Count != iv.Len() || v.Type != base.F32 {
		return errors.Errorf("gradient buffer %d %s does not cover %s", v.Count, v.Type, iv)
	}
	xs := v.AsF32()
	f.each(iv, func(p *model.Param, lo, hi, at int) {
		copy(p.Grad.AsF32()[lo:hi], xs[at:at+hi-lo])
	})
	return nil
}

// Data widens the parameter elements of the interval to f32.
func (f *Flat) Data(iv plan.Interval) *base.Vector {
	out := base.NewVector(iv.Len(), base.F32)
	f.each(iv, func(p *model.Param, lo, hi, at int) {
		if err := base.Convert(out.Slice(at, at+hi-lo), p.Data.Slice(lo, hi)); err != nil {
			panic(err)
		}
	})
	return out
}

// SetData narrows f32 values back into the working precision of the
// parameters over the interval.
func (f *Flat) SetData(iv plan.Interval, v *base.Vector) error {
	if v.Count != iv.Len() || v.Type != base.F32 {
		return errors.Errorf("data buffer %d %s does not cover %s", v.Count, v.Type, iv)
	}
	f.each(iv, func(p *model.Param, lo, hi, at int) {
		if err := base.Convert(p.Data.Slice(lo, hi), v.Slice(at, at+hi-lo)); err != nil {
			panic(err)
		}
	})
	return nil
}
