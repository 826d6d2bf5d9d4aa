package opt

import (
	"math"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/plan"
)

// AdamWConfig mirrors optimizer_args. Zero betas and eps take the usual
// defaults; weight decay is taken literally.
type AdamWConfig struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

func (c AdamWConfig) withDefaults() AdamWConfig {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.95
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

func (c AdamWConfig) validate() error {
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("betas must be in [0, 1), got %v, %v", c.Beta1, c.Beta2)
	}
	if c.Eps <= 0 {
		return errors.Errorf("eps must be positive, got %v", c.Eps)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %v", c.WeightDecay)
	}
	return nil
}

// AdamW updates one owned interval of the flat parameter stream. The master
// weights and both moments are f32 regardless of the working precision of
// the parameters, so repeated half-precision rounding never accumulates.
type AdamW struct {
	cfg    AdamWConfig
	own    plan.Interval
	step   int
	master *base.Vector
	m, v   *base.Vector
}

// NewAdamW seeds the master copy of the owned interval from the current
// parameter values and zeroes both moments.
func NewAdamW(cfg AdamWConfig, f *Flat, own plan.Interval) (*AdamW, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if own.Begin < 0 || own.End > f.Total() || own.Begin > own.End {
		return nil, errors.Errorf("owned interval %s out of stream [0,%d)", own, f.Total())
	}
	return &AdamW{
		cfg:    cfg,
		own:    own,
		master: f.Data(own),
		m:      base.NewVector(own.Len(), base.F32),
		v:      base.NewVector(own.Len(), base.F32),
	}, nil
}

func (o *AdamW) Owned() plan.Interval { return o.own }

// Step applies one AdamW update with the given learning rate. grad holds
// the fully reduced f32 gradient of the owned interval.
func (o *AdamW) Step(lr float64, grad *base.Vector) error {
	if grad.Count != o.own.Len() || grad.Type != base.F32 {
		return errors.Errorf("gradient %d %s does not match owned interval %s", grad.Count, grad.Type, o.own)
	}
	o.step++
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(o.step))
	c2 := 1 - math.Pow(b2, float64(o.step))
	gs := grad.AsF32()
	ms, vs, ws := o.m.AsF32(), o.v.AsF32(), o.master.AsF32()
	for i, g := range gs {
		g64 := float64(g)
		m := b1*float64(ms[i]) + (1-b1)*g64
		v := b2*float64(vs[i]) + (1-b2)*g64*g64
		ms[i], vs[i] = float32(m), float32(v)
		w := float64(ws[i])
		ws[i] = float32(w - lr*(m/c1/(math.Sqrt(v/c2)+o.cfg.Eps)+o.cfg.WeightDecay*w))
	}
	return nil
}

// Master exposes the f32 master weights of the owned interval. Callers
// narrow them back into the working parameters after each step and must
// not hold the view across steps.
func (o *AdamW) Master() *base.Vector { return o.master }

// AdamWState is the checkpointable optimizer state of one shard.
type AdamWState struct {
	Step   int
	Master *base.Vector
	M      *base.Vector
	V      *base.Vector
}

// State deep-copies the shard state.
func (o *AdamW) State() AdamWState {
	return AdamWState{
		Step:   o.step,
		Master: o.master.Clone(),
		M:      o.m.Clone(),
		V:      o.v.Clone(),
	}
}

// Restore replaces the shard state wholesale. The shapes must match the
// owned interval exactly.
func (o *AdamW) Restore(s AdamWState) error {
	if s.Step < 0 {
		return errors.Errorf("negative optimizer step %d", s.Step)
	}
	for _, v := range []*base.Vector{s.Master, s.M, s.V} {
		if v == nil || v.Count != o.own.Len() || v.Type != base.F32 {
			return errors.Errorf("optimizer state does not match owned interval %s", o.own)
		}
	}
	o.step = s.Step
	if err := o.master.CopyFrom(s.Master); err != nil {
		return err
	}
	if err := o.m.CopyFrom(s.M); err != nil {
		return err
	}
	return o.v.CopyFrom(s.V)
}
