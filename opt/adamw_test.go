package opt_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/plan"
)

func newParams(dtype base.DataType, counts ...int) []*model.Param {
	var ps []*model.Param
	for i, n := range counts {
		ps = append(ps, &model.Param{
			Name: fmt.Sprintf("p%d", i),
			Data: base.NewVector(n, dtype),
			Grad: base.NewVector(n, base.F32),
		})
	}
	return ps
}

func fill(v *base.Vector, xs ...float32) {
	copy(v.AsF32(), xs)
}

func TestFlatSpansParamBoundaries(t *testing.T) {
	ps := newParams(base.F32, 4, 6)
	fill(ps[0].Grad, 0, 1, 2, 3)
	fill(ps[1].Grad, 10, 11, 12, 13, 14, 15)
	f := opt.NewFlat(ps)
	require.Equal(t, 10, f.Total())

	g := f.Grads(plan.Interval{Begin: 2, End: 7})
	assert.Equal(t, []float32{2, 3, 10, 11, 12}, g.AsF32())

	fill(g, 20, 30, 40, 50, 60)
	require.NoError(t, f.SetGrads(plan.Interval{Begin: 2, End: 7}, g))
	assert.Equal(t, []float32{0, 1, 20, 30}, ps[0].Grad.AsF32())
	assert.Equal(t, []float32{40, 50, 60, 13, 14, 15}, ps[1].Grad.AsF32())

	bad := base.NewVector(3, base.F32)
	assert.Error(t, f.SetGrads(plan.Interval{Begin: 2, End: 7}, bad))
}

func TestFlatDataConvertsWorkingPrecision(t *testing.T) {
	ps := newParams(base.BF16, 2, 2)
	// exactly representable in bfloat16
	src := base.NewVector(4, base.F32)
	fill(src, 0.5, -2, 1.5, 8)
	f := opt.NewFlat(ps)
	require.NoError(t, f.SetData(f.Whole(), src))

	got := f.Data(f.Whole())
	assert.Equal(t, []float32{0.5, -2, 1.5, 8}, got.AsF32())
	assert.Equal(t, base.BF16, ps[0].Data.Type)
}

func TestFlatOwnedShard(t *testing.T) {
	f := opt.NewFlat(newParams(base.F32, 7))
	assert.Equal(t, plan.Interval{Begin: 0, End: 4}, f.OwnedShard(0, 2))
	assert.Equal(t, plan.Interval{Begin: 4, End: 7}, f.OwnedShard(1, 2))
}

// With constant gradients the bias-corrected first step moves every weight
// by exactly lr in the gradient direction.
func TestAdamWFirstStepMovesByLR(t *testing.T) {
	ps := newParams(base.F32, 2)
	fill(ps[0].Data, 1, -1)
	f := opt.NewFlat(ps)
	cfg := opt.AdamWConfig{Beta1: 0.9, Beta2: 0.95, Eps: 1e-8}
	o, err := opt.NewAdamW(cfg, f, f.Whole())
	require.NoError(t, err)

	g := base.NewVector(2, base.F32)
	fill(g, 1, -1)
	require.NoError(t, o.Step(0.1, g))
	m := o.Master().AsF32()
	assert.InDelta(t, 0.9, m[0], 1e-6)
	assert.InDelta(t, -0.9, m[1], 1e-6)

	// same gradient again: bias correction keeps the step at lr
	require.NoError(t, o.Step(0.1, g))
	m = o.Master().AsF32()
	assert.InDelta(t, 0.8, m[0], 1e-6)
	assert.InDelta(t, -0.8, m[1], 1e-6)
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	ps := newParams(base.F32, 1)
	fill(ps[0].Data, 1)
	f := opt.NewFlat(ps)
	o, err := opt.NewAdamW(opt.AdamWConfig{WeightDecay: 0.1}, f, f.Whole())
	require.NoError(t, err)

	g := base.NewVector(1, base.F32)
	fill(g, 1)
	require.NoError(t, o.Step(0.1, g))
	// unit adam step plus decay of the pre-update weight
	assert.InDelta(t, 1-0.1*(1+0.1*1), o.Master().AsF32()[0], 1e-6)
}

func TestAdamWShardedMatchesUnsharded(t *testing.T) {
	mk := func() (*opt.Flat, *base.Vector) {
		ps := newParams(base.F32, 4, 6)
		fill(ps[0].Data, 1, 2, 3, 4)
		fill(ps[1].Data, -1, -2, -3, -4, -5, -6)
		f := opt.NewFlat(ps)
		g := base.NewVector(10, base.F32)
		fill(g, 0.5, -0.25, 1, 0, 2, -2, 0.75, 0.1, -0.1, 3)
		return f, g
	}

	fullFlat, fullGrad := mk()
	full, err := opt.NewAdamW(opt.AdamWConfig{WeightDecay: 0.01}, fullFlat, fullFlat.Whole())
	require.NoError(t, err)
	require.NoError(t, full.Step(0.01, fullGrad))

	shardFlat, shardGrad := mk()
	var got []float32
	for s := 0; s < 2; s++ {
		own := shardFlat.OwnedShard(s, 2)
		o, err := opt.NewAdamW(opt.AdamWConfig{WeightDecay: 0.01}, shardFlat, own)
		require.NoError(t, err)
		require.NoError(t, o.Step(0.01, shardGrad.Slice(own.Begin, own.End)))
		got = append(got, o.Master().AsF32()...)
	}
	assert.Equal(t, full.Master().AsF32(), got)
}

// The master copy lives in f32: updating bf16 parameters step after step
// follows the exact same trajectory as updating f32 parameters, because the
// optimizer never reads the rounded working values back.
func TestAdamWMasterIgnoresWorkingPrecision(t *testing.T) {
	run := func(dtype base.DataType) []float32 {
		ps := newParams(dtype, 3)
		init := base.NewVector(3, base.F32)
		fill(init, 1, -0.5, 0.25) // exact in bfloat16
		f := opt.NewFlat(ps)
		require.NoError(t, f.SetData(f.Whole(), init))
		o, err := opt.NewAdamW(opt.AdamWConfig{}, f, f.Whole())
		require.NoError(t, err)

		g := base.NewVector(3, base.F32)
		for i := 0; i < 20; i++ {
			fill(g, 0.01, -0.03, 0.007)
			require.NoError(t, o.Step(1e-3, g))
			require.NoError(t, f.SetData(f.Whole(), o.Master()))
		}
		return o.Master().AsF32()
	}

	assert.Equal(t, run(base.F32), run(base.BF16))
}

func TestAdamWStateRoundTrip(t *testing.T) {
	ps := newParams(base.F32, 5)
	fill(ps[0].Data, 1, 2, 3, 4, 5)
	f := opt.NewFlat(ps)
	o, err := opt.NewAdamW(opt.AdamWConfig{}, f, f.Whole())
	require.NoError(t, err)

	g := base.NewVector(5, base.F32)
	fill(g, 1, -1, 2, -2, 0.5)
	require.NoError(t, o.Step(0.01, g))
	saved := o.State()
	require.NoError(t, o.Step(0.01, g))
	assert.NotEqual(t, saved.Master.Data, o.Master().Data)

	require.NoError(t, o.Restore(saved))
	again := o.State()
	assert.Equal(t, saved.Step, again.Step)
	assert.Equal(t, saved.Master.Data, again.Master.Data)
	assert.Equal(t, saved.M.Data, again.M.Data)
	assert.Equal(t, saved.V.Data, again.V.Data)

	// replaying the lost step reproduces it exactly
	require.NoError(t, o.Step(0.01, g))
	assert.Equal(t, 2, o.State().Step)
}

func TestAdamWRestoreRejectsWrongShape(t *testing.T) {
	f := opt.NewFlat(newParams(base.F32, 4))
	o, err := opt.NewAdamW(opt.AdamWConfig{}, f, f.Whole())
	require.NoError(t, err)

	s := o.State()
	s.M = base.NewVector(3, base.F32)
	assert.Error(t, o.Restore(s))

	s = o.State()
	s.V = base.NewVector(4, base.I64)
	assert.Error(t, o.Restore(s))

	s = o.State()
	s.Step = -1
	assert.Error(t, o.Restore(s))
}

func TestAdamWConfigValidation(t *testing.T) {
	f := opt.NewFlat(newParams(base.F32, 2))

	_, err := opt.NewAdamW(opt.AdamWConfig{Beta1: 1}, f, f.Whole())
	assert.Error(t, err)
	_, err = opt.NewAdamW(opt.AdamWConfig{WeightDecay: -0.1}, f, f.Whole())
	assert.Error(t, err)
	_, err = opt.NewAdamW(opt.AdamWConfig{}, f, plan.Interval{Begin: 0, End: 3})
	assert.Error(t, err)

	o, err := opt.NewAdamW(opt.AdamWConfig{}, f, f.Whole())
	require.NoError(t, err)
	bad := base.NewVector(1, base.F32)
	assert.Error(t, o.Step(0.1, bad))
}
