package train_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/train"
)

func f32Vec(vals ...float32) *base.Vector {
	v := base.NewVector(len(vals), base.F32)
	copy(v.AsF32(), vals)
	return v
}

func i64Vec(vals ...int64) *base.Vector {
	v := base.NewVector(len(vals), base.I64)
	copy(v.AsI64(), vals)
	return v
}

// numericGrad approximates the gradient of f by central differences,
// perturbing one logit at a time.
func numericGrad(f func(*base.Vector) float64, at *base.Vector) []float64 {
	const eps = 1e-2
	grad := make([]float64, at.Count)
	xs := at.AsF32()
	for i := range xs {
		orig := xs[i]
		xs[i] = orig + eps
		hi := f(at)
		xs[i] = orig - eps
		lo := f(at)
		xs[i] = orig
		grad[i] = (hi - lo) / (2 * eps)
	}
	return grad
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	const vocab = 4
	logits := base.NewVector(2*vocab, base.F32)
	for i := range logits.AsF32() {
		logits.AsF32()[i] = 0.7
	}
	loss, grad, err := train.CrossEntropy(logits, i64Vec(2, 0), vocab)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(vocab), loss, 1e-6)

	// (softmax - onehot) / rows with a uniform softmax
	want := []float64{0.125, 0.125, -0.375, 0.125, -0.375, 0.125, 0.125, 0.125}
	for i, w := range want {
		assert.InDelta(t, w, float64(grad.AsF32()[i]), 1e-6, "component %d", i)
	}
}

func TestCrossEntropyGradientMatchesNumeric(t *testing.T) {
	const vocab = 5
	logits := f32Vec(
		0.3, -1.2, 0.8, 2.1, -0.4,
		1.7, 0.2, -0.9, 0.5, 1.1,
		-2.0, 0.6, 0.1, -0.3, 0.9,
	)
	labels := i64Vec(1, 4, 0)
	loss, grad, err := train.CrossEntropy(logits, labels, vocab)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	f := func(v *base.Vector) float64 {
		l, _, err := train.CrossEntropy(v, labels, vocab)
		require.NoError(t, err)
		return l
	}
	for i, g := range numericGrad(f, logits) {
		assert.InDelta(t, g, float64(grad.AsF32()[i]), 2e-3, "component %d", i)
	}
}

func TestCrossEntropyMasksNegativeLabels(t *testing.T) {
	const vocab = 3
	row0 := []float32{0.4, -0.2, 1.3}
	row1 := []float32{9.0, -7.0, 2.5} // masked, values must not matter
	row2 := []float32{-0.6, 0.8, 0.1}

	full := f32Vec(append(append(append([]float32{}, row0...), row1...), row2...)...)
	gotLoss, gotGrad, err := train.CrossEntropy(full, i64Vec(2, -100, 1), vocab)
	require.NoError(t, err)

	sub := f32Vec(append(append([]float32{}, row0...), row2...)...)
	wantLoss, wantGrad, err := train.CrossEntropy(sub, i64Vec(2, 1), vocab)
	require.NoError(t, err)

	assert.InDelta(t, wantLoss, gotLoss, 1e-12)
	gg, wg := gotGrad.AsF32(), wantGrad.AsF32()
	for k := 0; k < vocab; k++ {
		assert.Equal(t, wg[k], gg[k], "row 0 component %d", k)
		assert.Zero(t, gg[vocab+k], "masked row component %d", k)
		assert.Equal(t, wg[vocab+k], gg[2*vocab+k], "row 2 component %d", k)
	}
}

func TestCrossEntropyRejectsBadInput(t *testing.T) {
	logits := base.NewVector(8, base.F32)
	_, _, err := train.CrossEntropy(logits, i64Vec(0, 1), 5)
	assert.Error(t, err, "shape mismatch")
	_, _, err = train.CrossEntropy(logits, i64Vec(0, 4), 4)
	assert.Error(t, err, "label out of vocab")
	_, _, err = train.CrossEntropy(logits, i64Vec(-1, -1), 4)
	assert.Error(t, err, "nothing labelled")
	_, _, err = train.CrossEntropy(logits, i64Vec(0, 1), 0)
	assert.Error(t, err, "zero vocab")
}

func TestKLZeroBetweenIdenticalDistributions(t *testing.T) {
	s := f32Vec(0.5, -1.0, 2.0, 0.1, 1.5, -0.5)
	for _, dir := range []train.KLDirection{train.ForwardKL, train.BackwardKL} {
		loss, grad, err := train.KLDivergence(s, s.Clone(), 3, dir)
		require.NoError(t, err)
		assert.InDelta(t, 0, loss, 1e-12, "%s", dir)
		for i, g := range grad.AsF32() {
			assert.InDelta(t, 0, float64(g), 1e-12, "%s component %d", dir, i)
		}
	}
}

func TestKLGradientMatchesNumeric(t *testing.T) {
	const vocab = 4
	student := f32Vec(
		0.2, -0.7, 1.4, 0.3,
		-1.1, 0.9, 0.0, 0.6,
	)
	teacher := f32Vec(
		1.0, 0.1, -0.5, 0.8,
		0.4, -0.2, 1.2, -0.9,
	)
	for _, dir := range []train.KLDirection{train.ForwardKL, train.BackwardKL} {
		loss, grad, err := train.KLDivergence(student, teacher, vocab, dir)
		require.NoError(t, err)
		assert.Greater(t, loss, 0.0, "%s", dir)

		f := func(v *base.Vector) float64 {
			l, _, err := train.KLDivergence(v, teacher, vocab, dir)
			require.NoError(t, err)
			return l
		}
		for i, g := range numericGrad(f, student) {
			assert.InDelta(t, g, float64(grad.AsF32()[i]), 2e-3, "%s component %d", dir, i)
		}
	}
}

func TestKLDirectionsDiffer(t *testing.T) {
	student := f32Vec(0, 0, 0, 0) // uniform
	teacher := f32Vec(4, 0, 0, 0) // peaked
	fw, _, err := train.KLDivergence(student, teacher, 4, train.ForwardKL)
	require.NoError(t, err)
	bw, _, err := train.KLDivergence(student, teacher, 4, train.BackwardKL)
	require.NoError(t, err)
	assert.Greater(t, fw, 0.0)
	assert.Greater(t, bw, 0.0)
	assert.Greater(t, math.Abs(fw-bw), 0.1)
}

func TestKLRejectsBadInput(t *testing.T) {
	s := base.NewVector(8, base.F32)
	_, _, err := train.KLDivergence(s, base.NewVector(4, base.F32), 4, train.ForwardKL)
	assert.Error(t, err, "teacher shape mismatch")
	_, _, err = train.KLDivergence(s, s.Clone(), 3, train.ForwardKL)
	assert.Error(t, err, "count not divisible by vocab")
	_, _, err = train.KLDivergence(s, s.Clone(), 4, train.KLDirection("sideways"))
	assert.Error(t, err, "unknown direction")
	empty := base.NewVector(0, base.F32)
	_, _, err = train.KLDivergence(empty, empty.Clone(), 4, train.BackwardKL)
	assert.Error(t, err, "no rows")
}
