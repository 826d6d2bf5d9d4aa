package train

import (
	"math"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
)

// Method selects how the step loss and its seed gradient are computed.
type Method string

const (
	Pretraining    Method = "pretraining"
	FullFinetuning Method = "full_finetuning"
	Distillation   Method = "distillation"
)

func (m Method) valid() bool {
	switch m {
	case Pretraining, FullFinetuning, Distillation:
		return true
	}
	return false
}

// KLDirection names which distribution leads the divergence.
type KLDirection string

const (
	// ForwardKL is sum[teacher * ln(teacher/student)], mode covering.
	ForwardKL KLDirection = "forward"
	// BackwardKL is sum[student * ln(student/teacher)], mode seeking.
	BackwardKL KLDirection = "backward"
)

func (d KLDirection) valid() bool { return d == ForwardKL || d == BackwardKL }

// rowDist fills probs and logProbs for one row of logits. Shifting by the
// row maximum keeps the exponentials finite for any input magnitude.
func rowDist(logits []float32, probs, logProbs []float64) {
	m := float64(logits[0])
	for _, x := range logits[1:] {
		if float64(x) > m {
			m = float64(x)
		}
	}
	var sum float64
	for i, x := range logits {
		e := math.Exp(float64(x) - m)
		probs[i] = e
		sum += e
	}
	lse := math.Log(sum) + m
	for i, x := range logits {
		probs[i] /= sum
		logProbs[i] = float64(x) - lse
	}
}

// CrossEntropy returns the mean next-token cross-entropy over the labelled
// rows of a flattened B*T x vocab logit matrix, together with its gradient
// with respect to the logits. Rows whose label is negative are masked: they
// contribute neither loss nor gradient and do not count toward the mean.
func CrossEntropy(logits, labels *base.Vector, vocab int) (float64, *base.Vector, error) {
	if vocab < 1 {
		return 0, nil, errors.Errorf("invalid vocab size %d", vocab)
	}
	rows := labels.Count
	if logits.Count != rows*vocab {
		return 0, nil, errors.Errorf("%d logits do not cover %d rows of vocab %d", logits.Count, rows, vocab)
	}
	grad := base.NewVector(logits.Count, base.F32)
	ls, gs, ys := logits.AsF32(), grad.AsF32(), labels.AsI64()
	probs := make([]float64, vocab)
	logProbs := make([]float64, vocab)
	var loss float64
	var counted int
	for r := 0; r < rows; r++ {
		y := ys[r]
		if y < 0 {
			continue
		}
		if y >= int64(vocab) {
			return 0, nil, errors.Errorf("label %d at row %d out of vocab %d", y, r, vocab)
		}
		rowDist(ls[r*vocab:(r+1)*vocab], probs, logProbs)
		loss -= logProbs[y]
		g := gs[r*vocab : (r+1)*vocab]
		for k := range g {
			g[k] = float32(probs[k])
		}
		g[y]--
		counted++
	}
	if counted == 0 {
		return 0, nil, errors.New("every label in the batch is masked")
	}
	inv := 1 / float64(counted)
	for i := range gs {
		gs[i] = float32(float64(gs[i]) * inv)
	}
	return loss * inv, grad, nil
}

// KLDivergence returns the mean per-row divergence between the student and
// teacher token distributions, with the gradient taken with respect to the
// student logits. The teacher distribution is treated as a constant.
func KLDivergence(student, teacher *base.Vector, vocab int, dir KLDirection) (float64, *base.Vector, error) {
	if vocab < 1 {
		return 0, nil, errors.Errorf("invalid vocab size %d", vocab)
	}
	if !dir.valid() {
		return 0, nil, errors.Errorf("unknown kl direction %q", dir)
	}
	if teacher.Count != student.Count || student.Count%vocab != 0 || student.Count == 0 {
		return 0, nil, errors.Errorf("student %d and teacher %d logits do not factor into rows of vocab %d",
			student.Count, teacher.Count, vocab)
	}
	rows := student.Count / vocab
	grad := base.NewVector(student.Count, base.F32)
	ss, ts, gs := student.AsF32(), teacher.AsF32(), grad.AsF32()
	sp := make([]float64, vocab)
	slp := make([]float64, vocab)
	tp := make([]float64, vocab)
	tlp := make([]float64, vocab)
	var loss float64
	inv := 1 / float64(rows)
	for r := 0; r < rows; r++ {
		rowDist(ss[r*vocab:(r+1)*vocab], sp, slp)
		rowDist(ts[r*vocab:(r+1)*vocab], tp, tlp)
		g := gs[r*vocab : (r+1)*vocab]
		switch dir {
		case ForwardKL:
			for k := 0; k < vocab; k++ {
				loss += tp[k] * (tlp[k] - slp[k])
				g[k] = float32((sp[k] - tp[k]) * inv)
			}
		case BackwardKL:
			var l float64
			for k := 0; k < vocab; k++ {
				l += sp[k] * (slp[k] - tlp[k])
			}
			loss += l
			for k := 0; k < vocab; k++ {
				g[k] = float32(sp[k] * (slp[k] - tlp[k] - l) * inv)
			}
		}
	}
	return loss * inv, grad, nil
}
