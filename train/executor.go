package train

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/comm"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/pipeline"
	"github.com/mlweave/loom/plan"
)

// Config assembles one rank's share of the step executor.
type Config struct {
	Topology *plan.Topology
	Rank     int
	Comm     comm.Comm
	Stage    model.Stage
	Teacher  model.Teacher // distillation only

	Method   Method
	KLDir    KLDirection // distillation only
	KLWeight float64     // blend weight of the divergence term

	Vocab      int
	Hidden     int
	MicroBatch int // sequences per microbatch
	SeqLen     int
	Accum      int // microbatches per optimizer step

	Clip      float64 // max gradient norm, 0 disables clipping
	Schedule  opt.Schedule
	Optimizer opt.AdamWConfig
}

func (c Config) validate() error {
	if c.Topology == nil || c.Comm == nil || c.Stage == nil {
		return errors.New("executor needs a topology, a fabric and a stage")
	}
	if c.Rank < 0 || c.Rank >= c.Topology.World {
		return errors.Errorf("rank %d out of world %d", c.Rank, c.Topology.World)
	}
	if !c.Method.valid() {
		return errors.Errorf("unknown training method %q", c.Method)
	}
	if c.Method == Distillation {
		if c.Teacher == nil {
			return errors.New("distillation needs a teacher model")
		}
		if !c.KLDir.valid() {
			return errors.Errorf("unknown kl direction %q", c.KLDir)
		}
		if c.KLWeight < 0 || c.KLWeight > 1 {
			return errors.Errorf("kl weight %v outside [0,1]", c.KLWeight)
		}
		if c.Topology.TP > 1 || c.Topology.PP > 1 {
			return errors.New("distillation supports tensor and pipeline degree 1 only")
		}
	}
	if c.Vocab < 1 || c.Hidden < 1 || c.MicroBatch < 1 || c.SeqLen < 1 || c.Accum < 1 {
		return errors.Errorf("invalid shapes: vocab=%d hidden=%d microbatch=%d seqlen=%d accum=%d",
			c.Vocab, c.Hidden, c.MicroBatch, c.SeqLen, c.Accum)
	}
	if c.Clip < 0 {
		return errors.Errorf("negative gradient clip %v", c.Clip)
	}
	return c.Schedule.Validate()
}

// Report summarizes one optimizer step as seen identically by every rank.
type Report struct {
	Loss     float64 // blended objective
	TaskLoss float64 // cross-entropy part
	KL       float64 // divergence part, distillation only
	GradNorm float64 // pre-clip global norm
	LR       float64
	Skipped  bool
}

// Executor runs optimizer steps for one rank: the 1F1B microbatch walk,
// topology-consistent gradient reduction, the collective skip decision,
// global-norm clipping and the sharded AdamW update.
type Executor struct {
	cfg    Config
	topo   *plan.Topology
	runner *pipeline.Runner
	flat   *opt.Flat // every stage parameter
	rep    *opt.Flat // the tensor-replicated subset
	optim  *opt.AdamW
	own    plan.Interval

	world comm.Group
	dp    comm.Group
	tp    comm.Group
	pp    comm.Group
	shard comm.Group
	whole comm.Group // one full model copy
}

func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "executor config")
	}
	topo := cfg.Topology
	coord := topo.Coord(cfg.Rank)
	prev, _ := topo.PrevStage(cfg.Rank)
	next, _ := topo.NextStage(cfg.Rank)
	bound := cfg.MicroBatch * cfg.SeqLen * cfg.Hidden
	runner, err := pipeline.NewRunner(pipeline.Config{
		Stage:    cfg.Stage,
		Comm:     cfg.Comm,
		Depth:    topo.PP,
		Index:    coord.PP,
		Prev:     prev,
		Next:     next,
		InCount:  bound,
		OutCount: bound,
	})
	if err != nil {
		return nil, err
	}
	flat := opt.NewFlat(cfg.Stage.Params())
	if flat.Total() == 0 {
		return nil, errors.New("stage has no parameters")
	}
	var rep []*model.Param
	for _, p := range cfg.Stage.Params() {
		if !p.TPShard {
			rep = append(rep, p)
		}
	}
	own := flat.OwnedShard(topo.Shard(coord), topo.Shards)
	optim, err := opt.NewAdamW(cfg.Optimizer, flat, own)
	if err != nil {
		return nil, err
	}
	world := make(comm.Group, topo.World)
	for i := range world {
		world[i] = i
	}
	return &Executor{
		cfg:    cfg,
		topo:   topo,
		runner: runner,
		flat:   flat,
		rep:    opt.NewFlat(rep),
		optim:  optim,
		own:    own,
		world:  world,
		dp:     comm.Group(topo.DPGroup(cfg.Rank)),
		tp:     comm.Group(topo.TPGroup(cfg.Rank)),
		pp:     comm.Group(topo.PPGroup(cfg.Rank)),
		shard:  comm.Group(topo.ShardGroup(cfg.Rank)),
		whole:  comm.Group(topo.ModelGroup(cfg.Rank)),
	}, nil
}

func (e *Executor) Topology() *plan.Topology { return e.topo }
func (e *Executor) Rank() int                { return e.cfg.Rank }

// BatchShape returns the microbatch dimensions one feed must satisfy.
func (e *Executor) BatchShape() (b, t int) { return e.cfg.MicroBatch, e.cfg.SeqLen }

// Accum is the number of microbatches one optimizer step consumes.
func (e *Executor) Accum() int { return e.cfg.Accum }

// Optimizer exposes this rank's shard of the optimizer for checkpointing.
func (e *Executor) Optimizer() *opt.AdamW { return e.optim }

// ParamCount is the element count of the whole flat parameter stream,
// before sharding.
func (e *Executor) ParamCount() int { return e.flat.Total() }

// AgreeConfig verifies that every rank derived its executor from identical
// configuration bytes. Divergent configs would otherwise surface as silent
// numeric drift or deadlocked collectives.
func (e *Executor) AgreeConfig(digest []byte) (bool, error) {
	return e.cfg.Comm.Consensus(e.world, digest, "config")
}

// Step runs one optimizer step over the microbatches of this rank. The
// update is skipped, with Report.Skipped set, when any rank in the world saw
// a non-finite loss or gradient; the decision is collective so every rank
// takes the same branch through the following reductions.
func (e *Executor) Step(step int, batches []model.Batch) (Report, error) {
	if len(batches) != e.cfg.Accum {
		return Report{}, errors.Errorf("got %d microbatches, want %d", len(batches), e.cfg.Accum)
	}
	for i, b := range batches {
		if err := e.checkBatch(b); err != nil {
			return Report{}, errors.Wrapf(err, "microbatch %d", i)
		}
	}
	e.cfg.Stage.ZeroGrads()

	var taskSum, klSum float64
	feed := func(mb int) (*base.Vector, error) { return batches[mb].Inputs, nil }
	seed := func(mb int, logits *base.Vector) (*base.Vector, error) {
		return e.seedGrad(batches[mb], logits, &taskSum, &klSum)
	}
	if err := e.runner.Step(e.cfg.Accum, feed, seed); err != nil {
		return Report{}, err
	}

	accum := float64(e.cfg.Accum)
	buf := e.flat.Grads(e.flat.Whole())
	opt.Scale(buf, 1/accum)

	report := Report{LR: e.cfg.Schedule.At(step)}
	finite := opt.Finite(buf) && finiteVal(taskSum) && finiteVal(klSum)
	agreed, err := e.agreeFinite(finite)
	if err != nil {
		return Report{}, err
	}
	if !agreed {
		report.Skipped = true
		return report, nil
	}

	if err := e.cfg.Comm.AllReduce(e.dp, base.Workspace{SendBuf: buf, RecvBuf: buf, OP: base.SUM, Name: "grads/dp"}); err != nil {
		return Report{}, err
	}
	opt.Scale(buf, 1/float64(e.topo.DP))
	if err := e.flat.SetGrads(e.flat.Whole(), buf); err != nil {
		return Report{}, err
	}
	if e.topo.TP > 1 && e.rep.Total() > 0 {
		rbuf := e.rep.Grads(e.rep.Whole())
		if err := e.cfg.Comm.AllReduce(e.tp, base.Workspace{SendBuf: rbuf, RecvBuf: rbuf, OP: base.SUM, Name: "grads/tp"}); err != nil {
			return Report{}, err
		}
		if err := e.rep.SetGrads(e.rep.Whole(), rbuf); err != nil {
			return Report{}, err
		}
	}

	norm, err := e.globalNorm()
	if err != nil {
		return Report{}, err
	}
	report.GradNorm = norm

	gshard := e.flat.Grads(e.own)
	opt.Scale(gshard, opt.ClipCoef(norm, e.cfg.Clip))
	if err := e.optim.Step(report.LR, gshard); err != nil {
		return Report{}, err
	}
	if err := e.syncParams(); err != nil {
		return Report{}, err
	}

	task, kl, err := e.shareLoss("step", taskSum/accum, klSum/accum)
	if err != nil {
		return Report{}, err
	}
	report.TaskLoss, report.KL = task, kl
	report.Loss = task
	if e.cfg.Method == Distillation {
		w := e.cfg.KLWeight
		report.Loss = (1-w)*task + w*kl
	}
	return report, nil
}

// Eval runs the microbatches forward only and returns the data-parallel
// mean cross-entropy and its perplexity.
func (e *Executor) Eval(batches []model.Batch) (loss, ppl float64, err error) {
	if len(batches) == 0 {
		return 0, 0, errors.New("no evaluation microbatches")
	}
	for i, b := range batches {
		if err := e.checkBatch(b); err != nil {
			return 0, 0, errors.Wrapf(err, "microbatch %d", i)
		}
	}
	var sum float64
	feed := func(mb int) (*base.Vector, error) { return batches[mb].Inputs, nil }
	consume := func(mb int, logits *base.Vector) error {
		l, _, err := CrossEntropy(logits, batches[mb].Labels, e.cfg.Vocab)
		if err != nil {
			return err
		}
		sum += l
		return nil
	}
	if err := e.runner.Eval(len(batches), feed, consume); err != nil {
		return 0, 0, err
	}
	loss, _, err = e.shareLoss("eval", sum/float64(len(batches)), 0)
	if err != nil {
		return 0, 0, err
	}
	return loss, math.Exp(loss), nil
}

func (e *Executor) checkBatch(b model.Batch) error {
	want := e.cfg.MicroBatch * e.cfg.SeqLen
	if b.B != e.cfg.MicroBatch || b.T != e.cfg.SeqLen ||
		b.Inputs == nil || b.Inputs.Count != want ||
		b.Labels == nil || b.Labels.Count != want {
		return errors.Errorf("batch shape %dx%d does not match %dx%d", b.B, b.T, e.cfg.MicroBatch, e.cfg.SeqLen)
	}
	return nil
}

// seedGrad turns last-stage logits into the gradient seeding one backward
// pass, accumulating the window losses on the way.
func (e *Executor) seedGrad(b model.Batch, logits *base.Vector, taskSum, klSum *float64) (*base.Vector, error) {
	task, grad, err := CrossEntropy(logits, b.Labels, e.cfg.Vocab)
	if err != nil {
		return nil, err
	}
	*taskSum += task
	if e.cfg.Method != Distillation {
		return grad, nil
	}
	tl, err := e.cfg.Teacher.Logits(b)
	if err != nil {
		return nil, errors.Wrap(err, "teacher forward")
	}
	kl, kgrad, err := KLDivergence(logits, tl, e.cfg.Vocab, e.cfg.KLDir)
	if err != nil {
		return nil, err
	}
	*klSum += kl
	w := e.cfg.KLWeight
	gs, ks := grad.AsF32(), kgrad.AsF32()
	for i := range gs {
		gs[i] = float32((1-w)*float64(gs[i]) + w*float64(ks[i]))
	}
	return grad, nil
}

// agreeFinite runs the collective skip decision: MIN over per-rank finite
// flags, so a single non-finite rank vetoes the update everywhere.
func (e *Executor) agreeFinite(local bool) (bool, error) {
	flag := base.NewVector(1, base.I64)
	if local {
		flag.AsI64()[0] = 1
	}
	if err := e.cfg.Comm.AllReduce(e.world, base.Workspace{SendBuf: flag, RecvBuf: flag, OP: base.MIN, Name: "step/finite"}); err != nil {
		return false, err
	}
	return flag.AsI64()[0] == 1, nil
}

// globalNorm combines per-shard sums of squares over the group holding one
// full copy of the model, so clipping uses the norm of the whole logical
// parameter set. Tensor-replicated segments appear on every tp rank and are
// weighted down accordingly.
func (e *Executor) globalNorm() (float64, error) {
	var local float64
	for i, p := range e.flat.Params() {
		seg := e.flat.Segment(i)
		lo, hi := max(seg.Begin, e.own.Begin), min(seg.End, e.own.End)
		if lo >= hi {
			continue
		}
		ss := opt.SumSquares(p.Grad.Slice(lo-seg.Begin, hi-seg.Begin))
		if !p.TPShard {
			ss /= float64(e.topo.TP)
		}
		local += ss
	}
	v := base.NewVector(1, base.F64)
	v.AsF64()[0] = local
	if err := e.cfg.Comm.AllReduce(e.whole, base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: "grads/normsq"}); err != nil {
		return 0, err
	}
	return math.Sqrt(v.AsF64()[0]), nil
}

// syncParams narrows the updated master shards back into the working
// parameters. Each shard owner broadcasts its f32 master across the shard
// group; every rank then narrows identically, so working copies stay
// bitwise equal across replicas regardless of the working dtype.
func (e *Executor) syncParams() error {
	if e.topo.Shards == 1 {
		return e.flat.SetData(e.own, e.optim.Master())
	}
	for s := 0; s < e.topo.Shards; s++ {
		iv := e.flat.OwnedShard(s, e.topo.Shards)
		root := e.shard[s]
		buf := e.optim.Master()
		if root != e.cfg.Rank {
			buf = base.NewVector(iv.Len(), base.F32)
		}
		w := base.Workspace{SendBuf: buf, RecvBuf: buf, Name: fmt.Sprintf("params/shard%d", s)}
		if err := e.cfg.Comm.Broadcast(e.shard, w, root); err != nil {
			return err
		}
		if err := e.flat.SetData(iv, buf); err != nil {
			return err
		}
	}
	return nil
}

// RestoreOptimizer installs a checkpointed optimizer shard and rebuilds the
// working parameters from the restored masters. Collective: every rank of
// the run must call it together.
func (e *Executor) RestoreOptimizer(st opt.AdamWState) error {
	if err := e.optim.Restore(st); err != nil {
		return err
	}
	return e.syncParams()
}

// shareLoss averages the last stage's window losses across the data
// parallel axis and pushes them down the pipeline axis, so every rank
// reports the same numbers.
func (e *Executor) shareLoss(kind string, task, kl float64) (float64, float64, error) {
	v := base.NewVector(2, base.F64)
	if e.topo.IsLastStage(e.cfg.Rank) {
		v.AsF64()[0], v.AsF64()[1] = task, kl
	}
	w := base.Workspace{SendBuf: v, RecvBuf: v, OP: base.SUM, Name: kind + "/loss/dp"}
	if err := e.cfg.Comm.AllReduce(e.dp, w); err != nil {
		return 0, 0, err
	}
	v.AsF64()[0] /= float64(e.topo.DP)
	v.AsF64()[1] /= float64(e.topo.DP)
	if e.topo.PP > 1 {
		w := base.Workspace{SendBuf: v, RecvBuf: v, Name: kind + "/loss/pp"}
		if err := e.cfg.Comm.Broadcast(e.pp, w, e.pp[e.topo.PP-1]); err != nil {
			return 0, 0, err
		}
	}
	return v.AsF64()[0], v.AsF64()[1], nil
}

func finiteVal(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
