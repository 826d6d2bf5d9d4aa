package train

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/data"
	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/metrics"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/utils"
)

// SaveFn persists one consistent snapshot of the run. It is called with the
// step the snapshot belongs to; the optimizer shard travels separately via
// the executor.
type SaveFn func(step int, st TrainingState) error

// TrainerConfig wires the outer loop of one rank.
type TrainerConfig struct {
	Executor *Executor
	Mixer    *data.Mixer // training split
	Eval     *data.Mixer // validation split, nil disables evaluation

	Steps        int // optimizer steps the run targets
	LogInterval  int // steps between progress lines, default 10
	EvalInterval int // steps between evaluations, 0 disables
	EvalBatches  int // microbatches per evaluation, default 8
	SaveInterval int // steps between snapshots, 0 disables

	Save    SaveFn
	Metrics *metrics.Training // optional telemetry sink
	Digest  []byte            // config bytes agreed across ranks before the loop
	Resume  *TrainingState    // continue from a restored snapshot
}

// Trainer owns the training loop of one rank: it advances the shared sample
// stream in lockstep with every other rank, keeps its own slice of each
// step, and snapshots progress so a restart replays nothing and skips
// nothing.
type Trainer struct {
	cfg   TrainerConfig
	topo  *plan.Topology
	dpPos int
	state TrainingState
	mean  *metrics.RunningMean
}

func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.Executor == nil || cfg.Mixer == nil {
		return nil, errors.New("trainer needs an executor and a training mix")
	}
	if cfg.Steps < 1 {
		return nil, errors.Errorf("need at least one training step, got %d", cfg.Steps)
	}
	if cfg.LogInterval < 0 || cfg.EvalInterval < 0 || cfg.SaveInterval < 0 {
		return nil, errors.New("intervals must be non-negative")
	}
	if cfg.EvalInterval > 0 && cfg.Eval == nil {
		return nil, errors.New("evaluation interval set without a validation mix")
	}
	if cfg.SaveInterval > 0 && cfg.Save == nil {
		return nil, errors.New("save interval set without a save hook")
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = 10
	}
	if cfg.EvalBatches == 0 {
		cfg.EvalBatches = 8
	}
	topo := cfg.Executor.Topology()
	t := &Trainer{
		cfg:   cfg,
		topo:  topo,
		dpPos: topo.Coord(cfg.Executor.Rank()).DP,
		mean:  metrics.NewRunningMean(metrics.MeanWindow),
	}
	if cfg.Resume != nil {
		if cfg.Resume.GlobalStep < 0 || cfg.Resume.GlobalStep > cfg.Steps {
			return nil, errors.Errorf("resume step %d outside run of %d steps", cfg.Resume.GlobalStep, cfg.Steps)
		}
		if err := cfg.Mixer.Restore(cfg.Resume.Mixer); err != nil {
			return nil, errors.Wrap(err, "resume")
		}
		t.state = *cfg.Resume
	}
	return t, nil
}

// State returns the progress snapshot as of the last completed step.
func (t *Trainer) State() TrainingState { return t.state }

// Run drives the loop until the step target, the context, or an error stops
// it. Cancellation is honored between steps only; a started step always
// completes so no rank leaves a collective half way.
func (t *Trainer) Run(ctx context.Context) error {
	ex := t.cfg.Executor
	if len(t.cfg.Digest) > 0 {
		same, err := ex.AgreeConfig(t.cfg.Digest)
		if err != nil {
			return err
		}
		if !same {
			return errors.New("ranks disagree on the run configuration")
		}
	}
	b, seq := ex.BatchShape()
	tokens := ex.Accum() * b * seq
	log.Rank0Infof("training %s from step %d to %d", t.topo, t.state.GlobalStep, t.cfg.Steps)

	for t.state.GlobalStep < t.cfg.Steps {
		select {
		case <-ctx.Done():
			if err := t.save(); err != nil {
				log.Errorf("shutdown snapshot: %v", err)
			}
			return ctx.Err()
		default:
		}
		step := t.state.GlobalStep
		batches, err := t.draw(t.cfg.Mixer, ex.Accum())
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		started := time.Now()
		rep, err := ex.Step(step, batches)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		t.state.GlobalStep = step + 1
		t.state.Mixer = t.cfg.Mixer.State()

		if rep.Skipped {
			log.Warnf("%v", &InstabilityError{Step: step, Rank: ex.Rank()})
		} else {
			t.mean.Add(rep.Loss)
		}
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.ObserveStep(metrics.StepSample{
				Step:     step,
				Loss:     rep.Loss,
				TaskLoss: rep.TaskLoss,
				KL:       rep.KL,
				GradNorm: rep.GradNorm,
				LR:       rep.LR,
				Skipped:  rep.Skipped,
				Duration: time.Since(started),
				Tokens:   tokens,
			})
		}
		done := t.state.GlobalStep
		if !rep.Skipped && done%t.cfg.LogInterval == 0 {
			log.Rank0Infof("step %d/%d loss=%.4f mean=%.4f lr=%.3e grad_norm=%.3f",
				done, t.cfg.Steps, rep.Loss, t.mean.Mean(), rep.LR, rep.GradNorm)
		}
		if t.cfg.EvalInterval > 0 && done%t.cfg.EvalInterval == 0 {
			if err := t.evalOnce(); err != nil {
				return errors.Wrapf(err, "evaluation after step %d", step)
			}
		}
		if t.cfg.SaveInterval > 0 && done%t.cfg.SaveInterval == 0 {
			if err := t.save(); err != nil {
				return err
			}
		}
	}
	if t.cfg.SaveInterval > 0 && t.state.GlobalStep%t.cfg.SaveInterval != 0 {
		if err := t.save(); err != nil {
			return err
		}
	}
	log.Rank0Infof("training finished at step %d", t.state.GlobalStep)
	return nil
}

// draw advances the shared sample stream by one full step for every data
// parallel rank and keeps the samples striped to this rank. All ranks call
// Next the same number of times, so the stream position stays in lockstep
// without any coordination.
func (t *Trainer) draw(m *data.Mixer, n int) ([]model.Batch, error) {
	b, seq := t.cfg.Executor.BatchShape()
	dp := t.topo.DP
	batches := make([]model.Batch, 0, n)
	for mb := 0; mb < n; mb++ {
		inputs := base.NewVector(b*seq, base.I64)
		labels := base.NewVector(b*seq, base.I64)
		row := 0
		for k := 0; k < dp*b; k++ {
			s, err := m.Next()
			if err != nil {
				return nil, err
			}
			if k%dp != t.dpPos {
				continue
			}
			if len(s.Tokens) != seq+1 {
				return nil, errors.Errorf("dataset %s yields %d-token samples, the run needs %d",
					s.Dataset, len(s.Tokens), seq+1)
			}
			copy(inputs.AsI64()[row*seq:(row+1)*seq], s.Tokens[:seq])
			copy(labels.AsI64()[row*seq:(row+1)*seq], s.Tokens[1:])
			row++
		}
		batches = append(batches, model.Batch{Inputs: inputs, Labels: labels, B: b, T: seq})
	}
	return batches, nil
}

func (t *Trainer) evalOnce() error {
	batches, err := t.draw(t.cfg.Eval, t.cfg.EvalBatches)
	if err != nil {
		return err
	}
	loss, ppl, err := t.cfg.Executor.Eval(batches)
	if err != nil {
		return err
	}
	log.Rank0Infof("eval step=%d loss=%.4f ppl=%.2f", t.state.GlobalStep, loss, ppl)
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ObserveEval(loss, ppl)
	}
	return nil
}

func (t *Trainer) save() error {
	if t.cfg.Save == nil {
		return nil
	}
	took, err := utils.Measure(func() error {
		return t.cfg.Save(t.state.GlobalStep, t.state)
	})
	if err != nil {
		return errors.Wrapf(err, "snapshot at step %d", t.state.GlobalStep)
	}
	log.Rank0Infof("snapshot at step %d, took %s", t.state.GlobalStep, took)
	return nil
}
