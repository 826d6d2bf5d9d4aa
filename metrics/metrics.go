// Package metrics exposes per-rank training telemetry as prometheus
// collectors and a small JSON status snapshot.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlweave/loom/utils"
)

// StepSample is the telemetry of one optimizer step.
type StepSample struct {
	Step     int
	Loss     float64
	TaskLoss float64
	KL       float64
	GradNorm float64
	LR       float64
	Skipped  bool
	Duration time.Duration
	Tokens   int // tokens this rank consumed in the step
}

// Snapshot is the most recent state served on /status.
type Snapshot struct {
	Step         int     `json:"step"`
	Loss         float64 `json:"loss"`
	MeanLoss     float64 `json:"mean_loss"`
	LR           float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
	SkippedSteps int     `json:"skipped_steps"`
	TokensPerSec float64 `json:"tokens_per_sec"`
	EvalLoss     float64 `json:"eval_loss"`
	EvalPPL      float64 `json:"eval_ppl"`
}

// Training collects step telemetry for one rank. All collectors live on a
// private registry so tests and multi-rank processes do not collide on the
// global one.
type Training struct {
	reg *prometheus.Registry

	stepSeconds prometheus.Histogram
	loss        prometheus.Gauge
	taskLoss    prometheus.Gauge
	klLoss      prometheus.Gauge
	gradNorm    prometheus.Gauge
	lr          prometheus.Gauge
	tokens      prometheus.Counter
	steps       prometheus.Counter
	skipped     prometheus.Counter
	evalLoss    prometheus.Gauge
	evalPPL     prometheus.Gauge

	mu   sync.Mutex
	mean *RunningMean
	snap Snapshot
}

// MeanWindow is the number of recent steps the reported mean loss covers.
const MeanWindow = 100

func NewTraining(rank int) *Training {
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	}
	t := &Training{
		reg: prometheus.NewRegistry(),
		stepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "loom_step_seconds",
			Help:        "Wall time of one optimizer step",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		loss:     gauge("loom_loss", "Blended training loss of the last step"),
		taskLoss: gauge("loom_task_loss", "Cross-entropy part of the last step loss"),
		klLoss:   gauge("loom_kl_loss", "Divergence part of the last step loss"),
		gradNorm: gauge("loom_grad_norm", "Pre-clip global gradient norm of the last step"),
		lr:       gauge("loom_learning_rate", "Learning rate applied by the last step"),
		tokens:   counter("loom_tokens_total", "Tokens consumed by this rank"),
		steps:    counter("loom_steps_total", "Optimizer steps completed"),
		skipped:  counter("loom_skipped_steps_total", "Steps whose update was skipped as non-finite"),
		evalLoss: gauge("loom_eval_loss", "Validation cross-entropy of the last evaluation"),
		evalPPL:  gauge("loom_eval_perplexity", "Validation perplexity of the last evaluation"),
		mean:     NewRunningMean(MeanWindow),
	}
	t.reg.MustRegister(t.stepSeconds, t.loss, t.taskLoss, t.klLoss, t.gradNorm,
		t.lr, t.tokens, t.steps, t.skipped, t.evalLoss, t.evalPPL)
	return t
}

// Registry exposes the collectors for scraping.
func (t *Training) Registry() *prometheus.Registry { return t.reg }

func (t *Training) ObserveStep(s StepSample) {
	t.steps.Inc()
	t.stepSeconds.Observe(s.Duration.Seconds())
	t.lr.Set(s.LR)
	t.tokens.Add(float64(s.Tokens))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Step = s.Step
	t.snap.LR = s.LR
	if s.Duration > 0 {
		t.snap.TokensPerSec = utils.Rate(int64(s.Tokens), s.Duration)
	}
	if s.Skipped {
		t.skipped.Inc()
		t.snap.SkippedSteps++
		return
	}
	t.loss.Set(s.Loss)
	t.taskLoss.Set(s.TaskLoss)
	t.klLoss.Set(s.KL)
	t.gradNorm.Set(s.GradNorm)
	t.mean.Add(s.Loss)
	t.snap.Loss = s.Loss
	t.snap.MeanLoss = t.mean.Mean()
	t.snap.GradNorm = s.GradNorm
}

func (t *Training) ObserveEval(loss, ppl float64) {
	t.evalLoss.Set(loss)
	t.evalPPL.Set(ppl)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.EvalLoss = loss
	t.snap.EvalPPL = ppl
}

func (t *Training) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
