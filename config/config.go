// Package config loads and validates the declarative run document. The
// document is decoded strictly, defaulted, then validated field by field
// before anything else starts; the rest of the repo consumes typed views
// of it instead of re-reading YAML.
package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/ckpt"
	"github.com/mlweave/loom/data"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/opt"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/train"
)

// ValidationError reports one malformed or contradictory field of the run
// document, named by its path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RunConfig is the whole run document.
type RunConfig struct {
	Datasets           []DatasetConfig    `yaml:"datasets"`
	ModelArgs          ModelArgs          `yaml:"model_args"`
	TuningArgs         TuningArgs         `yaml:"tuning_args"`
	TeacherArgs        *TeacherArgs       `yaml:"teacher_args,omitempty"`
	SaveArgs           SaveArgs           `yaml:"save_args"`
	TrainingParameters TrainingParameters `yaml:"training_parameters"`
	OptimizerArgs      OptimizerArgs      `yaml:"optimizer_args"`
	LRSchedulerArgs    LRSchedulerArgs    `yaml:"lr_scheduler_args"`
	MixedPrecisionArgs MixedPrecisionArgs `yaml:"mixed_precision_args"`
	DistributedArgs    DistributedArgs    `yaml:"distributed_args"`
	MetricsArgs        MetricsArgs        `yaml:"metrics_args"`
}

type DatasetConfig struct {
	Name           string         `yaml:"name"`
	SamplingRatio  float64        `yaml:"sampling_ratio"`
	SequenceLength int            `yaml:"sequence_length"`
	Split          SplitConfig    `yaml:"split"`
	Sources        []SourceConfig `yaml:"sources"`
}

type SourceConfig struct {
	Path   string  `yaml:"path"`
	Weight float64 `yaml:"weight"`
}

type SplitConfig struct {
	Train int `yaml:"train"`
	Val   int `yaml:"val"`
	Test  int `yaml:"test"`
}

type ModelArgs struct {
	ModelName  string `yaml:"model_name"`
	VocabSize  int    `yaml:"vocab_size"`
	HiddenSize int    `yaml:"hidden_size"`
	Seed       uint64 `yaml:"seed"`
}

type TuningArgs struct {
	TuningMethod string `yaml:"tuning_method"`
}

type TeacherArgs struct {
	ModelName          string  `yaml:"model_name"`
	HiddenSize         int     `yaml:"hidden_size"`
	Seed               uint64  `yaml:"seed"`
	KLDivergenceMethod string  `yaml:"kl_divergence_method"`
	KLDivergenceWeight float64 `yaml:"kl_divergence_weight"`
}

type SaveArgs struct {
	SavePath     string         `yaml:"save_path"`
	SaveInterval int            `yaml:"save_interval"`
	S3           *ckpt.S3Config `yaml:"s3,omitempty"`
}

type TrainingParameters struct {
	NumTrainingSteps          int     `yaml:"num_training_steps"`
	MicroBatchSize            int     `yaml:"micro_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	EvalInterval              int     `yaml:"eval_interval"`
	EvalBatches               int     `yaml:"eval_batches"`
	LogInterval               int     `yaml:"log_interval"`
	GradientClipping          float64 `yaml:"gradient_clipping"`
}

type OptimizerArgs struct {
	LR          float64 `yaml:"lr"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Eps         float64 `yaml:"eps"`
	WeightDecay float64 `yaml:"weight_decay"`
}

type LRSchedulerArgs struct {
	LRDecayStyle     string  `yaml:"lr_decay_style"`
	NumWarmupSteps   int     `yaml:"num_warmup_steps"`
	NumConstantSteps int     `yaml:"num_constant_steps"`
	NumDecaySteps    int     `yaml:"num_decay_steps"`
	LRDecayFactor    float64 `yaml:"lr_decay_factor"`
}

type MixedPrecisionArgs struct {
	DType string `yaml:"dtype"`
}

type ZeroTopology struct {
	ReplicationWorldSize int `yaml:"data_parallel_replication_world_size"`
	ShardingWorldSize    int `yaml:"data_parallel_sharding_world_size"`
}

type DistributedArgs struct {
	Stage                     int          `yaml:"stage"`
	FSDPAlgorithm             int          `yaml:"fsdp_algorithm"`
	TensorParallelWorldSize   int          `yaml:"tensor_parallel_world_size"`
	PipelineParallelWorldSize int          `yaml:"pipeline_parallel_world_size"`
	PipelineParallelSchedule  string       `yaml:"pipeline_parallel_schedule"`
	ZeroTopology              ZeroTopology `yaml:"zero_topology"`
}

type MetricsArgs struct {
	Addr string `yaml:"addr"` // empty disables the status server
}

// Load reads, defaults and validates one run document.
func Load(path string) (*RunConfig, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Field: "document", Reason: err.Error()}
	}
	return Parse(doc)
}

// Parse decodes a run document. Unknown fields are errors, so a typo
// cannot silently disable what it meant to configure.
func Parse(doc []byte) (*RunConfig, error) {
	var cfg RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ValidationError{Field: "document", Reason: err.Error()}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.TrainingParameters.GradientAccumulationSteps == 0 {
		c.TrainingParameters.GradientAccumulationSteps = 1
	}
	if c.TrainingParameters.LogInterval == 0 {
		c.TrainingParameters.LogInterval = 10
	}
	if c.TrainingParameters.EvalBatches == 0 {
		c.TrainingParameters.EvalBatches = 8
	}
	if c.MixedPrecisionArgs.DType == "" {
		c.MixedPrecisionArgs.DType = "f32"
	}
	if c.LRSchedulerArgs.LRDecayStyle == "" {
		c.LRSchedulerArgs.LRDecayStyle = string(opt.CosineDecay)
	}
	if c.DistributedArgs.PipelineParallelSchedule == "" {
		c.DistributedArgs.PipelineParallelSchedule = "1f1b"
	}
}

// Validate checks every group of the document. The first offence wins and
// is reported with its field path.
func (c *RunConfig) Validate() error {
	if err := c.validateDatasets(); err != nil {
		return err
	}
	if c.ModelArgs.VocabSize < 1 {
		return invalidf("model_args.vocab_size", "must be positive, got %d", c.ModelArgs.VocabSize)
	}
	if c.ModelArgs.HiddenSize < 1 {
		return invalidf("model_args.hidden_size", "must be positive, got %d", c.ModelArgs.HiddenSize)
	}
	if err := c.validateTuning(); err != nil {
		return err
	}
	if err := c.validateSave(); err != nil {
		return err
	}
	if err := c.validateTraining(); err != nil {
		return err
	}
	if err := c.validateOptimizer(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if _, err := c.dtype(); err != nil {
		return err
	}
	return c.validateDistributed()
}

func (c *RunConfig) validateDatasets() error {
	if len(c.Datasets) == 0 {
		return invalidf("datasets", "at least one dataset is required")
	}
	active, seq := 0, 0
	for i, d := range c.Datasets {
		path := fmt.Sprintf("datasets[%d]", i)
		if d.Name == "" {
			return invalidf(path+".name", "must not be empty")
		}
		if d.SamplingRatio < 0 {
			return invalidf(path+".sampling_ratio", "must be non-negative, got %v", d.SamplingRatio)
		}
		if d.SequenceLength < 1 {
			return invalidf(path+".sequence_length", "must be positive, got %d", d.SequenceLength)
		}
		if len(d.Sources) == 0 {
			return invalidf(path+".sources", "at least one source is required")
		}
		for j, s := range d.Sources {
			if s.Path == "" {
				return invalidf(fmt.Sprintf("%s.sources[%d].path", path, j), "must not be empty")
			}
			if s.Weight < 0 {
				return invalidf(fmt.Sprintf("%s.sources[%d].weight", path, j), "must be non-negative, got %v", s.Weight)
			}
		}
		sp := d.Split
		if !(sp.Train == 0 && sp.Val == 0 && sp.Test == 0) {
			if sp.Train < 0 || sp.Val < 0 || sp.Test < 0 || sp.Train+sp.Val+sp.Test != 100 {
				return invalidf(path+".split", "fractions must be non-negative and sum to 100, got %d/%d/%d",
					sp.Train, sp.Val, sp.Test)
			}
		}
		if d.SamplingRatio == 0 {
			continue
		}
		active++
		if seq == 0 {
			seq = d.SequenceLength
		} else if d.SequenceLength != seq {
			return invalidf(path+".sequence_length",
				"all sampled datasets must share one sequence length, got %d and %d", seq, d.SequenceLength)
		}
		if c.TrainingParameters.EvalInterval > 0 && d.Split.Val == 0 {
			return invalidf(path+".split.val",
				"eval_interval > 0 needs a validation split on every sampled dataset")
		}
	}
	if active == 0 {
		return invalidf("datasets", "no dataset has a positive sampling_ratio")
	}
	return nil
}

func (c *RunConfig) validateTuning() error {
	m := train.Method(c.TuningArgs.TuningMethod)
	switch m {
	case train.Pretraining, train.FullFinetuning, train.Distillation:
	default:
		return invalidf("tuning_args.tuning_method",
			"must be pretraining, full_finetuning or distillation, got %q", c.TuningArgs.TuningMethod)
	}
	if m != train.Distillation {
		if c.TeacherArgs != nil {
			return invalidf("teacher_args", "only valid with tuning_method distillation")
		}
		return nil
	}
	t := c.TeacherArgs
	if t == nil {
		return invalidf("teacher_args", "required with tuning_method distillation")
	}
	if t.HiddenSize < 1 {
		return invalidf("teacher_args.hidden_size", "must be positive, got %d", t.HiddenSize)
	}
	switch train.KLDirection(t.KLDivergenceMethod) {
	case train.ForwardKL, train.BackwardKL:
	default:
		return invalidf("teacher_args.kl_divergence_method",
			"must be forward or backward, got %q", t.KLDivergenceMethod)
	}
	if t.KLDivergenceWeight < 0 || t.KLDivergenceWeight > 1 {
		return invalidf("teacher_args.kl_divergence_weight", "must be in [0, 1], got %v", t.KLDivergenceWeight)
	}
	d := c.DistributedArgs
	if d.TensorParallelWorldSize > 1 || d.PipelineParallelWorldSize > 1 {
		return invalidf("tuning_args.tuning_method",
			"distillation supports neither tensor nor pipeline parallelism")
	}
	return nil
}

func (c *RunConfig) validateSave() error {
	s := c.SaveArgs
	if s.SaveInterval < 0 {
		return invalidf("save_args.save_interval", "must be non-negative, got %d", s.SaveInterval)
	}
	if s.SaveInterval == 0 {
		return nil
	}
	if s.SavePath == "" && s.S3 == nil {
		return invalidf("save_args", "save_interval > 0 needs save_path or s3")
	}
	if s.SavePath != "" && s.S3 != nil {
		return invalidf("save_args", "save_path and s3 are mutually exclusive")
	}
	if s.S3 != nil && s.S3.Bucket == "" {
		return invalidf("save_args.s3.bucket", "must not be empty")
	}
	return nil
}

func (c *RunConfig) validateTraining() error {
	t := c.TrainingParameters
	if t.NumTrainingSteps < 1 {
		return invalidf("training_parameters.num_training_steps", "must be positive, got %d", t.NumTrainingSteps)
	}
	if t.MicroBatchSize < 1 {
		return invalidf("training_parameters.micro_batch_size", "must be positive, got %d", t.MicroBatchSize)
	}
	if t.GradientAccumulationSteps < 1 {
		return invalidf("training_parameters.gradient_accumulation_steps", "must be positive, got %d", t.GradientAccumulationSteps)
	}
	if t.EvalInterval < 0 {
		return invalidf("training_parameters.eval_interval", "must be non-negative, got %d", t.EvalInterval)
	}
	if t.EvalBatches < 1 {
		return invalidf("training_parameters.eval_batches", "must be positive, got %d", t.EvalBatches)
	}
	if t.LogInterval < 1 {
		return invalidf("training_parameters.log_interval", "must be positive, got %d", t.LogInterval)
	}
	if t.GradientClipping < 0 {
		return invalidf("training_parameters.gradient_clipping", "must be non-negative, got %v", t.GradientClipping)
	}
	return nil
}

func (c *RunConfig) validateOptimizer() error {
	o := c.OptimizerArgs
	if o.LR <= 0 {
		return invalidf("optimizer_args.lr", "must be positive, got %v", o.LR)
	}
	if o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1 {
		return invalidf("optimizer_args", "betas must be in [0, 1), got %v and %v", o.Beta1, o.Beta2)
	}
	if o.Eps < 0 {
		return invalidf("optimizer_args.eps", "must be non-negative, got %v", o.Eps)
	}
	if o.WeightDecay < 0 {
		return invalidf("optimizer_args.weight_decay", "must be non-negative, got %v", o.WeightDecay)
	}
	return nil
}

func (c *RunConfig) validateScheduler() error {
	s := c.LRSchedulerArgs
	switch opt.DecayStyle(s.LRDecayStyle) {
	case opt.CosineDecay, opt.LinearDecay:
	case opt.ExponentialDecay:
		if s.LRDecayFactor <= 0 {
			return invalidf("lr_scheduler_args.lr_decay_factor", "exponential decay needs a positive factor")
		}
	default:
		return invalidf("lr_scheduler_args.lr_decay_style",
			"must be cosine, linear or exponential, got %q", s.LRDecayStyle)
	}
	if s.NumWarmupSteps < 0 || s.NumConstantSteps < 0 || s.NumDecaySteps < 0 {
		return invalidf("lr_scheduler_args", "phase lengths must be non-negative, got %d/%d/%d",
			s.NumWarmupSteps, s.NumConstantSteps, s.NumDecaySteps)
	}
	if s.LRDecayFactor < 0 || s.LRDecayFactor > 1 {
		return invalidf("lr_scheduler_args.lr_decay_factor", "must be in [0, 1], got %v", s.LRDecayFactor)
	}
	return nil
}

func (c *RunConfig) validateDistributed() error {
	d := c.DistributedArgs
	if d.Stage < 0 || d.Stage > 3 {
		return invalidf("distributed_args.stage", "must be 1, 2 or 3, got %d", d.Stage)
	}
	if d.FSDPAlgorithm < 0 || d.FSDPAlgorithm > 2 {
		return invalidf("distributed_args.fsdp_algorithm", "must be 1 or 2, got %d", d.FSDPAlgorithm)
	}
	if d.TensorParallelWorldSize < 0 {
		return invalidf("distributed_args.tensor_parallel_world_size", "must not be negative, got %d", d.TensorParallelWorldSize)
	}
	if d.PipelineParallelWorldSize < 0 {
		return invalidf("distributed_args.pipeline_parallel_world_size", "must not be negative, got %d", d.PipelineParallelWorldSize)
	}
	if d.PipelineParallelSchedule != "1f1b" {
		return invalidf("distributed_args.pipeline_parallel_schedule", "only 1f1b is supported, got %q", d.PipelineParallelSchedule)
	}
	z := d.ZeroTopology
	if z.ReplicationWorldSize < 0 {
		return invalidf("distributed_args.zero_topology.data_parallel_replication_world_size",
			"must not be negative, got %d", z.ReplicationWorldSize)
	}
	if z.ShardingWorldSize < 0 {
		return invalidf("distributed_args.zero_topology.data_parallel_sharding_world_size",
			"must not be negative, got %d", z.ShardingWorldSize)
	}
	return nil
}

func (c *RunConfig) dtype() (base.DataType, error) {
	t, ok := base.ParseDataType(c.MixedPrecisionArgs.DType)
	if !ok || (t != base.F32 && t != base.BF16 && t != base.F16) {
		return 0, invalidf("mixed_precision_args.dtype", "must be f32, bf16 or f16, got %q", c.MixedPrecisionArgs.DType)
	}
	return t, nil
}

// SequenceLength is the shared sequence length of the sampled datasets.
func (c *RunConfig) SequenceLength() int {
	for _, d := range c.Datasets {
		if d.SamplingRatio > 0 {
			return d.SequenceLength
		}
	}
	return 0
}

// DatasetSpecs converts the dataset group into mixer specs.
func (c *RunConfig) DatasetSpecs() []data.DatasetSpec {
	specs := make([]data.DatasetSpec, 0, len(c.Datasets))
	for _, d := range c.Datasets {
		spec := data.DatasetSpec{
			Name:           d.Name,
			SamplingRatio:  d.SamplingRatio,
			SequenceLength: d.SequenceLength,
			Split:          data.SplitSpec{Train: d.Split.Train, Val: d.Split.Val, Test: d.Split.Test},
		}
		for _, s := range d.Sources {
			spec.Sources = append(spec.Sources, data.SourceSpec{Path: s.Path, Weight: s.Weight})
		}
		specs = append(specs, spec)
	}
	return specs
}

// Method is the validated tuning method.
func (c *RunConfig) Method() train.Method { return train.Method(c.TuningArgs.TuningMethod) }

// Schedule maps lr_scheduler_args and the optimizer peak onto the pure
// step schedule.
func (c *RunConfig) Schedule() opt.Schedule {
	s := c.LRSchedulerArgs
	return opt.Schedule{
		Peak:     c.OptimizerArgs.LR,
		Warmup:   s.NumWarmupSteps,
		Constant: s.NumConstantSteps,
		Decay:    s.NumDecaySteps,
		Style:    opt.DecayStyle(s.LRDecayStyle),
		Factor:   s.LRDecayFactor,
	}
}

// AdamW maps optimizer_args onto the optimizer configuration.
func (c *RunConfig) AdamW() opt.AdamWConfig {
	o := c.OptimizerArgs
	return opt.AdamWConfig{Beta1: o.Beta1, Beta2: o.Beta2, Eps: o.Eps, WeightDecay: o.WeightDecay}
}

// TopologySpec maps distributed_args onto the declared parallel degrees.
func (c *RunConfig) TopologySpec() plan.TopologySpec {
	d := c.DistributedArgs
	return plan.TopologySpec{
		TP:       d.TensorParallelWorldSize,
		PP:       d.PipelineParallelWorldSize,
		Stage:    d.Stage,
		Replicas: d.ZeroTopology.ReplicationWorldSize,
		Shards:   d.ZeroTopology.ShardingWorldSize,
	}
}

// ModelConfig shapes the student model in the configured working dtype.
func (c *RunConfig) ModelConfig() (model.Config, error) {
	t, err := c.dtype()
	if err != nil {
		return model.Config{}, err
	}
	return model.Config{
		Vocab:  c.ModelArgs.VocabSize,
		Hidden: c.ModelArgs.HiddenSize,
		DType:  t,
		Seed:   c.ModelArgs.Seed,
	}, nil
}

// TeacherConfig shapes the frozen teacher. Teacher computation is always
// f32 and shares the student's vocabulary.
func (c *RunConfig) TeacherConfig() (model.Config, bool) {
	if c.TeacherArgs == nil {
		return model.Config{}, false
	}
	return model.Config{
		Vocab:  c.ModelArgs.VocabSize,
		Hidden: c.TeacherArgs.HiddenSize,
		DType:  base.F32,
		Seed:   c.TeacherArgs.Seed,
	}, true
}

// Digest is the canonical fingerprint of the document, agreed across
// ranks before training starts.
func (c *RunConfig) Digest() ([]byte, error) {
	doc, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(doc)
	return sum[:], nil
}
