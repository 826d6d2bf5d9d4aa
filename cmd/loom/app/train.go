package app

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mlweave/loom/ckpt"
	"github.com/mlweave/loom/comm"
	"github.com/mlweave/loom/comm/inproc"
	"github.com/mlweave/loom/comm/tcpcomm"
	"github.com/mlweave/loom/config"
	"github.com/mlweave/loom/data"
	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/metrics"
	"github.com/mlweave/loom/model"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/train"
	"github.com/mlweave/loom/utils"
)

type TrainOptions struct {
	*GlobalOptions

	ConfigPath  string
	CacheDir    string
	Resume      bool
	RecvTimeout time.Duration
}

func NewTrainCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &TrainOptions{GlobalOptions: globalOpts}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run this rank's share of a training job",
		Long: `Train runs one rank of a training job described by a run document.
Under loom-run the rank and its peers come from the environment; invoked
directly it trains alone on the loopback fabric.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			utils.Trap(func(sig os.Signal) {
				log.Warnf("%s trapped", sig)
				cancel()
			})
			return runTrain(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the run document")
	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", ".loom-cache", "directory remote sources are mirrored into")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue from the newest committed snapshot")
	cmd.Flags().DurationVar(&opts.RecvTimeout, "recv-timeout", 0, "abort a collective receive after this long, 0 waits forever")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runTrain(ctx context.Context, opts *TrainOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	env, err := config.ParseProcessEnv()
	if err != nil {
		return err
	}
	log.SetRank(env.Rank)
	topo, err := plan.DeriveTopology(env.World(), cfg.TopologySpec())
	if err != nil {
		return err
	}
	log.Debugf("derived %s", topo)

	sess, err := openFabric(env, opts.RecvTimeout)
	if err != nil {
		return err
	}
	defer sess.Close()

	ex, err := buildExecutor(cfg, topo, env.Rank, sess)
	if err != nil {
		return err
	}

	mix, err := data.Open(cfg.DatasetSpecs(), data.Options{Role: data.Train, CacheDir: opts.CacheDir})
	if err != nil {
		return err
	}
	defer mix.Close()
	var eval *data.Mixer
	if cfg.TrainingParameters.EvalInterval > 0 {
		eval, err = data.Open(cfg.DatasetSpecs(), data.Options{Role: data.Validation, CacheDir: opts.CacheDir})
		if err != nil {
			return err
		}
		defer eval.Close()
	}

	var (
		saveFn train.SaveFn
		resume *train.TrainingState
	)
	if cfg.SaveArgs.SaveInterval > 0 || opts.Resume {
		coord, err := openSnapshots(ctx, cfg.SaveArgs, topo, env.Rank, ex.ParamCount())
		if err != nil {
			return err
		}
		world := worldGroup(topo)
		// the shutdown snapshot runs after the signal cancelled ctx
		saveCtx := context.WithoutCancel(ctx)
		saveFn = func(step int, st train.TrainingState) error {
			if err := coord.Save(saveCtx, step, st, ex.Optimizer().State()); err != nil {
				return err
			}
			// the manifest must not be published before every rank wrote its blobs
			if err := sess.Barrier(world); err != nil {
				return err
			}
			if coord.IsCommitter() {
				return coord.Commit(saveCtx, step)
			}
			return nil
		}
		if opts.Resume {
			step, err := coord.Latest(ctx)
			if err != nil {
				return err
			}
			ts, st, err := coord.Restore(ctx, step)
			if err != nil {
				return err
			}
			if err := ex.RestoreOptimizer(st); err != nil {
				return err
			}
			resume = &ts
			log.Rank0Infof("resuming from the snapshot at step %d", step)
		}
	}

	var tm *metrics.Training
	if cfg.MetricsArgs.Addr != "" {
		tm = metrics.NewTraining(env.Rank)
		addr, err := rankAddr(cfg.MetricsArgs.Addr, env)
		if err != nil {
			return errors.Wrap(err, "metrics_args.addr")
		}
		srv := metrics.NewServer(addr, tm)
		srv.Start()
		defer srv.Stop(context.Background())
	}

	digest, err := cfg.Digest()
	if err != nil {
		return err
	}
	trainer, err := train.NewTrainer(train.TrainerConfig{
		Executor:     ex,
		Mixer:        mix,
		Eval:         eval,
		Steps:        cfg.TrainingParameters.NumTrainingSteps,
		LogInterval:  cfg.TrainingParameters.LogInterval,
		EvalInterval: cfg.TrainingParameters.EvalInterval,
		EvalBatches:  cfg.TrainingParameters.EvalBatches,
		SaveInterval: cfg.SaveArgs.SaveInterval,
		Save:         saveFn,
		Metrics:      tm,
		Digest:       digest,
		Resume:       resume,
	})
	if err != nil {
		return err
	}
	return trainer.Run(ctx)
}

func openFabric(env *config.ProcessEnv, timeout time.Duration) (comm.Comm, error) {
	if env.Single {
		return inproc.New(1, inproc.WithTimeout(timeout)).Comm(0), nil
	}
	f, err := tcpcomm.New(env.Self, env.Peers, tcpcomm.WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return f.Comm(), nil
}

func buildExecutor(cfg *config.RunConfig, topo *plan.Topology, rank int, sess comm.Comm) (*train.Executor, error) {
	mcfg, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	stages, err := model.NewStages(mcfg, topo.PP)
	if err != nil {
		return nil, err
	}
	var teacher model.Teacher
	var klDir train.KLDirection
	var klWeight float64
	if tcfg, ok := cfg.TeacherConfig(); ok {
		teacher, err = model.NewTeacher(tcfg)
		if err != nil {
			return nil, err
		}
		klDir = train.KLDirection(cfg.TeacherArgs.KLDivergenceMethod)
		klWeight = cfg.TeacherArgs.KLDivergenceWeight
	}
	tp := cfg.TrainingParameters
	return train.NewExecutor(train.Config{
		Topology:   topo,
		Rank:       rank,
		Comm:       sess,
		Stage:      stages[topo.Coord(rank).PP],
		Teacher:    teacher,
		Method:     cfg.Method(),
		KLDir:      klDir,
		KLWeight:   klWeight,
		Vocab:      cfg.ModelArgs.VocabSize,
		Hidden:     cfg.ModelArgs.HiddenSize,
		MicroBatch: tp.MicroBatchSize,
		SeqLen:     cfg.SequenceLength(),
		Accum:      tp.GradientAccumulationSteps,
		Clip:       tp.GradientClipping,
		Schedule:   cfg.Schedule(),
		Optimizer:  cfg.AdamW(),
	})
}

func openSnapshots(ctx context.Context, save config.SaveArgs, topo *plan.Topology, rank, total int) (*ckpt.Coordinator, error) {
	var store ckpt.BlobStore
	var err error
	switch {
	case save.S3 != nil:
		store, err = ckpt.NewS3Store(ctx, *save.S3)
	case save.SavePath != "":
		store, err = ckpt.NewDirStore(save.SavePath)
	default:
		return nil, errors.New("resume needs save_args.save_path or save_args.s3")
	}
	if err != nil {
		return nil, err
	}
	return ckpt.NewCoordinator(store, topo, rank, total)
}

func worldGroup(topo *plan.Topology) comm.Group {
	g := make(comm.Group, topo.World)
	for i := range g {
		g[i] = i
	}
	return g
}

// rankAddr offsets the configured port by the local rank so colocated
// worker processes do not contend for one listener.
func rankAddr(addr string, env *config.ProcessEnv) (string, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", err
	}
	lr, ok := env.Peers.LocalRank(env.Self)
	if !ok {
		lr = 0
	}
	return net.JoinHostPort(host, strconv.Itoa(port+lr)), nil
}
