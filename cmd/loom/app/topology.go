package app

import (
	"github.com/spf13/cobra"

	"github.com/mlweave/loom/config"
	"github.com/mlweave/loom/plan"
)

type TopologyOptions struct {
	*GlobalOptions

	ConfigPath string
	World      int
}

func NewTopologyCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &TopologyOptions{GlobalOptions: globalOpts}
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the rank layout a run document derives for a world size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopology(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the run document")
	cmd.Flags().IntVarP(&opts.World, "world", "n", 0, "number of ranks, default is what the declared degrees fill")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runTopology(cmd *cobra.Command, opts *TopologyOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	spec := cfg.TopologySpec()
	world := opts.World
	if world == 0 {
		world = defaultWorld(spec)
	}
	topo, err := plan.DeriveTopology(world, spec)
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", topo)
	for r := 0; r < topo.World; r++ {
		c := topo.Coord(r)
		cmd.Printf("%s shard=%d replica=%d\n", c, topo.Shard(c), topo.Replica(c))
	}
	return nil
}

// defaultWorld is the smallest world the declared degrees fill.
func defaultWorld(spec plan.TopologySpec) int {
	or := func(v, d int) int {
		if v == 0 {
			return d
		}
		return v
	}
	dp := or(spec.DP, or(spec.Shards, 1)*or(spec.Replicas, 1))
	return dp * or(spec.TP, 1) * or(spec.PP, 1)
}
