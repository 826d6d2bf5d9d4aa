package app

import (
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/mlweave/loom/config"
)

type ValidateOptions struct {
	*GlobalOptions

	ConfigPath string
}

func NewValidateCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ValidateOptions{GlobalOptions: globalOpts}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a run document without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the run document")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	digest, err := cfg.Digest()
	if err != nil {
		return err
	}
	cmd.Printf("method: %s\n", cfg.Method())
	cmd.Printf("steps:  %d\n", cfg.TrainingParameters.NumTrainingSteps)
	for _, d := range cfg.DatasetSpecs() {
		cmd.Printf("dataset: %s ratio=%v seq_len=%d sources=%d\n",
			d.Name, d.SamplingRatio, d.SequenceLength, len(d.Sources))
	}
	cmd.Printf("digest: %s\n", hex.EncodeToString(digest))
	cmd.Printf("%s is a valid run document\n", opts.ConfigPath)
	return nil
}
