package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/blockperf/envconfig"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the blockperf command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "blockperf",
		Short:         "Train hierarchical basic-block throughput models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))
		},
	}

	trainCmd := newTrainCmd()
	validateCmd := newValidateCmd()
	inspectCmd := newInspectCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(trainCmd, []envconfig.EnvVar{
		envVars["BLOCKPERF_DEBUG"],
		envVars["BLOCKPERF_NUM_WORKERS"],
		envVars["BLOCKPERF_EXPERIMENTS"],
	})
	appendEnvDocs(validateCmd, []envconfig.EnvVar{envVars["BLOCKPERF_DEBUG"], envVars["BLOCKPERF_NUM_WORKERS"]})

	rootCmd.AddCommand(trainCmd, validateCmd, inspectCmd)
	return rootCmd
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and write checkpoints to an experiment directory",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	cmd.Flags().StringP("config", "c", "", "JSON or YAML configuration file")
	cmd.Flags().String("train", "", "Training set (JSONL)")
	cmd.Flags().String("valid", "", "Validation set (JSONL)")
	cmd.Flags().StringP("experiment", "e", "", "Experiment directory (default: a new run under BLOCKPERF_EXPERIMENTS)")
	cmd.Flags().String("pretrained", "", "Weights for the pretrained encoder (.pt, .pth, .bin, .mdl or .json)")
	cmd.Flags().String("resume", "", "Checkpoint to resume from, or \"latest\" for the experiment's newest")
	_ = cmd.MarkFlagRequired("train")
	_ = cmd.MarkFlagRequired("valid")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run one validation pass over a checkpoint",
		Args:  cobra.NoArgs,
		RunE:  ValidateHandler,
	}
	cmd.Flags().StringP("config", "c", "", "JSON or YAML configuration file")
	cmd.Flags().String("checkpoint", "", "Model checkpoint (.mdl or .json)")
	cmd.Flags().String("valid", "", "Validation set (JSONL)")
	cmd.Flags().StringP("experiment", "e", "", "Directory for validation_results.txt (default: next to the checkpoint)")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("valid")
	return cmd
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the model's components and parameter counts",
		Args:  cobra.NoArgs,
		RunE:  InspectHandler,
	}
	cmd.Flags().StringP("config", "c", "", "JSON or YAML configuration file")
	cmd.Flags().Bool("detailed", false, "List every parameter tensor")
	return cmd
}
