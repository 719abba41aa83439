package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/dataset"
	"github.com/tsawler/blockperf/envconfig"
	"github.com/tsawler/blockperf/experiment"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/model"
	"github.com/tsawler/blockperf/training"
)

func loadConfig(cmd *cobra.Command) (training.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := training.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = training.LoadConfig(path); err != nil {
			return training.Config{}, err
		}
	}
	if n := envconfig.NumWorkers(); n > 0 {
		cfg.NumWorkers = int(n)
	}
	return cfg, nil
}

// buildModel creates the pretrained encoder and the hierarchical model on
// top of it. Pretrained weights, when given, are loaded before the branches
// are built.
func buildModel(cfg training.Config, pretrainedPath string) (*model.Hierarchical, error) {
	layers.SetRandomSeed(cfg.Seed)

	mc := cfg.Model
	pt, err := model.NewBertEncoder(model.BertConfig{
		VocabSize: mc.VocabSize,
		Dim:       mc.Dim,
		Heads:     mc.NHeads,
		Layers:    mc.PretrainedLayers,
		PadIdx:    mc.PadIdx,
		Dropout:   mc.PredDrop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pretrained encoder: %w", err)
	}
	if pretrainedPath != "" {
		n, err := model.LoadPretrained(pt, pretrainedPath)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded pretrained weights", "path", pretrainedPath, "tensors", n)
	}

	hc, err := model.ConfigFrom(mc)
	if err != nil {
		return nil, err
	}
	return model.New(pt, hc)
}

func openDataset(path string, cfg training.Config) (*dataset.JSONL, error) {
	tt, err := training.ParseTransform(cfg.Transform)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.Open(path, tt, cfg.Model.PadIdx)
	if err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("%s: no samples", path)
	}
	if ds.MaxID() >= cfg.Model.VocabSize {
		return nil, fmt.Errorf("%s: token id %d outside the vocabulary of %d", path, ds.MaxID(), cfg.Model.VocabSize)
	}
	return ds, nil
}

func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	trainPath, _ := cmd.Flags().GetString("train")
	validPath, _ := cmd.Flags().GetString("valid")
	expDir, _ := cmd.Flags().GetString("experiment")
	pretrained, _ := cmd.Flags().GetString("pretrained")
	resume, _ := cmd.Flags().GetString("resume")

	trainSet, err := openDataset(trainPath, cfg)
	if err != nil {
		return err
	}
	validSet, err := openDataset(validPath, cfg)
	if err != nil {
		return err
	}

	m, err := buildModel(cfg, pretrained)
	if err != nil {
		return err
	}

	exp := experiment.New(envconfig.Experiments(), expDir, cfg.CheckpointDir)
	if err := exp.Create(); err != nil {
		return err
	}
	slog.Info("experiment", "root", exp.RootPath(), "run_id", exp.RunID)

	trainer, err := training.NewTrainer(cfg, m, trainSet, validSet, exp,
		training.WithOutput(cmd.OutOrStdout()),
		training.WithRunID(exp.RunID))
	if err != nil {
		return err
	}

	switch resume {
	case "":
	case "latest":
		latest, ok, err := exp.Latest()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint to resume from in %s", exp.CheckpointDir())
		}
		if err := trainer.Resume(latest.Path); err != nil {
			return err
		}
	default:
		if err := trainer.Resume(resume); err != nil {
			return err
		}
	}

	training.NewModelArchitecturePrinter("Hierarchical").PrintArchitecture(cmd.OutOrStdout(), layers.Summarize(m), false)

	err = trainer.Train(cmd.Context())
	if errors.Is(err, training.ErrNaNGradient) {
		slog.Error("training stopped", "error", err, "checkpoint", filepath.Join(exp.RootPath(), "trained.mdl"))
	}
	return err
}

func ValidateHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ckptPath, _ := cmd.Flags().GetString("checkpoint")
	validPath, _ := cmd.Flags().GetString("valid")
	expDir, _ := cmd.Flags().GetString("experiment")
	if expDir == "" {
		expDir = filepath.Dir(ckptPath)
	}

	validSet, err := openDataset(validPath, cfg)
	if err != nil {
		return err
	}
	m, err := buildModel(cfg, "")
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(ckptPath)
	if err != nil {
		return err
	}
	if err := training.LoadModel(m, ckpt.Model, true); err != nil {
		return fmt.Errorf("failed to load %s: %w", ckptPath, err)
	}

	exp := experiment.New("", expDir, cfg.CheckpointDir)
	trainer, err := training.NewTrainer(cfg, m, nil, validSet, exp, training.WithOutput(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	_, err = trainer.Validate(cmd.Context())
	return err
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	detailed, _ := cmd.Flags().GetBool("detailed")

	m, err := buildModel(cfg, "")
	if err != nil {
		return err
	}
	training.NewModelArchitecturePrinter("Hierarchical").PrintArchitecture(cmd.OutOrStdout(), layers.Summarize(m), detailed)
	return nil
}
