package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/masking"
	"github.com/tsawler/blockperf/optimizer"
	"github.com/tsawler/blockperf/tensor"
)

// MaxGradNorm is the global gradient norm every step is clipped to.
const MaxGradNorm = 0.2

// ErrNaNGradient marks a run aborted because a gradient held NaN.
var ErrNaNGradient = errors.New("NaN gradient")

// GradientError reports the parameter whose gradient was found to hold NaN
// after clipping. The optimizer step of that batch was not applied.
type GradientError struct {
	Epoch    int
	Step     uint64
	Param    string
	GradNorm float64
}

func (e *GradientError) Error() string {
	return fmt.Sprintf("epoch %d step %d: NaN gradient in %s (norm before clipping %g)", e.Epoch, e.Step, e.Param, e.GradNorm)
}

func (e *GradientError) Unwrap() error { return ErrNaNGradient }

// Model is what the trainer optimises: a module mapping a token batch to one
// prediction per sample, together with its loss.
type Model interface {
	layers.Module
	Forward(input *masking.Input) (*tensor.Tensor, error)
	Loss() Loss
}

// StepMetrics describes one successful training step.
type StepMetrics struct {
	Loss     float64
	Correct  int
	Items    int
	GradNorm float64
}

// ValidationResult summarises one pass over the validation set.
type ValidationResult struct {
	Loss    float64
	Correct int
	Total   int
	Metrics *RegressionMetrics
}

// Trainer runs the epoch loop: training steps, checkpoint, validation and
// learning-rate scheduling.
type Trainer struct {
	cfg      Config
	model    Model
	params   []layers.Param
	train    *DataLoader
	valid    *DataLoader
	paths    Paths
	opt      optimizer.Optimizer
	sched    *Scheduler
	accuracy Accuracy

	out    io.Writer
	logger *slog.Logger
	runID  string

	epoch int // last completed epoch
	state RunState
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

// WithOutput redirects progress and summaries, os.Stdout by default.
func WithOutput(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.out = w }
}

// WithLogger sets the diagnostic logger, slog.Default() by default.
func WithLogger(l *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithRunID stamps checkpoints with a run identifier.
func WithRunID(id string) TrainerOption {
	return func(t *Trainer) { t.runID = id }
}

// NewTrainer wires the optimizer, scheduler and loaders for a run. The
// training loader is shuffled, the validation loader keeps dataset order.
func NewTrainer(cfg Config, model Model, trainSet, validSet Dataset, paths Paths, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transform, err := ParseTransform(cfg.Transform)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:      cfg,
		model:    model,
		params:   model.Parameters(),
		paths:    paths,
		accuracy: NewAccuracy(transform),
		out:      os.Stdout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.opt, err = optimizer.New(cfg.Optimizer, t.params, cfg.LR)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	if trainSet != nil {
		t.train = NewDataLoader(trainSet, cfg.BatchSize, true, cfg.NumWorkers, cfg.Model.PadIdx, cfg.Seed)
	}
	if validSet != nil {
		t.valid = NewDataLoader(validSet, cfg.BatchSize, false, cfg.NumWorkers, cfg.Model.PadIdx, cfg.Seed)
	}
	totalSteps := 0
	if t.train != nil {
		totalSteps = cfg.NEpochs * t.train.Len()
	}
	t.sched = NewScheduler(cfg, totalSteps)
	return t, nil
}

// Optimizer exposes the optimizer, mostly for inspection.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.opt }

// Scheduler exposes the learning-rate scheduler.
func (t *Trainer) Scheduler() *Scheduler { return t.sched }

// Epoch is the last completed epoch.
func (t *Trainer) Epoch() int { return t.epoch }

// Snapshot captures the current training state, labelled with the last
// completed epoch.
func (t *Trainer) Snapshot() *checkpoints.Checkpoint {
	return t.snapshotAt(t.epoch)
}

func (t *Trainer) snapshotAt(epoch int) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Epoch:     epoch,
		Model:     ModelTensors(t.model),
		Optimizer: t.opt.GetState(),
		Scheduler: t.sched.State(),
		Metadata:  checkpoints.Metadata{RunID: t.runID},
	}
}

// Resume restores parameters, optimizer, scheduler and epoch from a
// checkpoint. Training continues with the epoch after the saved one.
func (t *Trainer) Resume(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	if err := LoadModel(t.model, ckpt.Model, true); err != nil {
		return fmt.Errorf("failed to restore model from %s: %w", path, err)
	}
	if ckpt.Optimizer != nil {
		if err := t.opt.LoadState(ckpt.Optimizer); err != nil {
			return fmt.Errorf("failed to restore optimizer from %s: %w", path, err)
		}
	}
	if ckpt.Scheduler != nil {
		if err := t.sched.LoadState(ckpt.Scheduler); err != nil {
			return fmt.Errorf("failed to restore scheduler from %s: %w", path, err)
		}
	}
	t.epoch = ckpt.Epoch
	t.logger.Info("resumed training state", "path", path, "epoch", t.epoch, "step", t.opt.GetStepCount())
	return nil
}

// Train runs the remaining epochs. A NaN gradient ends the run early with a
// final checkpoint and a *GradientError.
func (t *Trainer) Train(ctx context.Context) error {
	if t.train == nil || t.valid == nil {
		return fmt.Errorf("training needs both a training and a validation set")
	}

	reporter, err := NewLossReporter(t.paths, t.train.NumSamples(), t.out)
	if err != nil {
		return err
	}
	defer reporter.Close()

	summary := layers.Summarize(t.model)
	t.logger.Info("starting training", "parameters", summary.TotalParameters, "epochs", t.cfg.NEpochs,
		"batches", t.train.Len(), "optimizer", t.cfg.Optimizer)

	for epoch := t.epoch + 1; epoch <= t.cfg.NEpochs; epoch++ {
		fmt.Fprintf(t.out, "using lr: %g\n", t.sched.CurrentLR())
		reporter.StartEpoch(epoch)
		t.state.StartEpoch(epoch)
		t.model.Train()

		for batch, err := range t.train.All(ctx) {
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			m, err := t.Step(batch)
			if err != nil {
				var gerr *GradientError
				if !errors.As(err, &gerr) {
					return fmt.Errorf("epoch %d: %w", epoch, err)
				}
				gerr.Epoch = epoch
				fmt.Fprintln(t.out, "BAD: NaN found in gradient")
				t.logger.Error("aborting run", "epoch", epoch, "param", gerr.Param, "grad_norm", gerr.GradNorm)
				if ferr := reporter.Finish(t.snapshotAt(epoch)); ferr != nil {
					return errors.Join(gerr, ferr)
				}
				return gerr
			}
			avgLoss, accuracy := t.state.Observe(m)
			reporter.Report(m.Items, m.Loss, avgLoss, accuracy)
		}

		if err := reporter.EndEpoch(t.snapshotAt(epoch), t.state.AvgLoss()); err != nil {
			return err
		}
		t.logger.Debug("wrote epoch checkpoint", "epoch", epoch, "dir", t.paths.CheckpointDir())

		valLoss, err := t.Validate(ctx)
		if err != nil {
			return err
		}
		if lr, reduced := t.sched.EpochEnd(valLoss); reduced {
			t.logger.Info("reducing learning rate", "epoch", epoch, "lr", lr)
		}
		t.epoch = epoch
	}

	return reporter.Finish(t.Snapshot())
}

// Step trains on one batch: forward, loss, backward, clipping, the NaN check
// and the optimizer update. On a NaN gradient no parameter is changed and a
// *GradientError is returned.
func (t *Trainer) Step(batch *Batch) (StepMetrics, error) {
	t.opt.ZeroGrad()

	output, err := t.model.Forward(batch.Input)
	if err != nil {
		return StepMetrics{}, err
	}
	loss, err := t.model.Loss().Forward(output, batch.Target)
	if err != nil {
		return StepMetrics{}, err
	}
	if err := loss.Backward(); err != nil {
		return StepMetrics{}, fmt.Errorf("backward pass: %w", err)
	}

	norm := optimizer.ClipGradNorm(t.params, MaxGradNorm)
	if name, found := optimizer.FindNaNGradient(t.params); found {
		return StepMetrics{}, &GradientError{
			Epoch:    t.state.Epoch,
			Step:     t.opt.GetStepCount() + 1,
			Param:    name,
			GradNorm: norm,
		}
	}

	t.opt.UpdateLearningRate(t.sched.NextLR())
	if err := t.opt.Step(); err != nil {
		return StepMetrics{}, fmt.Errorf("optimizer step: %w", err)
	}

	return StepMetrics{
		Loss:     float64(loss.Data[0]),
		Correct:  t.accuracy.Correct(output.Data, batch.Raw),
		Items:    batch.Size(),
		GradNorm: norm,
	}, nil
}

// Evaluate runs the model over the validation set in evaluation mode
// without recording gradients.
func (t *Trainer) Evaluate(ctx context.Context) (*ValidationResult, error) {
	if t.valid == nil {
		return nil, fmt.Errorf("no validation set")
	}
	t.model.Eval()

	var losses, predicted, raw []float64
	correct := 0
	err := tensor.NoGrad(func() error {
		for batch, err := range t.valid.All(ctx) {
			if err != nil {
				return err
			}
			output, err := t.model.Forward(batch.Input)
			if err != nil {
				return err
			}
			loss, err := t.model.Loss().Forward(output, batch.Target)
			if err != nil {
				return err
			}
			losses = append(losses, float64(loss.Data[0]))
			correct += t.accuracy.Correct(output.Data, batch.Raw)
			for i, o := range output.Data {
				predicted = append(predicted, t.accuracy.Transform.Inverse(float64(o)))
				raw = append(raw, float64(batch.Raw[i]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if len(losses) == 0 {
		return nil, fmt.Errorf("validation set is empty")
	}

	return &ValidationResult{
		Loss:    floats.Sum(losses) / float64(len(losses)),
		Correct: correct,
		Total:   t.valid.NumSamples(),
		Metrics: CalculateRegressionMetrics(predicted, raw),
	}, nil
}

// Validate evaluates the model, writes the validation results file and
// returns the average validation loss.
func (t *Trainer) Validate(ctx context.Context) (float64, error) {
	res, err := t.Evaluate(ctx)
	if err != nil {
		return 0, err
	}

	content := fmt.Sprintf("loss - %v\n%d, %d\n", res.Loss, res.Correct, res.Total)
	path := filepath.Join(t.paths.RootPath(), validationFileName)
	if err := checkpoints.EnsureDir(t.paths.RootPath()); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write validation results: %w", err)
	}

	fmt.Fprintf(t.out, "Validate: loss - %v\n\t%d/%d = %v\n", res.Loss, res.Correct, res.Total,
		float64(res.Correct)/float64(res.Total))
	fmt.Fprintf(t.out, "\tMAE: %.4f, RMSE: %.4f, R2: %.4f\n\n", res.Metrics.MAE, res.Metrics.RMSE, res.Metrics.R2)
	return res.Loss, nil
}
