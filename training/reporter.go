package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/blockperf/checkpoints"
)

// Paths locates the files of one experiment.
type Paths interface {
	RootPath() string
	CheckpointDir() string
}

const (
	lossLogName        = "loss_report.log"
	validationFileName = "validation_results.txt"
	finalModelName     = "trained.mdl"
)

// RunState accumulates the metrics of the current epoch.
type RunState struct {
	Epoch int

	steps   int
	lossSum float64
	correct int
	items   int
}

// StartEpoch resets the epoch-scoped counters.
func (s *RunState) StartEpoch(epoch int) {
	*s = RunState{Epoch: epoch}
}

// Observe folds one step into the epoch and returns the running average loss
// and the running accuracy.
func (s *RunState) Observe(m StepMetrics) (avgLoss, accuracy float64) {
	s.steps++
	s.lossSum += m.Loss
	s.correct += m.Correct
	s.items += m.Items
	return s.AvgLoss(), s.Accuracy()
}

// AvgLoss is the mean step loss of the epoch so far.
func (s *RunState) AvgLoss() float64 {
	if s.steps == 0 {
		return 0
	}
	return s.lossSum / float64(s.steps)
}

// Accuracy is the fraction of correct items of the epoch so far.
func (s *RunState) Accuracy() float64 {
	if s.items == 0 {
		return 0
	}
	return float64(s.correct) / float64(s.items)
}

// Steps is the number of completed steps of the epoch.
func (s *RunState) Steps() int { return s.steps }

// LossReporter shows training progress and persists the loss log and
// checkpoints of a run.
type LossReporter struct {
	paths   Paths
	out     io.Writer
	logFile *os.File
	bar     *ProgressBar
	total   int
	start   time.Time

	epoch      int
	loss       float64
	avgLoss    float64
	accuracy   float64
	epochItems int
	totalItems int
}

// NewLossReporter creates the experiment root and truncates the loss log.
// nItems is the number of training items per epoch.
func NewLossReporter(paths Paths, nItems int, out io.Writer) (*LossReporter, error) {
	if err := checkpoints.EnsureDir(paths.RootPath()); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(paths.RootPath(), lossLogName))
	if err != nil {
		return nil, fmt.Errorf("failed to open loss log: %w", err)
	}
	r := &LossReporter{
		paths:   paths,
		out:     out,
		logFile: f,
		total:   nItems,
		start:   time.Now(),
		loss:    1.0,
		avgLoss: 1.0,
	}
	r.bar = NewProgressBar(out, r.describe(), nItems)
	return r, nil
}

func (r *LossReporter) describe() string {
	return fmt.Sprintf("Epoch %d, Loss: %.2g, %.2g, Accuracy: %.2g", r.epoch, r.loss, r.avgLoss, r.accuracy)
}

// StartEpoch resets the epoch counters and starts a fresh progress bar.
func (r *LossReporter) StartEpoch(epoch int) {
	r.epoch = epoch
	r.epochItems = 0
	r.accuracy = 0
	r.bar = NewProgressBar(r.out, r.describe(), r.total)
}

// Report records one batch and refreshes the display.
func (r *LossReporter) Report(nItems int, loss, avgLoss, accuracy float64) {
	r.loss = loss
	r.avgLoss = avgLoss
	r.accuracy = accuracy
	r.epochItems += nItems
	r.totalItems += nItems

	r.bar.SetDescription(r.describe())
	r.bar.Add(nItems)
}

// EndEpoch appends "epoch, elapsed seconds, loss, accuracy" to the loss log
// and writes the epoch checkpoint.
func (r *LossReporter) EndEpoch(snapshot *checkpoints.Checkpoint, loss float64) error {
	r.loss = loss
	r.bar.Finish()

	record := strings.Join([]string{
		strconv.Itoa(r.epoch),
		formatFloat(time.Since(r.start).Seconds()),
		formatFloat(r.loss),
		formatFloat(r.accuracy),
	}, "\t")
	if _, err := r.logFile.WriteString(record + "\n"); err != nil {
		return fmt.Errorf("failed to write loss log: %w", err)
	}

	return r.checkpoint(snapshot, filepath.Join(r.paths.CheckpointDir(), fmt.Sprintf("%d.mdl", r.epoch)))
}

// Finish writes the final checkpoint and closes the loss log.
func (r *LossReporter) Finish(snapshot *checkpoints.Checkpoint) error {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Finishing training")

	err := r.checkpoint(snapshot, filepath.Join(r.paths.RootPath(), finalModelName))
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the loss log. It is safe to call more than once.
func (r *LossReporter) Close() error {
	if r.logFile == nil {
		return nil
	}
	err := r.logFile.Close()
	r.logFile = nil
	return err
}

// Epoch is the epoch most recently started.
func (r *LossReporter) Epoch() int { return r.epoch }

// TotalItems counts every item reported during the run.
func (r *LossReporter) TotalItems() int { return r.totalItems }

func (r *LossReporter) checkpoint(snapshot *checkpoints.Checkpoint, path string) error {
	if err := checkpoints.Save(snapshot, path); err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
