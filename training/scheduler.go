package training

import (
	"fmt"
	"math"

	"github.com/tsawler/blockperf/checkpoints"
)

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Relative improvement needed to count as a new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's metric and returns the learning rate to use from
// now on. The rate is reduced once more than Patience epochs in a row fail to
// improve on the best metric.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	if s.improved(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs > s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) improved(metric float64) bool {
	if math.IsNaN(metric) {
		return false
	}
	if s.Mode == "max" {
		return metric > s.bestMetric*(1+s.Threshold)
	}
	return metric < s.bestMetric*(1-s.Threshold)
}

// GetLR returns the internally tracked rate, or baseLR before the first Step.
func (s *ReduceLROnPlateauScheduler) GetLR(baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// Scheduler drives the learning rate of a run: a linear warmup over the
// first optimizer steps followed by plateau reduction on the validation
// loss.
type Scheduler struct {
	plateau     *ReduceLROnPlateauScheduler
	baseLR      float64
	warmupSteps int
	step        int
}

// NewScheduler builds the scheduler for a run of totalSteps optimizer steps.
func NewScheduler(cfg Config, totalSteps int) *Scheduler {
	sc := cfg.Scheduler
	return &Scheduler{
		plateau:     NewReduceLROnPlateauScheduler(sc.Factor, sc.Patience, sc.Threshold, sc.Mode),
		baseLR:      cfg.LR,
		warmupSteps: int(cfg.Warmup * float64(totalSteps)),
	}
}

// NextLR advances the step counter and returns the rate for that step.
func (s *Scheduler) NextLR() float64 {
	s.step++
	lr := s.plateau.GetLR(s.baseLR)
	if s.step < s.warmupSteps {
		lr *= float64(s.step) / float64(s.warmupSteps)
	}
	return lr
}

// CurrentLR is the post-warmup rate.
func (s *Scheduler) CurrentLR() float64 {
	return s.plateau.GetLR(s.baseLR)
}

// EpochEnd feeds the validation loss to the plateau scheduler. It reports
// the resulting rate and whether it was reduced.
func (s *Scheduler) EpochEnd(validationLoss float64) (float64, bool) {
	before := s.plateau.GetLR(s.baseLR)
	after := s.plateau.Step(validationLoss, before)
	return after, after < before
}

// State exports the scheduler for checkpointing.
func (s *Scheduler) State() *checkpoints.SchedulerState {
	p := s.plateau
	return &checkpoints.SchedulerState{
		Name:        p.GetName(),
		Best:        p.bestMetric,
		BadEpochs:   p.badEpochs,
		CurrentLR:   p.currentLR,
		Initialized: p.initialized,
		Factor:      p.Factor,
		Patience:    p.Patience,
		Threshold:   p.Threshold,
		Mode:        p.Mode,
		BaseLR:      s.baseLR,
		WarmupSteps: s.warmupSteps,
		Step:        s.step,
	}
}

// LoadState restores a state produced by State.
func (s *Scheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("missing scheduler state")
	}
	if state.Name != s.plateau.GetName() {
		return fmt.Errorf("cannot load %s state into %s", state.Name, s.plateau.GetName())
	}
	switch state.Mode {
	case "", "min", "max":
	default:
		return fmt.Errorf("unknown scheduler mode %q", state.Mode)
	}
	p := s.plateau
	if state.Mode != "" {
		p.Mode = state.Mode
	}
	p.bestMetric = state.Best
	p.badEpochs = state.BadEpochs
	p.currentLR = state.CurrentLR
	p.initialized = state.Initialized
	p.Factor = state.Factor
	p.Patience = state.Patience
	p.Threshold = state.Threshold
	s.baseLR = state.BaseLR
	s.warmupSteps = state.WarmupSteps
	s.step = state.Step
	return nil
}
