package training

import (
	"math"
	"testing"

	"github.com/tsawler/blockperf/checkpoints"
)

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")
	lr := 0.1

	tests := []struct {
		metric     float64
		expectedLR float64
	}{
		{1.0, 0.1},         // Initial
		{0.9, 0.1},         // Improvement
		{0.95, 0.1},        // Bad 1
		{0.95, 0.1},        // Bad 2
		{0.95, 0.05},       // Bad 3 > patience: reduce
		{0.8, 0.05},        // Improvement
		{math.NaN(), 0.05}, // NaN is never an improvement
	}

	for i, tt := range tests {
		lr = scheduler.Step(tt.metric, lr)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Step %d: expected LR %g, got %g", i, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauThreshold(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.1, 1, 0.1, "min")
	lr := scheduler.Step(1.0, 1.0)
	// 0.95 is within the 10% relative threshold of 1.0
	lr = scheduler.Step(0.95, lr)
	lr = scheduler.Step(0.95, lr)
	if math.Abs(lr-0.1) > 1e-12 {
		t.Errorf("expected LR 0.1, got %g", lr)
	}

	maxMode := NewReduceLROnPlateauScheduler(0.1, 1, 0, "max")
	lr = maxMode.Step(0.5, 1.0)
	lr = maxMode.Step(0.6, lr)
	lr = maxMode.Step(0.6, lr)
	if lr != 1.0 {
		t.Errorf("expected LR unchanged in max mode, got %g", lr)
	}
}

func TestSchedulerWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LR = 1.0
	cfg.Warmup = 0.5
	s := NewScheduler(cfg, 8) // four warmup steps

	want := []float64{0.25, 0.5, 0.75, 1, 1, 1}
	for i, w := range want {
		if got := s.NextLR(); math.Abs(got-w) > 1e-12 {
			t.Errorf("step %d: expected %g, got %g", i+1, w, got)
		}
	}
	if s.CurrentLR() != 1.0 {
		t.Errorf("expected current LR 1, got %g", s.CurrentLR())
	}
}

func TestSchedulerEpochEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LR = 1.0
	cfg.Warmup = 0
	cfg.Scheduler.Patience = 1
	cfg.Scheduler.Factor = 0.5
	cfg.Scheduler.Threshold = 0
	s := NewScheduler(cfg, 10)

	losses := []float64{1, 1, 1}
	var reducedAt []int
	for i, l := range losses {
		if _, reduced := s.EpochEnd(l); reduced {
			reducedAt = append(reducedAt, i)
		}
	}
	if len(reducedAt) != 1 || reducedAt[0] != 2 {
		t.Fatalf("expected one reduction at epoch index 2, got %v", reducedAt)
	}
	if got := s.NextLR(); got != 0.5 {
		t.Errorf("expected LR 0.5 after reduction, got %g", got)
	}
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Patience = 1
	s := NewScheduler(cfg, 1000)
	s.NextLR()
	s.NextLR()
	s.EpochEnd(2)
	s.EpochEnd(3)

	state := s.State()
	decoded, err := checkpoints.UnmarshalProto(checkpoints.MarshalProto(&checkpoints.Checkpoint{Scheduler: state}))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	restored := NewScheduler(DefaultConfig(), 1)
	if err := restored.LoadState(decoded.Scheduler); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if *restored.State() != *state {
		t.Errorf("expected %+v, got %+v", state, restored.State())
	}
	if got, want := restored.NextLR(), s.NextLR(); got != want {
		t.Errorf("expected next LR %g, got %g", want, got)
	}

	if err := restored.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
	if err := restored.LoadState(&checkpoints.SchedulerState{Name: "StepLR"}); err == nil {
		t.Error("expected error for foreign scheduler state")
	}
}

func TestSchedulerStateKeepsMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Mode = "max"
	cfg.Scheduler.Patience = 1
	s := NewScheduler(cfg, 10)
	s.EpochEnd(0.5)

	decoded, err := checkpoints.UnmarshalProto(checkpoints.MarshalProto(&checkpoints.Checkpoint{Scheduler: s.State()}))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Scheduler.Mode != "max" {
		t.Fatalf("expected mode max in the checkpoint, got %q", decoded.Scheduler.Mode)
	}

	restored := NewScheduler(DefaultConfig(), 10)
	if err := restored.LoadState(decoded.Scheduler); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.plateau.Mode != "max" {
		t.Errorf("expected mode max after restore, got %q", restored.plateau.Mode)
	}

	// A higher metric is an improvement in max mode, so the rate holds.
	for _, metric := range []float64{0.6, 0.7, 0.8} {
		if _, reduced := restored.EpochEnd(metric); reduced {
			t.Errorf("unexpected reduction at improving metric %g", metric)
		}
	}

	bad := s.State()
	bad.Mode = "sideways"
	if err := restored.LoadState(bad); err == nil {
		t.Error("expected error for unknown mode")
	}
}
