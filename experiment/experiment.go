// Package experiment lays out the files of one training run on disk.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tsawler/blockperf/checkpoints"
)

// DefaultCheckpointDirName is the checkpoint subdirectory of a run.
const DefaultCheckpointDirName = "checkpoints"

// Experiment is the root directory of a run. Epoch checkpoints go to
// CheckpointDirName below it.
type Experiment struct {
	Root              string
	CheckpointDirName string
	RunID             string
}

// New returns an experiment rooted at root. An empty root names a fresh
// directory under base after a new run id.
func New(base, root, checkpointDirName string) *Experiment {
	id := uuid.NewString()
	if root == "" {
		root = filepath.Join(base, id)
	}
	if checkpointDirName == "" {
		checkpointDirName = DefaultCheckpointDirName
	}
	return &Experiment{Root: root, CheckpointDirName: checkpointDirName, RunID: id}
}

func (e *Experiment) RootPath() string { return e.Root }

func (e *Experiment) CheckpointDir() string {
	return filepath.Join(e.Root, e.CheckpointDirName)
}

// Create makes the root and checkpoint directories.
func (e *Experiment) Create() error {
	if err := checkpoints.EnsureDir(e.RootPath()); err != nil {
		return err
	}
	return checkpoints.EnsureDir(e.CheckpointDir())
}

// Checkpoint names one epoch checkpoint of the run.
type Checkpoint struct {
	Epoch int
	Path  string
}

// Checkpoints lists the epoch checkpoints in epoch order. A missing
// checkpoint directory yields an empty list.
func (e *Experiment) Checkpoints() ([]Checkpoint, error) {
	entries, err := os.ReadDir(e.CheckpointDir())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".mdl" {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimSuffix(name, ".mdl"))
		if err != nil {
			continue
		}
		out = append(out, Checkpoint{Epoch: epoch, Path: filepath.Join(e.CheckpointDir(), name)})
	}
	slices.SortFunc(out, func(a, b Checkpoint) int { return a.Epoch - b.Epoch })
	return out, nil
}

// Latest returns the checkpoint of the highest completed epoch.
func (e *Experiment) Latest() (Checkpoint, bool, error) {
	all, err := e.Checkpoints()
	if err != nil || len(all) == 0 {
		return Checkpoint{}, false, err
	}
	return all[len(all)-1], true, nil
}
