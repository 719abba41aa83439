package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Epoch: 7,
		Model: []NamedTensor{
			{Name: "merge.weight", Shape: []int{3, 2}, Data: []float32{1, -2, 3.5, 0, float32(math.SmallestNonzeroFloat32), -1e30}},
			{Name: "merge.bias", Shape: []int{2}, Data: []float32{0.25, -0.125}},
		},
		Optimizer: &OptimizerState{
			Type:         "Adam",
			Step:         42,
			LearningRate: 5e-5,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-8,
			StateData: []NamedTensor{
				{Name: "m/merge.bias", Shape: []int{2}, Data: []float32{0.1, 0.2}},
				{Name: "v/merge.bias", Shape: []int{2}, Data: []float32{0.01, 0.02}},
			},
		},
		Scheduler: &SchedulerState{
			Name:        "ReduceLROnPlateau",
			Best:        0.731,
			BadEpochs:   3,
			CurrentLR:   5e-6,
			Initialized: true,
			Factor:      0.1,
			Patience:    10,
			Threshold:   1e-4,
			Mode:        "max",
			BaseLR:      5e-5,
			WarmupSteps: 12,
			Step:        40,
		},
		Metadata: Metadata{
			Version:   "1.0.0",
			Framework: "blockperf",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
			RunID:     "run-1",
		},
	}
}

func TestProtoRoundTrip(t *testing.T) {
	want := sampleCheckpoint()
	got, err := UnmarshalProto(MarshalProto(want))
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestProtoSkipsUnknownFields(t *testing.T) {
	b := MarshalProto(sampleCheckpoint())
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer writer")

	got, err := UnmarshalProto(b)
	require.NoError(t, err)
	require.Equal(t, 7, got.Epoch)
}

func TestProtoRejectsCorruptData(t *testing.T) {
	b := MarshalProto(sampleCheckpoint())
	_, err := UnmarshalProto(b[:len(b)/2])
	require.Error(t, err)

	// A tensor whose data disagrees with its shape.
	bad := &Checkpoint{Model: []NamedTensor{{Name: "x", Shape: []int{3}, Data: []float32{1}}}}
	_, err = UnmarshalProto(MarshalProto(bad))
	require.Error(t, err)
}

func TestSaveLoadFormats(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"3.mdl", "debug.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			want := sampleCheckpoint()
			require.NoError(t, Save(want, path))

			got, err := Load(path)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}

	require.Equal(t, FormatJSON, FormatForPath("a/b.JSON"))
	require.Equal(t, FormatProto, FormatForPath("trained.mdl"))
}

func TestSaveFillsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trained.mdl")
	require.NoError(t, Save(&Checkpoint{Epoch: 1}, path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "blockperf", got.Metadata.Framework)
	require.False(t, got.Metadata.CreatedAt.IsZero())
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir), "existing directory must not be an error")

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.Error(t, EnsureDir(file))
}

func TestFailedWriteKeepsPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.mdl")
	require.NoError(t, Save(sampleCheckpoint(), path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// A non-empty directory at the target makes the final rename fail.
	blocked := filepath.Join(dir, "2.mdl")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0o755))
	require.Error(t, Save(sampleCheckpoint(), blocked))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-", "temporary file left behind")
	}
}
