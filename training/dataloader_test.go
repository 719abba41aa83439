package training

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

// sliceDataset serves blocks whose single token and target encode the index.
type sliceDataset struct {
	n       int
	failAt  int
	fetched chan int
}

func newSliceDataset(n int) *sliceDataset { return &sliceDataset{n: n, failAt: -1} }

func (d *sliceDataset) Len() int { return d.n }

func (d *sliceDataset) Get(idx int) (Sample, error) {
	if d.fetched != nil {
		d.fetched <- idx
	}
	if idx == d.failAt {
		return Sample{}, fmt.Errorf("corrupt sample %d", idx)
	}
	block := make([][]int, 1+idx%3)
	for i := range block {
		block[i] = []int{idx + 1, i + 1}
	}
	return Sample{Block: block, Target: float32(idx), Raw: float32(idx) * 10}, nil
}

func epochOrder(t *testing.T, dl *DataLoader) []int {
	t.Helper()
	var order []int
	for batch, err := range dl.All(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, v := range batch.Target.Data {
			order = append(order, int(v))
		}
	}
	return order
}

func TestCollate(t *testing.T) {
	ds := newSliceDataset(3)
	var samples []Sample
	for i := range 3 {
		s, _ := ds.Get(i)
		samples = append(samples, s)
	}

	b, err := Collate(samples, 0)
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if got := b.Input.Shape(); !slices.Equal(got, []int{3, 3, 2}) {
		t.Errorf("expected input shape [3 3 2], got %v", got)
	}
	if b.Size() != 3 || !slices.Equal(b.Raw, []float32{0, 10, 20}) {
		t.Errorf("unexpected raw targets %v", b.Raw)
	}
	if got := b.Input.At(0, 1, 0); got != 0 {
		t.Errorf("expected padding for missing instruction, got %d", got)
	}

	if _, err := Collate(nil, 0); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestDataLoaderOrder(t *testing.T) {
	dl := NewDataLoader(newSliceDataset(10), 3, false, 4, 0, 1)
	if dl.Len() != 4 {
		t.Errorf("expected 4 batches, got %d", dl.Len())
	}
	if dl.NumSamples() != 10 {
		t.Errorf("expected 10 samples, got %d", dl.NumSamples())
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if got := epochOrder(t, dl); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	a := NewDataLoader(newSliceDataset(20), 4, true, 2, 0, 42)
	b := NewDataLoader(newSliceDataset(20), 4, true, 2, 0, 42)

	first := epochOrder(t, a)
	if got := epochOrder(t, b); !slices.Equal(first, got) {
		t.Errorf("same seed gave different orders: %v vs %v", first, got)
	}

	second := epochOrder(t, a)
	if slices.Equal(first, second) {
		t.Errorf("expected a new order on the second pass, got %v twice", first)
	}

	slices.Sort(second)
	for i, v := range second {
		if v != i {
			t.Fatalf("shuffled epoch is not a permutation: %v", second)
		}
	}
}

func TestDataLoaderError(t *testing.T) {
	ds := newSliceDataset(12)
	ds.failAt = 7
	dl := NewDataLoader(ds, 2, false, 3, 0, 1)

	batches := 0
	var gotErr error
	for _, err := range dl.All(context.Background()) {
		if err != nil {
			gotErr = err
			break
		}
		batches++
	}
	if gotErr == nil {
		t.Fatal("expected an error")
	}
	if batches != 3 {
		t.Errorf("expected 3 batches before the failure, got %d", batches)
	}
}

func TestDataLoaderEarlyStop(t *testing.T) {
	ds := newSliceDataset(100)
	ds.fetched = make(chan int, 100)
	dl := NewDataLoader(ds, 1, false, 2, 0, 1)

	for range dl.All(context.Background()) {
		break
	}
	close(ds.fetched)
	fetched := 0
	for range ds.fetched {
		fetched++
	}
	// the producer keeps at most 2*numWorkers batches in flight
	if fetched > 1+4 {
		t.Errorf("expected the loader to stop early, fetched %d samples", fetched)
	}
}

func TestDataLoaderCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dl := NewDataLoader(newSliceDataset(50), 1, false, 1, 0, 1)

	var gotErr error
	for _, err := range dl.All(ctx) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", gotErr)
	}
}
