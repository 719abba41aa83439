package training

import (
	"context"
	"fmt"
	"iter"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/blockperf/masking"
	"github.com/tsawler/blockperf/tensor"
)

// Sample is one tokenised block with its target in both spaces.
type Sample struct {
	Block  [][]int // instructions of token ids, unpadded
	Target float32 // normalised target the loss is computed on
	Raw    float32 // untransformed target the accuracy is computed on
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of samples
	Get(idx int) (Sample, error) // Returns a single sample
}

// Batch is a collated group of samples.
type Batch struct {
	Input  *masking.Input
	Target *tensor.Tensor // [B], normalised
	Raw    []float32      // [B], raw
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Raw) }

// Collate pads samples into one Input and gathers their targets.
func Collate(samples []Sample, padID int) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	blocks := make([][][]int, len(samples))
	targets := make([]float32, len(samples))
	raw := make([]float32, len(samples))
	for i, s := range samples {
		blocks[i] = s.Block
		targets[i] = s.Target
		raw[i] = s.Raw
	}
	input, err := masking.Pack(blocks, padID)
	if err != nil {
		return nil, err
	}
	target, err := tensor.NewTensor([]int{len(samples)}, targets)
	if err != nil {
		return nil, err
	}
	return &Batch{Input: input, Target: target, Raw: raw}, nil
}

// DataLoader provides batching, shuffling, and parallel batch preparation
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	padID      int
	rng        *rand.Rand
}

// NewDataLoader creates a new DataLoader. A shuffling loader draws a new
// order from seed-derived randomness on every pass.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, padID int, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		padID:      padID,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the size of the underlying dataset.
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// plan splits one epoch's sample order into batches.
func (dl *DataLoader) plan() [][]int {
	order := make([]int, dl.dataset.Len())
	for i := range order {
		order[i] = i
	}
	if dl.shuffle {
		dl.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([][]int, 0, dl.Len())
	for start := 0; start < len(order); start += dl.batchSize {
		end := min(start+dl.batchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

func (dl *DataLoader) load(indices []int) (*Batch, error) {
	samples := make([]Sample, len(indices))
	for i, idx := range indices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		samples[i] = s
	}
	return Collate(samples, dl.padID)
}

type loadedBatch struct {
	batch *Batch
	err   error
}

// All iterates over one epoch. Batches are prepared by up to numWorkers
// goroutines, at most 2*numWorkers ahead of the consumer, and delivered in
// plan order. The first failure is yielded and ends the iteration; stopping
// early cancels outstanding work.
func (dl *DataLoader) All(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		plan := dl.plan()
		ctx, cancel := context.WithCancel(ctx)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(dl.numWorkers)
		slots := make(chan struct{}, 2*dl.numWorkers)
		results := make([]chan loadedBatch, len(plan))
		for i := range results {
			results[i] = make(chan loadedBatch, 1)
		}

		produced := make(chan struct{})
		go func() {
			defer close(produced)
			for i, indices := range plan {
				select {
				case slots <- struct{}{}:
				case <-gctx.Done():
					return
				}
				g.Go(func() error {
					b, err := dl.load(indices)
					results[i] <- loadedBatch{batch: b, err: err}
					return err
				})
			}
		}()
		defer func() {
			cancel()
			<-produced
			_ = g.Wait()
		}()

		for i := range plan {
			var r loadedBatch
			select {
			case r = <-results[i]:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			<-slots
			if r.err != nil {
				yield(nil, r.err)
				return
			}
			if !yield(r.batch, nil) {
				return
			}
		}
	}
}
