// Package masking holds the rank-3 token input and everything derived from
// its padding: token and instruction masks and the Masked tensor that keeps
// padded rows at exactly zero.
package masking

import (
	"errors"
	"fmt"
)

// ErrMalformedInput is wrapped by every input validation failure.
var ErrMalformedInput = errors.New("malformed input")

// Input is a batch of token ids laid out as (batch, instructions, tokens) in
// row-major order.
type Input struct {
	Batch        int
	Instructions int
	Tokens       int
	IDs          []int
}

// NewInput wraps ids with the given shape after validating it.
func NewInput(shape []int, ids []int) (*Input, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: expected rank 3 (batch, instructions, tokens), got shape %v", ErrMalformedInput, shape)
	}
	in := &Input{Batch: shape[0], Instructions: shape[1], Tokens: shape[2], IDs: ids}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Pack builds an Input from ragged samples, padding every instruction and
// every sample at the end with padID. Samples may already carry padding, but
// only as a suffix: a real token after a pad token, or a real instruction
// after an empty one, is rejected.
func Pack(samples [][][]int, padID int) (*Input, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrMalformedInput)
	}

	maxInstr, maxTokens := 0, 0
	for b, sample := range samples {
		if err := checkSuffixPadding(sample, padID); err != nil {
			return nil, fmt.Errorf("%w: sample %d: %v", ErrMalformedInput, b, err)
		}
		maxInstr = max(maxInstr, len(sample))
		for _, instr := range sample {
			maxTokens = max(maxTokens, len(instr))
		}
	}
	if maxInstr == 0 || maxTokens == 0 {
		return nil, fmt.Errorf("%w: samples contain no tokens", ErrMalformedInput)
	}

	ids := make([]int, len(samples)*maxInstr*maxTokens)
	for i := range ids {
		ids[i] = padID
	}
	for b, sample := range samples {
		for i, instr := range sample {
			copy(ids[(b*maxInstr+i)*maxTokens:], instr)
		}
	}

	return &Input{Batch: len(samples), Instructions: maxInstr, Tokens: maxTokens, IDs: ids}, nil
}

func checkSuffixPadding(sample [][]int, padID int) error {
	emptyAt := -1
	for i, instr := range sample {
		padAt := -1
		for j, id := range instr {
			switch {
			case id == padID && padAt < 0:
				padAt = j
			case id != padID && padAt >= 0:
				return fmt.Errorf("instruction %d: token %d follows padding at %d", i, j, padAt)
			}
		}
		if len(instr) == 0 || padAt == 0 {
			if emptyAt < 0 {
				emptyAt = i
			}
			continue
		}
		if emptyAt >= 0 {
			return fmt.Errorf("instruction %d follows empty instruction %d", i, emptyAt)
		}
	}
	return nil
}

// Validate checks that every dimension is positive and the storage matches.
func (in *Input) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: nil input", ErrMalformedInput)
	}
	if in.Batch <= 0 || in.Instructions <= 0 || in.Tokens <= 0 {
		return fmt.Errorf("%w: empty dimension in shape %v", ErrMalformedInput, in.Shape())
	}
	if len(in.IDs) != in.Batch*in.Instructions*in.Tokens {
		return fmt.Errorf("%w: %d ids for shape %v", ErrMalformedInput, len(in.IDs), in.Shape())
	}
	return nil
}

// Shape returns (batch, instructions, tokens).
func (in *Input) Shape() []int {
	return []int{in.Batch, in.Instructions, in.Tokens}
}

// At returns the id at (b, i, s).
func (in *Input) At(b, i, s int) int {
	return in.IDs[(b*in.Instructions+i)*in.Tokens+s]
}

// Sample returns a one-sample Input sharing storage with in.
func (in *Input) Sample(b int) *Input {
	stride := in.Instructions * in.Tokens
	return &Input{Batch: 1, Instructions: in.Instructions, Tokens: in.Tokens, IDs: in.IDs[b*stride : (b+1)*stride]}
}
