// Package dataset reads tokenised basic blocks with their measured targets.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/tsawler/blockperf/training"
)

const maxLineSize = 16 << 20

// ParseError locates a malformed line.
type ParseError struct {
	LineNumber int
	Msg        string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("(line %d): %s", e.LineNumber, e.Msg)
}

type record struct {
	Block  [][]int  `json:"block"`
	Target *float64 `json:"target"`
}

// JSONL holds one sample per line of a file of
// {"block": [[ids...], ...], "target": <raw>} objects.
type JSONL struct {
	samples []training.Sample
	maxID   int
	padID   int
}

// Open reads path; see Read.
func Open(path string, tt training.TargetTransform, padID int) (*JSONL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := Read(f, tt, padID)
	if err != nil {
		return nil, fmt.Errorf("%s %w", path, err)
	}
	return ds, nil
}

// Read parses every non-blank line of r. Targets are normalised with tt and
// must stay finite; blocks need at least one instruction and every
// instruction at least one non-negative id. Blocks are unpadded, so padID
// may not appear.
func Read(r io.Reader, tt training.TargetTransform, padID int) (*JSONL, error) {
	br := bufio.NewScanner(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	br.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	ds := &JSONL{padID: padID}
	line := 0
	for br.Scan() {
		line++
		b := bytes.TrimSpace(br.Bytes())
		if len(b) == 0 {
			continue
		}

		var rec record
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, &ParseError{LineNumber: line, Msg: err.Error()}
		}
		s, err := ds.sample(rec, tt)
		if err != nil {
			return nil, &ParseError{LineNumber: line, Msg: err.Error()}
		}
		ds.samples = append(ds.samples, s)
	}
	if err := br.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ParseError{LineNumber: line + 1, Msg: "line too long"}
		}
		return nil, err
	}
	return ds, nil
}

func (ds *JSONL) sample(rec record, tt training.TargetTransform) (training.Sample, error) {
	if rec.Target == nil {
		return training.Sample{}, errors.New("missing target")
	}
	if len(rec.Block) == 0 {
		return training.Sample{}, errors.New("empty block")
	}
	for i, instr := range rec.Block {
		if len(instr) == 0 {
			return training.Sample{}, fmt.Errorf("instruction %d has no tokens", i)
		}
		for _, id := range instr {
			if id < 0 {
				return training.Sample{}, fmt.Errorf("instruction %d: negative token id %d", i, id)
			}
			if id == ds.padID {
				return training.Sample{}, fmt.Errorf("instruction %d: token id %d is the padding id", i, id)
			}
			ds.maxID = max(ds.maxID, id)
		}
	}

	raw := *rec.Target
	target := tt.Forward(raw)
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return training.Sample{}, fmt.Errorf("target %g is not finite under the %s transform", raw, tt.Name())
	}
	return training.Sample{Block: rec.Block, Target: float32(target), Raw: float32(raw)}, nil
}

func (ds *JSONL) Len() int { return len(ds.samples) }

func (ds *JSONL) Get(idx int) (training.Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return training.Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// MaxID is the largest token id seen, for checking against a vocabulary.
func (ds *JSONL) MaxID() int { return ds.maxID }
