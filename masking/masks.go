package masking

// Masks are the two padding granularities of an Input. Token has one flag per
// id; Instruction has one flag per (sample, instruction) and is set only when
// every token of the instruction is padding.
type Masks struct {
	Token       []bool
	Instruction []bool
}

// Derive computes both masks from scratch. It has no side effects and must be
// called for every batch.
func Derive(in *Input, padID int) Masks {
	token := make([]bool, len(in.IDs))
	for i, id := range in.IDs {
		token[i] = id == padID
	}

	instr := make([]bool, in.Batch*in.Instructions)
	for r := range instr {
		all := true
		for _, p := range token[r*in.Tokens : (r+1)*in.Tokens] {
			if !p {
				all = false
				break
			}
		}
		instr[r] = all
	}

	return Masks{Token: token, Instruction: instr}
}

// RealInstructions returns the flat (sample*instructions + i) indices of
// instructions that hold at least one real token.
func (m Masks) RealInstructions() []int {
	rows := make([]int, 0, len(m.Instruction))
	for r, pad := range m.Instruction {
		if !pad {
			rows = append(rows, r)
		}
	}
	return rows
}
