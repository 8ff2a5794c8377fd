// Package model declares the capabilities the RLHF core consumes: a policy
// language model (trainable or frozen) and a reward model. Implementations
// live elsewhere; the core never depends on a concrete architecture.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptySequence = errors.New("model: sequence length must be >= 1")
	ErrShapeMismatch = errors.New("model: shape mismatch")
	ErrVocabMismatch = errors.New("model: vocabulary mismatch")
)

// Batch is a padded batch of token ids. Every row has the same length.
// A nil AttentionMask marks every position as a real token.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
}

func (b Batch) Size() int { return len(b.InputIDs) }

// SeqLen is the common row length, 0 for an empty batch.
func (b Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Row returns ids and mask of row i; the mask is all ones when absent.
func (b Batch) Row(i int) (ids, mask []int) {
	ids = b.InputIDs[i]
	if b.AttentionMask != nil {
		return ids, b.AttentionMask[i]
	}
	mask = make([]int, len(ids))
	for j := range mask {
		mask[j] = 1
	}
	return ids, mask
}

// Validate checks the padding contract: equal row lengths, no empty rows,
// a mask (if any) with the same shape as the ids.
func (b Batch) Validate() error {
	if b.AttentionMask != nil && len(b.AttentionMask) != len(b.InputIDs) {
		return fmt.Errorf("%w: %d mask rows for %d sequences", ErrShapeMismatch, len(b.AttentionMask), len(b.InputIDs))
	}
	T := b.SeqLen()
	for i, row := range b.InputIDs {
		if len(row) == 0 {
			return fmt.Errorf("%w: row %d", ErrEmptySequence, i)
		}
		if len(row) != T {
			return fmt.Errorf("%w: row %d has length %d, want %d", ErrShapeMismatch, i, len(row), T)
		}
		if b.AttentionMask != nil && len(b.AttentionMask[i]) != T {
			return fmt.Errorf("%w: mask row %d has length %d, want %d", ErrShapeMismatch, i, len(b.AttentionMask[i]), T)
		}
	}
	return nil
}

// Concat joins two batches row by row (queries followed by responses).
func Concat(a, b Batch) (Batch, error) {
	if a.Size() != b.Size() {
		return Batch{}, fmt.Errorf("%w: %d queries for %d responses", ErrShapeMismatch, a.Size(), b.Size())
	}
	out := Batch{
		InputIDs:      make([][]int, a.Size()),
		AttentionMask: make([][]int, a.Size()),
	}
	for i := range a.InputIDs {
		aIDs, aMask := a.Row(i)
		bIDs, bMask := b.Row(i)
		out.InputIDs[i] = append(append(make([]int, 0, len(aIDs)+len(bIDs)), aIDs...), bIDs...)
		out.AttentionMask[i] = append(append(make([]int, 0, len(aMask)+len(bMask)), aMask...), bMask...)
	}
	return out, nil
}

// Config is the slice of model configuration the core reads.
type Config struct {
	EmbeddingDim int
	VocabSize    int
	EOSTokenID   int
	PadTokenID   int
}

// Output holds, per sequence, the logits (vocab x T) and the final-layer
// hidden states (dModel x T). Column t is position t.
type Output struct {
	Logits []*mat.Dense
	Hidden []*mat.Dense
}

// GenerateOptions are passed through to the policy's decoding loop.
type GenerateOptions struct {
	MaxNewTokens int
	Temperature  float64 // <= 0 is treated as 1
	TopK         int     // <= 0 disables
	TopP         float64 // outside (0,1) disables
	DoSample     bool    // false = greedy
	EOSTokenID   int     // < 0 never stops early
	Source       rand.Source
}

// Model is the read-only forward capability.
type Model interface {
	Forward(b Batch) (*Output, error)
	Config() Config
}

// FrozenModel is a model that can also decode but never accepts updates.
type FrozenModel interface {
	Model
	Generate(b Batch, opts GenerateOptions) ([][]int, error)
}

// TrainableModel additionally accepts gradients at the last position of each
// sequence and applies optimizer steps to its own parameters.
type TrainableModel interface {
	FrozenModel
	// Backward re-runs row i of b and back-propagates dLogits[i] (vocab x 1)
	// and dHidden[i] (dModel x 1), both taken at the last position. Gradients
	// accumulate until Update.
	Backward(b Batch, dLogits, dHidden []*mat.Dense) error
	// Update applies one optimizer step with lr and clears gradients.
	Update(lr float64)
	// Freeze returns an independent frozen copy of the current parameters.
	Freeze() FrozenModel
}

// RewardModel scores each sequence of a batch with one scalar.
type RewardModel interface {
	Reward(b Batch) ([]float64, error)
}
