// Package reward provides model.RewardModel implementations.
package reward

import (
	"fmt"

	"github.com/Big-jpg/instructGOOSE/agent"
	"github.com/Big-jpg/instructGOOSE/model"
	"gonum.org/v1/gonum/mat"
)

// Func adapts a plain function to model.RewardModel.
type Func func(b model.Batch) ([]float64, error)

func (f Func) Reward(b model.Batch) ([]float64, error) { return f(b) }

// HeadModel scores a sequence by running a frozen backbone and a scalar head
// on the hidden state of the last real (unmasked) token.
type HeadModel struct {
	Backbone model.Model
	Head     *agent.ValueHead
}

var (
	_ model.RewardModel = (*HeadModel)(nil)
	_ model.RewardModel = Func(nil)
)

func (m *HeadModel) Reward(b model.Batch) ([]float64, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Size() == 0 {
		return []float64{}, nil
	}
	out, err := m.Backbone.Forward(b)
	if err != nil {
		return nil, fmt.Errorf("reward: backbone: %w", err)
	}
	rewards := make([]float64, b.Size())
	for i := range b.InputIDs {
		_, mask := b.Row(i)
		col := lastValid(mask)
		h := out.Hidden[i]
		r, _ := h.Dims()
		rewards[i] = m.Head.Forward(mat.DenseCopyOf(h.Slice(0, r, col, col+1))).At(0, 0)
	}
	return rewards, nil
}

// lastValid is the index of the last mask==1 position, or the last position
// when the row is entirely padding.
func lastValid(mask []int) int {
	for j := len(mask) - 1; j >= 0; j-- {
		if mask[j] != 0 {
			return j
		}
	}
	return len(mask) - 1
}

// Length rewards sequences by the fraction of real tokens, shifted into
// [-1, 1]. Useful as a deterministic stand-in while wiring a pipeline.
var Length = Func(func(b model.Batch) ([]float64, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := make([]float64, b.Size())
	for i := range b.InputIDs {
		_, mask := b.Row(i)
		n := 0.0
		for _, m := range mask {
			if m != 0 {
				n++
			}
		}
		out[i] = 2*n/float64(len(mask)) - 1
	}
	return out, nil
})
