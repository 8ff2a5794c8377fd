package agent

import (
	"fmt"
	"math"

	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/stat"
)

// Objective is the direct (non-PPO) training signal:
//
//	mean(reward - Beta*log(p/q)) + Gamma*mean(log p)
//
// where p and q are the softmax distributions of Model and Reference at every
// position and the first mean broadcasts the per-sequence reward over the
// (batch, position, vocab) grid.
type Objective struct {
	Model     model.Model
	Reference model.Model
	Reward    model.RewardModel
	Gamma     float64 // coherence weight
	Beta      float64 // divergence weight

	// LogSpace computes log p - log q and log p from log-softmax instead of
	// taking logs of softmax probabilities. Off by default: the raw form
	// underflows to -Inf/NaN on near-zero probabilities.
	LogSpace bool
}

// Value scores b with the reward model and returns the scalar objective.
// Inputs are not modified and non-finite values are returned as is.
func (o *Objective) Value(b model.Batch) (float64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if b.Size() == 0 {
		return 0, fmt.Errorf("%w: objective of an empty batch", model.ErrShapeMismatch)
	}
	rewards, err := o.Reward.Reward(b)
	if err != nil {
		return 0, fmt.Errorf("agent: objective reward: %w", err)
	}
	return o.ValueWithRewards(b, rewards)
}

// ValueWithRewards is Value with rewards already computed for b.
func (o *Objective) ValueWithRewards(b model.Batch, rewards []float64) (float64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if b.Size() == 0 {
		return 0, fmt.Errorf("%w: objective of an empty batch", model.ErrShapeMismatch)
	}
	if len(rewards) != b.Size() {
		return 0, fmt.Errorf("%w: %d rewards for %d sequences", model.ErrShapeMismatch, len(rewards), b.Size())
	}
	cur, err := o.Model.Forward(b)
	if err != nil {
		return 0, fmt.Errorf("agent: objective model: %w", err)
	}
	ref, err := o.Reference.Forward(b)
	if err != nil {
		return 0, fmt.Errorf("agent: objective reference: %w", err)
	}

	var ratioSum, coherenceSum float64
	n := 0
	for i := range b.InputIDs {
		vr, T := cur.Logits[i].Dims()
		if rr, rt := ref.Logits[i].Dims(); rr != vr || rt != T {
			return 0, fmt.Errorf("%w: model logits %dx%d, reference %dx%d", model.ErrVocabMismatch, vr, T, rr, rt)
		}
		for t := 0; t < T; t++ {
			zp := utils.Col(cur.Logits[i], t)
			zq := utils.Col(ref.Logits[i], t)
			if o.LogSpace {
				lp, lq := utils.LogSoftmax(zp), utils.LogSoftmax(zq)
				for v := range lp {
					ratioSum += lp[v] - lq[v]
					coherenceSum += lp[v]
				}
			} else {
				p, q := utils.Softmax(zp), utils.Softmax(zq)
				for v := range p {
					ratioSum += math.Log(p[v] / q[v])
					coherenceSum += math.Log(p[v])
				}
			}
			n += vr
		}
	}
	N := float64(n)
	// every sequence has the same T*V cells, so the broadcast mean of the
	// reward equals its batch mean.
	return stat.Mean(rewards, nil) - o.Beta*ratioSum/N + o.Gamma*coherenceSum/N, nil
}
