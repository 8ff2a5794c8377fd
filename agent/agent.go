// Package agent wraps a causal language model with a value head so that one
// forward pass yields everything PPO needs: a sampled next token, its
// log-probability, the entropy of the next-token distribution and a value
// estimate.
package agent

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Agent is the RL-trained language model.
type Agent struct {
	Policy     model.TrainableModel
	Value      *ValueHead
	EOSTokenID int
}

func NewAgent(policy model.TrainableModel, train params.RLHFConfig, rng *rand.Rand) *Agent {
	cfg := policy.Config()
	return &Agent{
		Policy:     policy,
		Value:      NewValueHead(cfg.EmbeddingDim, train, rng),
		EOSTokenID: cfg.EOSTokenID,
	}
}

// ForwardResult is one entry per batch element. All four fields come from
// the same categorical distribution and the same sampled draw.
type ForwardResult struct {
	Action  []int
	LogProb []float64
	Entropy []float64
	Value   []float64

	// kept for Backward
	probs  [][]float64
	hidden []*mat.Dense
}

// Probs returns the next-token distribution of row i that produced Action[i].
func (r *ForwardResult) Probs(i int) []float64 { return r.probs[i] }

// GetValue evaluates the value head on the last position of every hidden
// state (dModel x T) and returns one scalar per sequence.
func (a *Agent) GetValue(hidden []*mat.Dense) ([]float64, error) {
	values := make([]float64, len(hidden))
	for i, h := range hidden {
		if h == nil {
			return nil, fmt.Errorf("agent: hidden state %d: %w", i, model.ErrEmptySequence)
		}
		r, T := h.Dims()
		if T == 0 {
			return nil, fmt.Errorf("agent: hidden state %d: %w", i, model.ErrEmptySequence)
		}
		if r != a.Policy.Config().EmbeddingDim {
			return nil, fmt.Errorf("%w: hidden state %d has %d rows, want %d", model.ErrShapeMismatch, i, r, a.Policy.Config().EmbeddingDim)
		}
		values[i] = a.Value.Forward(utils.LastCol(h)).At(0, 0)
	}
	return values, nil
}

// Generate delegates decoding to the policy.
func (a *Agent) Generate(b model.Batch, opts model.GenerateOptions) ([][]int, error) {
	return a.Policy.Generate(b, opts)
}

// Forward runs the policy once, builds a categorical distribution from the
// softmax of the last-position logits and samples one action per sequence
// from src. A nil src falls back to the global generator. Every call draws
// a new sample.
func (a *Agent) Forward(b model.Batch, src rand.Source) (*ForwardResult, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	B := b.Size()
	res := &ForwardResult{
		Action:  make([]int, B),
		LogProb: make([]float64, B),
		Entropy: make([]float64, B),
		Value:   make([]float64, B),
		probs:   make([][]float64, B),
		hidden:  make([]*mat.Dense, B),
	}
	if B == 0 {
		return res, nil
	}

	out, err := a.Policy.Forward(b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < B; i++ {
		_, T := out.Logits[i].Dims()
		probs := utils.Softmax(utils.Col(out.Logits[i], T-1))
		dist := distuv.NewCategorical(probs, src)
		action := int(dist.Rand())

		res.Action[i] = action
		res.LogProb[i] = dist.LogProb(float64(action))
		res.Entropy[i] = dist.Entropy()
		res.probs[i] = probs
		res.hidden[i] = out.Hidden[i]
	}

	if res.Value, err = a.GetValue(out.Hidden); err != nil {
		return nil, err
	}
	return res, nil
}

// Backward accumulates gradients for the value head and the policy given
// dL/dlogits at the last position (vocab x 1 per row, nil allowed) and
// dL/dvalue per row. res must come from Forward on the same batch with the
// current parameters.
func (a *Agent) Backward(b model.Batch, res *ForwardResult, dLogits []*mat.Dense, dValues []float64) error {
	B := b.Size()
	if len(res.hidden) != B || len(dLogits) != B || len(dValues) != B {
		return fmt.Errorf("%w: backward got %d results, %d logit grads, %d value grads for %d sequences",
			model.ErrShapeMismatch, len(res.hidden), len(dLogits), len(dValues), B)
	}
	dHidden := make([]*mat.Dense, B)
	for i := 0; i < B; i++ {
		a.Value.Forward(utils.LastCol(res.hidden[i]))
		dHidden[i] = a.Value.Backward(mat.NewDense(1, 1, []float64{dValues[i]}))
	}
	return a.Policy.Backward(b, dLogits, dHidden)
}

// Update steps the policy and the value head with the configured rates.
func (a *Agent) Update(cfg params.RLHFConfig) {
	a.Policy.Update(cfg.LearningRate)
	a.Value.Update(cfg.ValueLearningRate())
}

// Freeze snapshots the current policy as the reference model.
func (a *Agent) Freeze() *Reference {
	return &Reference{Policy: a.Policy.Freeze()}
}

// Reference is the frozen counterpart of an Agent. It has no Backward or
// Update, so the type system keeps it out of every optimizer step.
type Reference struct {
	Policy model.FrozenModel
}

// LogProbs returns log P(actions[i]) under the reference's last-position
// next-token distribution.
func (r *Reference) LogProbs(b model.Batch, actions []int) ([]float64, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if len(actions) != b.Size() {
		return nil, fmt.Errorf("%w: %d actions for %d sequences", model.ErrShapeMismatch, len(actions), b.Size())
	}
	if b.Size() == 0 {
		return []float64{}, nil
	}
	out, err := r.Policy.Forward(b)
	if err != nil {
		return nil, err
	}
	logps := make([]float64, b.Size())
	for i, act := range actions {
		_, T := out.Logits[i].Dims()
		lp := utils.LogSoftmax(utils.Col(out.Logits[i], T-1))
		if act < 0 || act >= len(lp) {
			return nil, fmt.Errorf("%w: action %d outside vocab %d", model.ErrVocabMismatch, act, len(lp))
		}
		logps[i] = lp[act]
	}
	return logps, nil
}

// EntropyGrad returns dH/dz for H = -sum p log p over softmax(z):
// dH/dz_j = -p_j (log p_j + H).
func EntropyGrad(probs []float64, H float64) []float64 {
	g := make([]float64, len(probs))
	for j, p := range probs {
		if p > 0 {
			g[j] = -p * (math.Log(p) + H)
		}
	}
	return g
}

// LogProbGrad returns dlog p_action/dz = onehot(action) - p.
func LogProbGrad(probs []float64, action int) []float64 {
	g := make([]float64, len(probs))
	for j, p := range probs {
		g[j] = -p
	}
	g[action] += 1
	return g
}
