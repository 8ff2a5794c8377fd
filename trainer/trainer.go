// Package trainer implements the PPO-style RLHF update: advantages and
// returns from a reward/value trajectory, the clipped surrogate loss with
// entropy and value terms, and a full rollout-score-update step.
package trainer

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Big-jpg/instructGOOSE/agent"
	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrNonFinite     = errors.New("trainer: non-finite loss")
	ErrNoRewardModel = errors.New("trainer: no reward model configured")
)

type RLHFTrainer struct {
	Model       *agent.Agent
	RefModel    *agent.Reference
	Config      params.RLHFConfig
	RewardModel model.RewardModel // used by Step only
	Objective   *agent.Objective  // set by Step once a reward model exists

	src   rand.Source
	steps int
}

// New validates cfg and builds a trainer. src seeds action sampling and
// rollouts; nil uses the global generator.
func New(a *agent.Agent, ref *agent.Reference, cfg params.RLHFConfig, src rand.Source) (*RLHFTrainer, error) {
	if a == nil || ref == nil {
		return nil, fmt.Errorf("trainer: agent and reference model are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RLHFTrainer{Model: a, RefModel: ref, Config: cfg, src: src}, nil
}

// Epsilon is the clip range of the importance ratio.
func (t *RLHFTrainer) Epsilon() float64 { return t.Config.Epsilon }

// ComputeAdvantageAndReturn uses the trainer's gamma and lambda.
func (t *RLHFTrainer) ComputeAdvantageAndReturn(rewards, values []float64) (float64, []float64, error) {
	return ComputeAdvantageAndReturn(rewards, values, t.Config.Gamma, t.Config.Lambda)
}

// LossResult is the scalar loss, its components, and the gradients of the
// loss w.r.t. the last-position logits and the value estimates.
type LossResult struct {
	Loss         float64
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64 // batch mean
	ClipFraction float64 // share of rows whose ratio left [1-eps, 1+eps]
	Ratio        []float64
	Trajectory   *Trajectory

	batch   model.Batch
	forward *agent.ForwardResult
	dLogits []*mat.Dense
	dValues []float64
}

func (r *LossResult) Finite() bool {
	return utils.AllFinite(r.Loss, r.PolicyLoss, r.ValueLoss, r.Entropy)
}

// ComputeLoss runs the agent on query+response, evaluates the reference on
// the sampled actions and returns
//
//	mean(-min(ratio*A, clip(ratio, 1-eps, 1+eps)*A)) - entCoef*mean(H) + vfCoef*mean((V-R)^2)
//
// with ratio = exp(logp - logp_ref). Each sequence is a one-step episode:
// its return R is its own reward and A is the batch mean of R - V.
// Parameters are not touched.
func (t *RLHFTrainer) ComputeLoss(query, response model.Batch, rewards []float64) (*LossResult, error) {
	batch, err := model.Concat(query, response)
	if err != nil {
		return nil, err
	}
	B := batch.Size()
	if len(rewards) != B {
		return nil, fmt.Errorf("%w: %d rewards for %d sequences", model.ErrShapeMismatch, len(rewards), B)
	}
	if B == 0 {
		return nil, ErrEmptyTrajectory
	}

	fwd, err := t.Model.Forward(batch, t.src)
	if err != nil {
		return nil, fmt.Errorf("trainer: agent forward: %w", err)
	}
	refLogp, err := t.RefModel.LogProbs(batch, fwd.Action)
	if err != nil {
		return nil, fmt.Errorf("trainer: reference forward: %w", err)
	}
	tr, err := EpisodeTrajectory(rewards, fwd.Value)
	if err != nil {
		return nil, err
	}

	eps := t.Config.Epsilon
	A := tr.Advantage
	n := float64(B)
	res := &LossResult{
		Ratio:      make([]float64, B),
		Trajectory: tr,
		batch:      batch,
		forward:    fwd,
		dLogits:    make([]*mat.Dense, B),
		dValues:    make([]float64, B),
	}

	pg := make([]float64, B)
	vl := make([]float64, B)
	clipped := 0.0
	for i := 0; i < B; i++ {
		ratio := math.Exp(fwd.LogProb[i] - refLogp[i])
		res.Ratio[i] = ratio
		clipRatio := math.Max(1-eps, math.Min(ratio, 1+eps))
		if clipRatio != ratio {
			clipped++
		}
		surr1, surr2 := ratio*A, clipRatio*A
		pg[i] = -math.Min(surr1, surr2)

		diff := fwd.Value[i] - tr.Returns[i]
		vl[i] = diff * diff

		// dL/dz = (1/B) [ dpg/dlogp * (onehot - p) - entCoef * dH/dz ]
		probs := fwd.Probs(i)
		g := make([]float64, len(probs))
		if surr1 <= surr2 {
			dLogp := -A * ratio
			for j, v := range agent.LogProbGrad(probs, fwd.Action[i]) {
				g[j] += dLogp * v
			}
		}
		for j, v := range agent.EntropyGrad(probs, fwd.Entropy[i]) {
			g[j] -= t.Config.EntCoef * v
		}
		for j := range g {
			g[j] /= n
		}
		res.dLogits[i] = mat.NewDense(len(g), 1, g)
		res.dValues[i] = 2 * t.Config.VfCoef * diff / n
	}

	res.PolicyLoss = stat.Mean(pg, nil)
	res.ValueLoss = stat.Mean(vl, nil)
	res.Entropy = stat.Mean(fwd.Entropy, nil)
	res.ClipFraction = clipped / n
	res.Loss = res.PolicyLoss - t.Config.EntCoef*res.Entropy + t.Config.VfCoef*res.ValueLoss
	return res, nil
}

// Backward accumulates the gradients of res into the agent.
func (t *RLHFTrainer) Backward(res *LossResult) error {
	return t.Model.Backward(res.batch, res.forward, res.dLogits, res.dValues)
}

// Update applies one optimizer step to the agent (never the reference).
func (t *RLHFTrainer) Update() {
	t.Model.Update(t.Config)
}

// StepResult summarises one Step.
type StepResult struct {
	Loss      float64
	Objective float64
	Rewards   []float64
	Responses [][]int
	Detail    *LossResult
}

// Step generates responses for the prompts, scores them, computes the PPO
// loss and the direct objective, and updates the agent. A non-finite loss
// returns ErrNonFinite without touching parameters.
func (t *RLHFTrainer) Step(prompts model.Batch) (*StepResult, error) {
	if t.RewardModel == nil {
		return nil, ErrNoRewardModel
	}
	if err := prompts.Validate(); err != nil {
		return nil, err
	}
	if t.Objective == nil {
		t.Objective = &agent.Objective{
			Model:     t.Model.Policy,
			Reference: t.RefModel.Policy,
			Reward:    t.RewardModel,
			Gamma:     t.Config.ObjectiveGamma,
			Beta:      t.Config.ObjectiveBeta,
			LogSpace:  t.Config.ObjectiveLog,
		}
	}

	eos := t.Model.EOSTokenID
	generated, err := t.Model.Generate(prompts, model.GenerateOptions{
		MaxNewTokens: t.Config.MaxNewTokens,
		Temperature:  t.Config.Temperature,
		TopK:         t.Config.TopK,
		TopP:         t.Config.TopP,
		DoSample:     true,
		EOSTokenID:   eos,
		Source:       t.src,
	})
	if err != nil {
		return nil, fmt.Errorf("trainer: generate: %w", err)
	}
	response := responseBatch(generated, prompts.SeqLen(), eos)

	full, err := model.Concat(prompts, response)
	if err != nil {
		return nil, err
	}
	rewards, err := t.RewardModel.Reward(full)
	if err != nil {
		return nil, fmt.Errorf("trainer: reward: %w", err)
	}

	res, err := t.ComputeLoss(prompts, response, rewards)
	if err != nil {
		return nil, err
	}
	objective, err := t.Objective.ValueWithRewards(full, rewards)
	if err != nil {
		return nil, err
	}
	if !res.Finite() {
		return nil, fmt.Errorf("%w: loss=%g policy=%g value=%g entropy=%g", ErrNonFinite, res.Loss, res.PolicyLoss, res.ValueLoss, res.Entropy)
	}
	if err := t.Backward(res); err != nil {
		return nil, err
	}
	t.Update()

	t.steps++
	if t.Config.Debug && t.Config.DebugEvery > 0 && t.steps%t.Config.DebugEvery == 0 {
		utils.Debugf("step %d: loss=%.4f pg=%.4f vf=%.4f ent=%.4f clip=%.2f adv=%.4f objective=%.4f",
			t.steps, res.Loss, res.PolicyLoss, res.ValueLoss, res.Entropy, res.ClipFraction, res.Trajectory.Advantage, objective)
	}
	return &StepResult{
		Loss:      res.Loss,
		Objective: objective,
		Rewards:   rewards,
		Responses: response.InputIDs,
		Detail:    res,
	}, nil
}

// responseBatch cuts the continuation off each generated row. Positions after
// the first EOS are padding and get mask 0.
func responseBatch(generated [][]int, promptLen, eos int) model.Batch {
	b := model.Batch{
		InputIDs:      make([][]int, len(generated)),
		AttentionMask: make([][]int, len(generated)),
	}
	for i, row := range generated {
		ids := append([]int(nil), row[promptLen:]...)
		mask := make([]int, len(ids))
		ended := false
		for j, id := range ids {
			if !ended {
				mask[j] = 1
			}
			if id == eos {
				ended = true
			}
		}
		b.InputIDs[i], b.AttentionMask[i] = ids, mask
	}
	return b
}
