package trainer

import (
	"errors"
	"fmt"

	"github.com/Big-jpg/instructGOOSE/model"
	"gonum.org/v1/gonum/stat"
)

var ErrEmptyTrajectory = errors.New("trainer: empty trajectory")

// Trajectory is the per-batch buffer of rewards, value estimates and the
// quantities derived from them. It lives for one loss computation.
type Trajectory struct {
	Rewards    []float64
	Values     []float64
	Returns    []float64 // discounted return per step
	Advantages []float64 // GAE advantage per step
	Advantage  float64   // mean of Advantages, the trajectory-level estimate
}

// BuildTrajectory computes, with V beyond the final step taken as 0,
//
//	returns[t] = r[t] + gamma*returns[t+1]
//	delta[t]   = r[t] + gamma*V[t+1] - V[t]
//	adv[t]     = delta[t] + gamma*lambda*adv[t+1]
//
// With lambda = 1 the advantage is exactly returns[t] - V[t].
func BuildTrajectory(rewards, values []float64, gamma, lambda float64) (*Trajectory, error) {
	if len(rewards) != len(values) {
		return nil, fmt.Errorf("%w: %d rewards, %d values", model.ErrShapeMismatch, len(rewards), len(values))
	}
	N := len(rewards)
	if N == 0 {
		return nil, ErrEmptyTrajectory
	}
	tr := &Trajectory{
		Rewards:    rewards,
		Values:     values,
		Returns:    make([]float64, N),
		Advantages: make([]float64, N),
	}
	nextReturn, nextValue, nextAdv := 0.0, 0.0, 0.0
	for t := N - 1; t >= 0; t-- {
		tr.Returns[t] = rewards[t] + gamma*nextReturn
		delta := rewards[t] + gamma*nextValue - values[t]
		tr.Advantages[t] = delta + gamma*lambda*nextAdv
		nextReturn, nextValue, nextAdv = tr.Returns[t], values[t], tr.Advantages[t]
	}
	tr.Advantage = stat.Mean(tr.Advantages, nil)
	return tr, nil
}

// EpisodeTrajectory treats every entry as a one-step episode that its reward
// ends, so returns[i] = r[i] and adv[i] = r[i] - V[i]. Entries never see each
// other's rewards. Advantage is the mean of the per-entry advantages.
func EpisodeTrajectory(rewards, values []float64) (*Trajectory, error) {
	if len(rewards) != len(values) {
		return nil, fmt.Errorf("%w: %d rewards, %d values", model.ErrShapeMismatch, len(rewards), len(values))
	}
	N := len(rewards)
	if N == 0 {
		return nil, ErrEmptyTrajectory
	}
	tr := &Trajectory{
		Rewards:    rewards,
		Values:     values,
		Returns:    make([]float64, N),
		Advantages: make([]float64, N),
	}
	for i := range rewards {
		tr.Returns[i] = rewards[i]
		tr.Advantages[i] = rewards[i] - values[i]
	}
	tr.Advantage = stat.Mean(tr.Advantages, nil)
	return tr, nil
}

// ComputeAdvantageAndReturn returns the scalar advantage of the trajectory
// and one discounted return per step.
func ComputeAdvantageAndReturn(rewards, values []float64, gamma, lambda float64) (float64, []float64, error) {
	tr, err := BuildTrajectory(rewards, values, gamma, lambda)
	if err != nil {
		return 0, nil, err
	}
	return tr.Advantage, tr.Returns, nil
}
