package agent

import (
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/transformer"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
)

var testCfg = params.ModelConfig{DModel: 8, HiddenSize: 16, NumHeads: 2, Layers: 1, VocabSize: 12, SeqLen: 10}

func newTestAgent(t *testing.T, seed uint64) *Agent {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	gpt, err := transformer.New(testCfg, 2, 0, params.Config, rng)
	if err != nil {
		t.Fatal(err)
	}
	return NewAgent(gpt, params.Config, rng)
}

// fixedModel returns the same last-position logits for every position.
type fixedModel struct {
	last   [][]float64
	dModel int
}

func (m *fixedModel) Forward(b model.Batch) (*model.Output, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := &model.Output{Logits: make([]*mat.Dense, b.Size()), Hidden: make([]*mat.Dense, b.Size())}
	for i, ids := range b.InputIDs {
		T := len(ids)
		L := mat.NewDense(len(m.last[i]), T, nil)
		H := mat.NewDense(m.dModel, T, nil)
		for t := 0; t < T; t++ {
			L.SetCol(t, m.last[i])
			for j := 0; j < m.dModel; j++ {
				H.Set(j, t, 0.1*float64(j+1))
			}
		}
		out.Logits[i], out.Hidden[i] = L, H
	}
	return out, nil
}

func (m *fixedModel) Config() model.Config {
	return model.Config{EmbeddingDim: m.dModel, VocabSize: len(m.last[0]), EOSTokenID: 0}
}

func (m *fixedModel) Generate(b model.Batch, _ model.GenerateOptions) ([][]int, error) {
	return b.InputIDs, nil
}

func (m *fixedModel) Backward(model.Batch, []*mat.Dense, []*mat.Dense) error { return nil }
func (m *fixedModel) Update(float64)                                         {}
func (m *fixedModel) Freeze() model.FrozenModel                              { return m }

type rewardFunc func(b model.Batch) ([]float64, error)

func (f rewardFunc) Reward(b model.Batch) ([]float64, error) { return f(b) }

func TestForwardOneEntryPerSequence(t *testing.T) {
	a := newTestAgent(t, 1)
	b := model.Batch{InputIDs: [][]int{{1, 3, 4}, {5, 6, 7}, {8, 9, 10}}}

	res, err := a.Forward(b, rand.NewPCG(3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Action) != 3 || len(res.LogProb) != 3 || len(res.Entropy) != 3 || len(res.Value) != 3 {
		t.Fatalf("lengths %d/%d/%d/%d", len(res.Action), len(res.LogProb), len(res.Entropy), len(res.Value))
	}

	out, err := a.Policy.Forward(b)
	if err != nil {
		t.Fatal(err)
	}
	maxEntropy := math.Log(float64(testCfg.VocabSize))
	for i, act := range res.Action {
		if act < 0 || act >= testCfg.VocabSize {
			t.Fatalf("row %d: action %d out of range", i, act)
		}
		lp := utils.LogSoftmax(utils.Col(out.Logits[i], 2))
		if math.Abs(lp[act]-res.LogProb[i]) > 1e-9 {
			t.Fatalf("row %d: logprob %g, log softmax %g", i, res.LogProb[i], lp[act])
		}
		if res.Entropy[i] < 0 || res.Entropy[i] > maxEntropy+1e-9 {
			t.Fatalf("row %d: entropy %g", i, res.Entropy[i])
		}
		if math.Abs(res.Value[i]) >= 1 {
			t.Fatalf("row %d: value %g outside (-1,1)", i, res.Value[i])
		}
	}
}

func TestForwardBatchEdges(t *testing.T) {
	a := newTestAgent(t, 2)

	res, err := a.Forward(model.Batch{}, nil)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(res.Action) != 0 || len(res.Value) != 0 {
		t.Fatal("empty batch produced results")
	}

	if _, err := a.Forward(model.Batch{InputIDs: [][]int{{}}}, nil); !errors.Is(err, model.ErrEmptySequence) {
		t.Fatalf("zero-length sequence: %v", err)
	}

	one, err := a.Forward(model.Batch{InputIDs: [][]int{{4}}}, rand.NewPCG(1, 1))
	if err != nil || len(one.Action) != 1 {
		t.Fatalf("single-token sequence: %v", err)
	}
}

func TestDegenerateDistribution(t *testing.T) {
	policy := &fixedModel{last: [][]float64{{0, -60, -60, -60}}, dModel: 4}
	a := NewAgent(policy, params.Config, rand.New(rand.NewPCG(1, 1)))
	res, err := a.Forward(model.Batch{InputIDs: [][]int{{1, 2}}}, rand.NewPCG(5, 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action[0] != 0 || math.Abs(res.LogProb[0]) > 1e-12 || math.Abs(res.Entropy[0]) > 1e-12 {
		t.Fatalf("action=%d logprob=%g entropy=%g", res.Action[0], res.LogProb[0], res.Entropy[0])
	}
}

func TestForwardResamplesEveryCall(t *testing.T) {
	uniform := make([]float64, 10)
	policy := &fixedModel{last: [][]float64{uniform}, dModel: 4}
	a := NewAgent(policy, params.Config, rand.New(rand.NewPCG(1, 1)))
	src := rand.NewPCG(8, 9)
	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		res, err := a.Forward(model.Batch{InputIDs: [][]int{{1}}}, src)
		if err != nil {
			t.Fatal(err)
		}
		seen[res.Action[0]] = true
		if math.Abs(res.Entropy[0]-math.Log(10)) > 1e-9 {
			t.Fatalf("uniform entropy %g", res.Entropy[0])
		}
	}
	if len(seen) < 2 {
		t.Fatal("every call returned the same action")
	}
}

func TestGetValueErrors(t *testing.T) {
	a := newTestAgent(t, 3)
	if _, err := a.GetValue([]*mat.Dense{nil}); !errors.Is(err, model.ErrEmptySequence) {
		t.Fatalf("nil hidden: %v", err)
	}
	if _, err := a.GetValue([]*mat.Dense{mat.NewDense(3, 2, nil)}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("wrong width: %v", err)
	}
	vals, err := a.GetValue([]*mat.Dense{mat.NewDense(testCfg.DModel, 4, nil), mat.NewDense(testCfg.DModel, 1, nil)})
	if err != nil || len(vals) != 2 {
		t.Fatalf("got %v, %v", vals, err)
	}
}

func TestValueHeadGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	d, T := 6, 3
	v := NewValueHead(d, params.Config, rng)
	X := mat.NewDense(d, T, utils.RandomArray(d*T, 0.25, rng))
	R := mat.NewDense(1, T, []float64{0.7, -1.3, 0.4})

	loss := func() float64 {
		out := v.Forward(X)
		return mat.Dot(out.RowView(0), R.RowView(0))
	}
	v.Forward(X)
	dX := v.Backward(R)

	check := func(name string, m, grad *mat.Dense, i, j int) {
		eps := 1e-5
		w0 := m.At(i, j)
		m.Set(i, j, w0+eps)
		lp := loss()
		m.Set(i, j, w0-eps)
		lm := loss()
		m.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if ana := grad.At(i, j); math.Abs(num-ana) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, ana)
		}
	}
	check("W1", v.W1.W, v.W1.G, 10, 2)
	check("B1", v.B1.W, v.B1.G, 3, 0)
	check("W2", v.W2.W, v.W2.G, 7, 100)
	check("W3", v.W3.W, v.W3.G, 0, 42)
	check("B3", v.B3.W, v.B3.G, 0, 0)
	check("X", X, dX, 4, 1)
}

func TestPolicyGradientHelpers(t *testing.T) {
	z := []float64{0.2, -0.7, 1.1, 0.05}
	entropy := func(z []float64) float64 {
		h := 0.0
		for _, p := range utils.Softmax(z) {
			h -= p * math.Log(p)
		}
		return h
	}
	p := utils.Softmax(z)
	dH := EntropyGrad(p, entropy(z))
	dLogp := LogProbGrad(p, 2)

	eps := 1e-6
	for j := range z {
		zp := append([]float64(nil), z...)
		zm := append([]float64(nil), z...)
		zp[j] += eps
		zm[j] -= eps
		numH := (entropy(zp) - entropy(zm)) / (2 * eps)
		numLp := (utils.LogSoftmax(zp)[2] - utils.LogSoftmax(zm)[2]) / (2 * eps)
		if math.Abs(numH-dH[j]) > 1e-6 {
			t.Fatalf("dH/dz[%d]: num=%g ana=%g", j, numH, dH[j])
		}
		if math.Abs(numLp-dLogp[j]) > 1e-6 {
			t.Fatalf("dlogp/dz[%d]: num=%g ana=%g", j, numLp, dLogp[j])
		}
	}
}

func TestReferenceMatchesAgentAtFreeze(t *testing.T) {
	a := newTestAgent(t, 4)
	ref := a.Freeze()
	b := model.Batch{InputIDs: [][]int{{1, 2, 3}, {4, 5, 6}}}
	res, err := a.Forward(b, rand.NewPCG(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	logps, err := ref.LogProbs(b, res.Action)
	if err != nil {
		t.Fatal(err)
	}
	for i := range logps {
		if math.Abs(logps[i]-res.LogProb[i]) > 1e-9 {
			t.Fatalf("row %d: reference %g, agent %g", i, logps[i], res.LogProb[i])
		}
	}
	if _, err := ref.LogProbs(b, []int{0}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("action count mismatch: %v", err)
	}
	if _, err := ref.LogProbs(b, []int{0, 99}); !errors.Is(err, model.ErrVocabMismatch) {
		t.Fatalf("action outside vocab: %v", err)
	}
}

func TestBackwardAndUpdateTouchOnlyTheAgent(t *testing.T) {
	a := newTestAgent(t, 5)
	ref := a.Freeze()
	b := model.Batch{InputIDs: [][]int{{1, 2, 3}}}
	res, err := a.Forward(b, rand.NewPCG(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	refBefore, _ := ref.Policy.Forward(b)
	w3 := mat.DenseCopyOf(a.Value.W3.W)

	dz := mat.NewDense(testCfg.VocabSize, 1, nil)
	dz.Set(res.Action[0], 0, -1)
	if err := a.Backward(b, res, []*mat.Dense{dz}, []float64{0.5}); err != nil {
		t.Fatal(err)
	}
	a.Update(params.Config)

	if mat.Equal(w3, a.Value.W3.W) {
		t.Fatal("value head not updated")
	}
	refAfter, _ := ref.Policy.Forward(b)
	if !mat.Equal(refBefore.Logits[0], refAfter.Logits[0]) {
		t.Fatal("reference changed after an agent update")
	}
	if err := a.Backward(b, res, nil, []float64{0.5}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("missing logit grads: %v", err)
	}
}

func TestValueHeadSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	v := NewValueHead(testCfg.DModel, params.Config, rng)
	path := filepath.Join(t.TempDir(), "value_head.gob")
	if err := SaveValueHead(v, path); err != nil {
		t.Fatal(err)
	}
	w := NewValueHead(testCfg.DModel, params.Config, rng)
	if err := LoadValueHead(w, path); err != nil {
		t.Fatal(err)
	}
	X := mat.NewDense(testCfg.DModel, 2, utils.RandomArray(2*testCfg.DModel, 1, rng))
	if !mat.EqualApprox(v.Forward(X), w.Forward(X), 1e-12) {
		t.Fatal("loaded head disagrees with the saved one")
	}
	wrong := NewValueHead(testCfg.DModel+1, params.Config, rng)
	if err := LoadValueHead(wrong, path); err == nil {
		t.Fatal("expected a shape error")
	}
}

func TestObjective(t *testing.T) {
	a := newTestAgent(t, 7)
	ref := a.Freeze()
	b := model.Batch{InputIDs: [][]int{{1, 2, 3}, {4, 5, 6}}}
	rewards := rewardFunc(func(b model.Batch) ([]float64, error) {
		return []float64{0.2, 0.6}, nil
	})

	// identical model and reference: the divergence term vanishes
	obj := &Objective{Model: a.Policy, Reference: ref.Policy, Reward: rewards, Beta: 1}
	got, err := obj.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("objective = %g, want 0.4", got)
	}

	// coherence term equals the mean log-probability
	obj.Beta, obj.Gamma = 0, 0.5
	raw, err := obj.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	obj.LogSpace = true
	logSpace, err := obj.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(raw-logSpace) > 1e-9 {
		t.Fatalf("raw %g vs log-space %g", raw, logSpace)
	}
	if raw >= 0.4 {
		t.Fatalf("coherence term should be negative, objective %g", raw)
	}

	if _, err := obj.Value(model.Batch{}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("empty batch: %v", err)
	}
	obj.Reward = rewardFunc(func(model.Batch) ([]float64, error) { return []float64{1}, nil })
	if _, err := obj.Value(b); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("reward count mismatch: %v", err)
	}
}

func TestObjectiveDivergenceTerm(t *testing.T) {
	p := &fixedModel{dModel: 3, last: [][]float64{{1.0, -0.5, 0.2}, {0.0, 0.7, -1.2}}}
	q := &fixedModel{dModel: 3, last: [][]float64{{0.1, 0.4, -0.3}, {0.9, -0.2, 0.5}}}
	b := model.Batch{InputIDs: [][]int{{1, 2, 0}, {2, 1, 1}}}
	rewards := []float64{0.3, -0.1}

	logSoftmax := func(z []float64) []float64 {
		s := 0.0
		for _, v := range z {
			s += math.Exp(v)
		}
		out := make([]float64, len(z))
		for i, v := range z {
			out[i] = v - math.Log(s)
		}
		return out
	}
	// logits repeat at every position, so the grid mean is the mean over rows
	// and vocabulary entries
	var div, coh float64
	for i := range p.last {
		lp, lq := logSoftmax(p.last[i]), logSoftmax(q.last[i])
		for v := range lp {
			div += lp[v] - lq[v]
			coh += lp[v]
		}
	}
	cells := float64(len(p.last) * len(p.last[0]))
	beta, gamma := 0.7, 0.25
	want := (rewards[0]+rewards[1])/2 - beta*div/cells + gamma*coh/cells

	obj := &Objective{
		Model: p, Reference: q, Beta: beta, Gamma: gamma,
		Reward: rewardFunc(func(model.Batch) ([]float64, error) { return rewards, nil }),
	}
	raw, err := obj.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(raw-want) > 1e-9 {
		t.Fatalf("objective = %.10g, want %.10g", raw, want)
	}
	obj.LogSpace = true
	logSpace, err := obj.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(logSpace-want) > 1e-9 {
		t.Fatalf("log-space objective = %.10g, want %.10g", logSpace, want)
	}

	// swapping model and reference flips the sign of the divergence term
	swapped := &Objective{Model: q, Reference: p, Beta: beta, Reward: obj.Reward}
	got, err := swapped.Value(b)
	if err != nil {
		t.Fatal(err)
	}
	if w := (rewards[0]+rewards[1])/2 + beta*div/cells; math.Abs(got-w) > 1e-9 {
		t.Fatalf("swapped objective = %.10g, want %.10g", got, w)
	}
}

func TestObjectiveWithPrecomputedRewards(t *testing.T) {
	p := &fixedModel{dModel: 2, last: [][]float64{{0.2, -0.1}}}
	calls := 0
	obj := &Objective{Model: p, Reference: p, Reward: rewardFunc(func(model.Batch) ([]float64, error) {
		calls++
		return []float64{1}, nil
	})}
	b := model.Batch{InputIDs: [][]int{{1, 0}}}
	got, err := obj.ValueWithRewards(b, []float64{0.5})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 || math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("objective %g after %d reward calls", got, calls)
	}
	if _, err := obj.ValueWithRewards(b, []float64{1, 2}); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("reward count mismatch: %v", err)
	}
}
