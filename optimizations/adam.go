package optimizations

import (
	"math"

	"github.com/Big-jpg/instructGOOSE/params"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor with its gradient accumulator and Adam moments.
type Param struct {
	W, G, M, V *mat.Dense
	Decay      bool // AdamW weight decay applies (weights only, never biases or norms)
}

func NewParam(w *mat.Dense, decay bool) *Param {
	return &Param{W: w, G: zerosLike(w), M: zerosLike(w), V: zerosLike(w), Decay: decay}
}

// Accumulate adds g into the gradient buffer.
func (p *Param) Accumulate(g mat.Matrix) {
	p.G.Add(p.G, g)
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// Clone deep-copies the weight; gradient and moments start at zero.
func (p *Param) Clone() *Param {
	return NewParam(mat.DenseCopyOf(p.W), p.Decay)
}

// Adam holds the step counter and hyperparameters shared by a group of params.
type Adam struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64
	T                 int
}

func NewAdam(cfg params.RLHFConfig) *Adam {
	return &Adam{
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
	}
}

// Step applies one AdamW update with the accumulated gradients and clears them.
func (a *Adam) Step(lr float64, ps ...*Param) {
	a.T++
	for _, p := range ps {
		wd := 0.0
		if p.Decay {
			wd = a.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.G, p.M, p.V, a.T, lr, a.Beta1, a.Beta2, a.Eps, wd)
		p.ZeroGrad()
	}
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			update := (mij*c1)/(math.Sqrt(vij*c2)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// GradNorm is the global L2 norm over every accumulated gradient.
func GradNorm(ps ...*Param) float64 {
	sum := 0.0
	for _, p := range ps {
		n := floats.Norm(p.G.RawMatrix().Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, ps ...*Param) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	gn := GradNorm(ps...)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, p := range ps {
		p.G.Scale(s, p.G)
	}
	return s
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}
