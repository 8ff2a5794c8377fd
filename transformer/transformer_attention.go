package transformer

import (
	"math"
	"math/rand/v2"

	"github.com/Big-jpg/instructGOOSE/optimizations"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
)

const negInf = -1e30

type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*optimizations.Param // per head (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)

	// cache for backprop
	x       *mat.Dense
	q, k, v []*mat.Dense
	a       []*mat.Dense
	oCat    *mat.Dense
}

func NewAttention(dModel, nHeads int, rng *rand.Rand) *Attention {
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng)), true)
		attn.Wkey[h] = optimizations.NewParam(mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng)), true)
		attn.Wvalue[h] = optimizations.NewParam(mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel), rng)), true)
	}
	attn.Woutput = optimizations.NewParam(mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel), rng)), true)
	return attn
}

// attentionMask returns (T x T): 0 where query i may read key j, -inf otherwise.
// Keys in the future or on padding are hidden; a position always sees itself
// so fully padded prefixes stay finite.
func attentionMask(valid []int) *mat.Dense {
	T := len(valid)
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := 0; j < T; j++ {
			if j > i || (j != i && valid[j] == 0) {
				out.Set(i, j, negInf)
			}
		}
	}
	return out
}

// Forward: X is (dModel x T), mask from attentionMask.
func (attn *Attention) Forward(X, mask *mat.Dense) *mat.Dense {
	attn.x = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	attn.q = make([]*mat.Dense, attn.H)
	attn.k = make([]*mat.Dense, attn.H)
	attn.v = make([]*mat.Dense, attn.H)
	attn.a = make([]*mat.Dense, attn.H)
	for h := 0; h < attn.H; h++ {
		q := utils.Dot(attn.Wquery[h].W, X)
		k := utils.Dot(attn.Wkey[h].W, X)
		v := utils.Dot(attn.Wvalue[h].W, X)
		// S = (Q^T K)/sqrt(dHead)
		scores := utils.Scale(rescale, utils.Dot(q.T(), k))
		a := utils.RowSoftmaxMaskedInPlace(mat.NewDense(T, T, nil), scores, mask)
		// O = V * A^T
		o := utils.Dot(v, a.T())
		base := h * attn.DHead
		headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Copy(o)
		attn.q[h], attn.k[h], attn.v[h], attn.a[h] = q, k, v, a
	}
	attn.oCat = headsCat
	return utils.Dot(attn.Woutput.W, headsCat)
}

// Backward accumulates weight grads and returns dX (dModel x T).
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.x.Dims()
	dY = utils.ExpandGradToSeq(dY, T)

	attn.Woutput.Accumulate(utils.Dot(dY, attn.oCat.T()))
	dOcat := utils.Dot(attn.Woutput.W.T(), dY)

	dX := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		dO := dOcat.Slice(base, base+attn.DHead, 0, T)

		dV := utils.Dot(dO, attn.a[h])         // (dHead x T)
		dA := utils.Dot(attn.v[h].T(), dO).T() // (T x T)
		dS := utils.SoftmaxBackward(dA, attn.a[h])

		dQ := utils.Scale(rescale, utils.Dot(attn.k[h], dS.T())) // (dHead x T)
		dK := utils.Scale(rescale, utils.Dot(attn.q[h], dS))     // (dHead x T)

		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.x.T()))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.x.T()))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.x.T()))

		dX.Add(dX, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dX.Add(dX, utils.Dot(attn.Wkey[h].W.T(), dK))
		dX.Add(dX, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dX
}

func (attn *Attention) Params() []*optimizations.Param {
	ps := make([]*optimizations.Param, 0, 3*attn.H+1)
	ps = append(ps, attn.Wquery...)
	ps = append(ps, attn.Wkey...)
	ps = append(ps, attn.Wvalue...)
	return append(ps, attn.Woutput)
}

func (attn *Attention) Clone() *Attention {
	c := &Attention{
		H:       attn.H,
		DModel:  attn.DModel,
		DHead:   attn.DHead,
		Wquery:  make([]*optimizations.Param, attn.H),
		Wkey:    make([]*optimizations.Param, attn.H),
		Wvalue:  make([]*optimizations.Param, attn.H),
		Woutput: attn.Woutput.Clone(),
	}
	for h := 0; h < attn.H; h++ {
		c.Wquery[h] = attn.Wquery[h].Clone()
		c.Wkey[h] = attn.Wkey[h].Clone()
		c.Wvalue[h] = attn.Wvalue[h].Clone()
	}
	return c
}
