package agent

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/Big-jpg/instructGOOSE/optimizations"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
)

// ValueHidden is the width of both hidden layers of the value head.
const ValueHidden = 256

// ValueHead maps a hidden-state column to a scalar in (-1, 1):
// Linear(d,256) -> ReLU -> Linear(256,256) -> ReLU -> Linear(256,1) -> Tanh.
// It is applied per position, column by column.
type ValueHead struct {
	W1, B1 *optimizations.Param // (256 x d), (256 x 1)
	W2, B2 *optimizations.Param // (256 x 256), (256 x 1)
	W3, B3 *optimizations.Param // (1 x 256), (1 x 1)

	GradClip float64
	opt      *optimizations.Adam

	// cache for backprop
	x, pre1, h1, pre2, h2, out *mat.Dense
}

func NewValueHead(nEmbd int, train params.RLHFConfig, rng *rand.Rand) *ValueHead {
	return &ValueHead{
		W1:       optimizations.NewParam(mat.NewDense(ValueHidden, nEmbd, utils.RandomArray(ValueHidden*nEmbd, float64(nEmbd), rng)), true),
		B1:       optimizations.NewParam(mat.NewDense(ValueHidden, 1, utils.RandomArray(ValueHidden, float64(nEmbd), rng)), false),
		W2:       optimizations.NewParam(mat.NewDense(ValueHidden, ValueHidden, utils.RandomArray(ValueHidden*ValueHidden, ValueHidden, rng)), true),
		B2:       optimizations.NewParam(mat.NewDense(ValueHidden, 1, utils.RandomArray(ValueHidden, ValueHidden, rng)), false),
		W3:       optimizations.NewParam(mat.NewDense(1, ValueHidden, utils.RandomArray(ValueHidden, ValueHidden, rng)), true),
		B3:       optimizations.NewParam(mat.NewDense(1, 1, utils.RandomArray(1, ValueHidden, rng)), false),
		GradClip: train.GradClip,
		opt:      optimizations.NewAdam(train),
	}
}

// Forward maps X (d x T) to values (1 x T) and caches for Backward.
func (v *ValueHead) Forward(X *mat.Dense) *mat.Dense {
	v.x = X
	v.pre1 = utils.AddBias(utils.Dot(v.W1.W, X), v.B1.W)
	v.h1 = utils.Apply(utils.ReLU, v.pre1)
	v.pre2 = utils.AddBias(utils.Dot(v.W2.W, v.h1), v.B2.W)
	v.h2 = utils.Apply(utils.ReLU, v.pre2)
	v.out = utils.Apply(utils.Tanh, utils.AddBias(utils.Dot(v.W3.W, v.h2), v.B3.W))
	return v.out
}

// Backward takes dL/dvalue (1 x T), accumulates grads and returns dX (d x T).
func (v *ValueHead) Backward(dOut *mat.Dense) *mat.Dense {
	// tanh' = 1 - y^2
	dz3 := utils.Apply(func(i, j int, y float64) float64 { return dOut.At(i, j) * (1 - y*y) }, v.out)
	v.W3.Accumulate(utils.Dot(dz3, v.h2.T()))
	v.B3.Accumulate(utils.RowSums(dz3))

	dz2 := utils.Dot(v.W3.W.T(), dz3)
	dz2.MulElem(dz2, utils.ReLUPrime(v.pre2))
	v.W2.Accumulate(utils.Dot(dz2, v.h1.T()))
	v.B2.Accumulate(utils.RowSums(dz2))

	dz1 := utils.Dot(v.W2.W.T(), dz2)
	dz1.MulElem(dz1, utils.ReLUPrime(v.pre1))
	v.W1.Accumulate(utils.Dot(dz1, v.x.T()))
	v.B1.Accumulate(utils.RowSums(dz1))

	return utils.Dot(v.W1.W.T(), dz1)
}

func (v *ValueHead) Params() []*optimizations.Param {
	return []*optimizations.Param{v.W1, v.B1, v.W2, v.B2, v.W3, v.B3}
}

// Update applies one clipped AdamW step and clears gradients.
func (v *ValueHead) Update(lr float64) {
	ps := v.Params()
	optimizations.ClipGrads(v.GradClip, ps...)
	v.opt.Step(lr, ps...)
}

func (v *ValueHead) ZeroGrad() {
	for _, p := range v.Params() {
		p.ZeroGrad()
	}
}

func (v *ValueHead) Clone() *ValueHead {
	return &ValueHead{
		W1: v.W1.Clone(), B1: v.B1.Clone(),
		W2: v.W2.Clone(), B2: v.B2.Clone(),
		W3: v.W3.Clone(), B3: v.B3.Clone(),
		GradClip: v.GradClip,
		opt:      &optimizations.Adam{Beta1: v.opt.Beta1, Beta2: v.opt.Beta2, Eps: v.opt.Eps, WeightDecay: v.opt.WeightDecay},
	}
}

type headData struct {
	Shapes [][2]int
	Data   [][]float64
}

// SaveValueHead writes the head weights as gob.
func SaveValueHead(v *ValueHead, filename string) error {
	var hd headData
	for _, p := range v.Params() {
		r, c := p.W.Dims()
		hd.Shapes = append(hd.Shapes, [2]int{r, c})
		hd.Data = append(hd.Data, append([]float64(nil), mat.DenseCopyOf(p.W).RawMatrix().Data...))
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(hd); err != nil {
		return err
	}
	return os.WriteFile(filename, buf.Bytes(), 0o644)
}

// LoadValueHead overwrites v's weights from a file written by SaveValueHead.
func LoadValueHead(v *ValueHead, filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	var hd headData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&hd); err != nil {
		return fmt.Errorf("agent: decode %s: %w", filename, err)
	}
	ps := v.Params()
	if len(hd.Shapes) != len(ps) {
		return fmt.Errorf("agent: value head has %d params, file %d", len(ps), len(hd.Shapes))
	}
	for i, p := range ps {
		if r, c := p.W.Dims(); r != hd.Shapes[i][0] || c != hd.Shapes[i][1] {
			return fmt.Errorf("agent: value head param %d is %dx%d, file %dx%d", i, r, c, hd.Shapes[i][0], hd.Shapes[i][1])
		}
		p.W = mat.NewDense(hd.Shapes[i][0], hd.Shapes[i][1], hd.Data[i])
	}
	return nil
}
