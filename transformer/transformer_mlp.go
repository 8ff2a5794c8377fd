package transformer

import (
	"math/rand/v2"

	"github.com/Big-jpg/instructGOOSE/optimizations"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
)

type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(dModel, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: optimizations.NewParam(mat.NewDense(hidden, dModel, utils.RandomArray(dModel*hidden, float64(dModel), rng)), true),
		HiddenBias:    optimizations.NewParam(mat.NewDense(hidden, 1, nil), false),
		OutputWeights: optimizations.NewParam(mat.NewDense(dModel, hidden, utils.RandomArray(hidden*dModel, float64(hidden), rng)), true),
		OutputBias:    optimizations.NewParam(mat.NewDense(dModel, 1, nil), false),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	mlp.hiddenPreAct = utils.AddBias(utils.Dot(mlp.HiddenWeights.W, X), mlp.HiddenBias.W) // (h x T)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct)
	return utils.AddBias(utils.Dot(mlp.OutputWeights.W, mlp.hiddenOutputs), mlp.OutputBias.W) // (d x T)
}

// Backward accumulates weight and bias grads and returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	_, T := mlp.lastInput.Dims()
	grad = utils.ExpandGradToSeq(grad, T)

	mlp.OutputWeights.Accumulate(utils.Dot(grad, mlp.hiddenOutputs.T()))
	mlp.OutputBias.Accumulate(utils.RowSums(grad))

	hiddenErrors := utils.Dot(mlp.OutputWeights.W.T(), grad)
	hiddenErrors.MulElem(hiddenErrors, utils.GeluPrime(mlp.hiddenPreAct))

	mlp.HiddenWeights.Accumulate(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	mlp.HiddenBias.Accumulate(utils.RowSums(hiddenErrors))

	return utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors)
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}

func (mlp *MLP) Clone() *MLP {
	return &MLP{
		Inputs:        mlp.Inputs,
		Hiddens:       mlp.Hiddens,
		Outputs:       mlp.Outputs,
		HiddenWeights: mlp.HiddenWeights.Clone(),
		HiddenBias:    mlp.HiddenBias.Clone(),
		OutputWeights: mlp.OutputWeights.Clone(),
		OutputBias:    mlp.OutputBias.Clone(),
	}
}
