package utils

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix helpers. Activations are column-major: (features x positions).

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Mul(m, n)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func Scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

// AddBias broadcasts an (r x 1) bias over every column of m.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if rb, cb := bias.Dims(); rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		b := bias.At(i, 0)
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)+b)
		}
	}
	return out
}

// RowSums sums each row into an (r x 1) column; used for bias grads.
func RowSums(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, floats.Sum(m.RawRowView(i)))
	}
	return out
}

func LastCol(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(0, r, c-1, c))
}

// ExpandGradToSeq lifts a last-position gradient (r x 1) to (r x T),
// zero everywhere except column T-1.
func ExpandGradToSeq(grad *mat.Dense, T int) *mat.Dense {
	gr, gc := grad.Dims()
	if gc == T {
		return grad
	}
	if gc != 1 {
		panic("expandGradToSeq: grad must have 1 or T columns")
	}
	full := mat.NewDense(gr, T, nil)
	for i := 0; i < gr; i++ {
		full.Set(i, T-1, grad.At(i, 0))
	}
	return full
}

// RandomArray draws uniform values in ±1/sqrt(fanIn).
func RandomArray(size int, fanIn float64, rng *rand.Rand) []float64 {
	lim := 1.0 / math.Sqrt(fanIn+1e-12)
	out := make([]float64, size)
	for i := range out {
		out[i] = -lim + 2*lim*rng.Float64()
	}
	return out
}

// ---------- activations ----------

func ReLU(_, _ int, v float64) float64 { return math.Max(0, v) }

func ReLUPrime(pre *mat.Dense) *mat.Dense {
	return Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	}, pre)
}

func Tanh(_, _ int, v float64) float64 { return math.Tanh(v) }

// GELU (tanh approximation, GPT-style).
func GeluApply(_, _ int, x float64) float64 {
	const k = 0.7978845608028654 // sqrt(2/pi)
	t := k * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

func GeluPrime(m mat.Matrix) *mat.Dense {
	const k = 0.7978845608028654
	return Apply(func(_, _ int, x float64) float64 {
		t := k * (x + 0.044715*x*x*x)
		th := math.Tanh(t)
		dt := k * (1.0 + 3.0*0.044715*x*x)
		return 0.5*(1.0+th) + 0.5*x*(1-th*th)*dt
	}, m)
}

// ---------- softmax ----------

// Softmax returns exp(x - logsumexp(x)).
func Softmax(x []float64) []float64 {
	lse := floats.LogSumExp(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Exp(v - lse)
	}
	return out
}

func LogSoftmax(x []float64) []float64 {
	lse := floats.LogSumExp(x)
	out := make([]float64, len(x))
	copy(out, x)
	floats.AddConst(-lse, out)
	return out
}

// Col copies column j of m.
func Col(m mat.Matrix, j int) []float64 {
	r, _ := m.Dims()
	return mat.Col(make([]float64, r), j, m)
}

// RowSoftmaxMaskedInPlace writes softmax(m+mask) row by row into dst.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j) + mask.At(i, j)
		}
		dst.SetRow(i, Softmax(row))
	}
	return dst
}

// SoftmaxBackward for row-wise softmax:
// dS[i,j] = A[i,j] * (dA[i,j] - sum_k dA[i,k]*A[i,k]).
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- sampling ----------

// SampleFromProbs draws an index after optional top-k and nucleus filtering.
// topK <= 0 and topP outside (0,1) disable the respective filter.
func SampleFromProbs(probs []float64, topK int, topP float64, rng *rand.Rand) int {
	type kv struct {
		id  int
		val float64
	}
	arr := make([]kv, len(probs))
	for i, p := range probs {
		arr[i] = kv{id: i, val: p}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].val > arr[j].val })

	if topK > 0 && topK < len(arr) {
		arr = arr[:topK]
	}
	if topP > 0 && topP < 1 {
		sum := 0.0
		for _, e := range arr {
			sum += e.val
		}
		cum := 0.0
		for i, e := range arr {
			cum += e.val / sum
			if cum >= topP {
				arr = arr[:i+1]
				break
			}
		}
	}

	sum := 0.0
	for _, e := range arr {
		sum += e.val
	}
	u := rng.Float64() * sum
	cum := 0.0
	for _, e := range arr {
		cum += e.val
		if u < cum {
			return e.id
		}
	}
	return arr[len(arr)-1].id
}

// Argmax returns the first index of the largest value.
func Argmax(x []float64) int {
	return floats.MaxIdx(x)
}

// AllFinite reports whether every value is neither NaN nor ±Inf.
func AllFinite(xs ...float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
