package transformer

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"

	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/optimizations"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/utils"
	"gonum.org/v1/gonum/mat"
)

// Transformer is a small causal LM with tied input/output embeddings.
// It implements model.TrainableModel.
type Transformer struct {
	Cfg    params.ModelConfig
	EOS    int
	Pad    int
	Emb    *optimizations.Param // (dModel x |V|), also the unembedding
	PosEmb *optimizations.Param // (dModel x SeqLen)
	Blocks []TransformerBlock

	GradClip float64
	Debug    bool
	opt      *optimizations.Adam
}

type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

// residual branch scale
var resScale = 1 / math.Sqrt(2)

// New builds a randomly initialised transformer. eos/pad are token ids inside
// the vocabulary; train supplies the optimizer settings used by Update.
func New(cfg params.ModelConfig, eos, pad int, train params.RLHFConfig, rng *rand.Rand) (*Transformer, error) {
	if cfg.DModel <= 0 || cfg.VocabSize <= 0 || cfg.SeqLen <= 0 || cfg.Layers < 0 {
		return nil, fmt.Errorf("transformer: invalid config %+v", cfg)
	}
	if eos < 0 || eos >= cfg.VocabSize || pad < 0 || pad >= cfg.VocabSize {
		return nil, fmt.Errorf("%w: eos=%d pad=%d outside vocab %d", model.ErrVocabMismatch, eos, pad, cfg.VocabSize)
	}
	cfg.NumHeads = chooseValidHeads(cfg.DModel, cfg.NumHeads)

	gpt := &Transformer{
		Cfg:      cfg,
		EOS:      eos,
		Pad:      pad,
		Emb:      optimizations.NewParam(mat.NewDense(cfg.DModel, cfg.VocabSize, utils.RandomArray(cfg.DModel*cfg.VocabSize, float64(cfg.DModel), rng)), false),
		PosEmb:   optimizations.NewParam(mat.NewDense(cfg.DModel, cfg.SeqLen, utils.RandomArray(cfg.DModel*cfg.SeqLen, float64(cfg.DModel), rng)), false),
		Blocks:   make([]TransformerBlock, cfg.Layers),
		GradClip: train.GradClip,
		Debug:    train.Debug,
		opt:      optimizations.NewAdam(train),
	}
	for i := range cfg.Layers {
		gpt.Blocks[i] = TransformerBlock{
			Attn: NewAttention(cfg.DModel, cfg.NumHeads, rng),
			Mlp:  NewMLP(cfg.DModel, cfg.HiddenSize, rng),
			Ln1:  optimizations.NewLayerNorm(cfg.DModel, 1e-5),
			Ln2:  optimizations.NewLayerNorm(cfg.DModel, 1e-5),
		}
	}
	return gpt, nil
}

func chooseValidHeads(dModel, preferred int) int {
	if preferred <= 0 {
		return 1
	}
	for h := min(preferred, dModel); h >= 1; h-- {
		if dModel%h == 0 {
			if h != preferred {
				log.Printf("transformer: using %d heads instead of %d", h, preferred)
			}
			return h
		}
	}
	return 1
}

func (b *TransformerBlock) Forward(X, mask *mat.Dense) *mat.Dense {
	attnOut := b.Attn.Forward(b.Ln1.Forward(X), mask)
	xRes := utils.Add(X, utils.Scale(resScale, attnOut))
	mlpOut := b.Mlp.Forward(b.Ln2.Forward(xRes))
	return utils.Add(xRes, utils.Scale(resScale, mlpOut))
}

// Backward mirrors Forward:
// Y = xRes + c*MLP(Ln2(xRes)); xRes = X + c*Attn(Ln1(X)).
func (b *TransformerBlock) Backward(dY *mat.Dense) *mat.Dense {
	dX2 := b.Mlp.Backward(utils.Scale(resScale, dY))
	dXres := utils.Add(dY, b.Ln2.Backward(dX2))
	dX1 := b.Attn.Backward(utils.Scale(resScale, dXres))
	return utils.Add(dXres, b.Ln1.Backward(dX1))
}

func (b *TransformerBlock) Params() []*optimizations.Param {
	ps := b.Ln1.Params()
	ps = append(ps, b.Attn.Params()...)
	ps = append(ps, b.Ln2.Params()...)
	return append(ps, b.Mlp.Params()...)
}

// Config implements model.Model.
func (gpt *Transformer) Config() model.Config {
	return model.Config{
		EmbeddingDim: gpt.Cfg.DModel,
		VocabSize:    gpt.Cfg.VocabSize,
		EOSTokenID:   gpt.EOS,
		PadTokenID:   gpt.Pad,
	}
}

// Params lists every trainable tensor in a fixed order (checkpoints rely on it).
func (gpt *Transformer) Params() []*optimizations.Param {
	ps := []*optimizations.Param{gpt.Emb, gpt.PosEmb}
	for i := range gpt.Blocks {
		ps = append(ps, gpt.Blocks[i].Params()...)
	}
	return ps
}

// embed builds X = Emb[:, ids] + Pos[:, 0:T].
func (gpt *Transformer) embed(ids []int) (*mat.Dense, error) {
	T := len(ids)
	if T == 0 {
		return nil, model.ErrEmptySequence
	}
	if T > gpt.Cfg.SeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds context %d", model.ErrShapeMismatch, T, gpt.Cfg.SeqLen)
	}
	X := mat.NewDense(gpt.Cfg.DModel, T, nil)
	for t, id := range ids {
		if id < 0 || id >= gpt.Cfg.VocabSize {
			return nil, fmt.Errorf("%w: token %d at position %d", model.ErrVocabMismatch, id, t)
		}
		for i := 0; i < gpt.Cfg.DModel; i++ {
			X.Set(i, t, gpt.Emb.W.At(i, id)+gpt.PosEmb.W.At(i, t))
		}
	}
	return X, nil
}

// forwardSeq runs one sequence and leaves the per-module caches primed for
// backwardSeq. Returns the final hidden states (dModel x T).
func (gpt *Transformer) forwardSeq(ids, valid []int) (*mat.Dense, error) {
	Y, err := gpt.embed(ids)
	if err != nil {
		return nil, err
	}
	mask := attentionMask(valid)
	for i := range gpt.Blocks {
		Y = gpt.Blocks[i].Forward(Y, mask)
	}
	return Y, nil
}

// Forward implements model.Model.
func (gpt *Transformer) Forward(b model.Batch) (*model.Output, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := &model.Output{
		Logits: make([]*mat.Dense, b.Size()),
		Hidden: make([]*mat.Dense, b.Size()),
	}
	for i := range b.InputIDs {
		ids, valid := b.Row(i)
		Y, err := gpt.forwardSeq(ids, valid)
		if err != nil {
			return nil, fmt.Errorf("transformer: row %d: %w", i, err)
		}
		out.Hidden[i] = Y
		out.Logits[i] = utils.Dot(gpt.Emb.W.T(), Y) // (|V| x T)
	}
	return out, nil
}

// Backward implements model.TrainableModel.
func (gpt *Transformer) Backward(b model.Batch, dLogits, dHidden []*mat.Dense) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if len(dLogits) != b.Size() || len(dHidden) != b.Size() {
		return fmt.Errorf("%w: %d/%d grads for %d sequences", model.ErrShapeMismatch, len(dLogits), len(dHidden), b.Size())
	}
	for i := range b.InputIDs {
		ids, valid := b.Row(i)
		Y, err := gpt.forwardSeq(ids, valid)
		if err != nil {
			return fmt.Errorf("transformer: row %d: %w", i, err)
		}
		gpt.backwardSeq(ids, Y, dLogits[i], dHidden[i])
	}
	return nil
}

// backwardSeq: logits_last = Emb^T y_last, so
// dy_last = Emb*dLogits + dHidden and dEmb += y_last*dLogits^T.
func (gpt *Transformer) backwardSeq(ids []int, Y, dLogits, dHidden *mat.Dense) {
	_, T := Y.Dims()
	yLast := utils.LastCol(Y)

	dyLast := mat.NewDense(gpt.Cfg.DModel, 1, nil)
	if dLogits != nil {
		gpt.Emb.Accumulate(utils.Dot(yLast, dLogits.T()))
		dyLast.Add(dyLast, utils.Dot(gpt.Emb.W, dLogits))
	}
	if dHidden != nil {
		dyLast.Add(dyLast, dHidden)
	}

	dY := utils.ExpandGradToSeq(dyLast, T)
	for i := len(gpt.Blocks) - 1; i >= 0; i-- {
		dY = gpt.Blocks[i].Backward(dY)
	}

	dEmbIn := mat.NewDense(gpt.Cfg.DModel, gpt.Cfg.VocabSize, nil)
	dPos := mat.NewDense(gpt.Cfg.DModel, gpt.Cfg.SeqLen, nil)
	for t, id := range ids {
		for i := 0; i < gpt.Cfg.DModel; i++ {
			g := dY.At(i, t)
			dEmbIn.Set(i, id, dEmbIn.At(i, id)+g)
			dPos.Set(i, t, g)
		}
	}
	gpt.Emb.Accumulate(dEmbIn)
	gpt.PosEmb.Accumulate(dPos)
}

// Update implements model.TrainableModel.
func (gpt *Transformer) Update(lr float64) {
	ps := gpt.Params()
	if s := optimizations.ClipGrads(gpt.GradClip, ps...); s < 1.0 && gpt.Debug {
		utils.Debugf("transformer: clipped grads by %.4f at step %d", s, gpt.opt.T+1)
	}
	gpt.opt.Step(lr, ps...)
}

// ZeroGrad drops accumulated gradients without stepping.
func (gpt *Transformer) ZeroGrad() {
	for _, p := range gpt.Params() {
		p.ZeroGrad()
	}
}

// Generate implements model.FrozenModel: autoregressive decoding over the
// last SeqLen tokens. Returned rows are prompt + continuation; rows that hit
// EOS early are right-filled with Pad so every row has the same length.
func (gpt *Transformer) Generate(b model.Batch, opts model.GenerateOptions) ([][]int, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	src := opts.Source
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	rng := rand.New(src)
	temp := opts.Temperature
	if temp <= 0 {
		temp = 1
	}

	out := make([][]int, b.Size())
	for i := range b.InputIDs {
		ids, valid := b.Row(i)
		seq := append([]int(nil), ids...)
		mask := append([]int(nil), valid...)
		done := false
		for step := 0; step < opts.MaxNewTokens; step++ {
			if done {
				seq = append(seq, gpt.Pad)
				continue
			}
			start := max(0, len(seq)-gpt.Cfg.SeqLen)
			Y, err := gpt.forwardSeq(seq[start:], mask[start:])
			if err != nil {
				return nil, fmt.Errorf("transformer: generate row %d: %w", i, err)
			}
			logits := utils.Col(utils.Dot(gpt.Emb.W.T(), utils.LastCol(Y)), 0)
			for j := range logits {
				logits[j] /= temp
			}
			var next int
			if opts.DoSample {
				next = utils.SampleFromProbs(utils.Softmax(logits), opts.TopK, opts.TopP, rng)
			} else {
				next = utils.Argmax(logits)
			}
			seq = append(seq, next)
			mask = append(mask, 1)
			done = opts.EOSTokenID >= 0 && next == opts.EOSTokenID
		}
		out[i] = seq
	}
	return out, nil
}
