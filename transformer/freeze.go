package transformer

import (
	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/optimizations"
)

// Frozen is a read-only transformer: it forwards and decodes but exposes no
// Backward or Update, so nothing can train it through the model interfaces.
type Frozen struct {
	gpt *Transformer
}

var (
	_ model.TrainableModel = (*Transformer)(nil)
	_ model.FrozenModel    = (*Frozen)(nil)
)

func (f *Frozen) Forward(b model.Batch) (*model.Output, error) { return f.gpt.Forward(b) }

func (f *Frozen) Config() model.Config { return f.gpt.Config() }

func (f *Frozen) Generate(b model.Batch, opts model.GenerateOptions) ([][]int, error) {
	return f.gpt.Generate(b, opts)
}

// Freeze implements model.TrainableModel. Weights are deep-copied, so later
// updates to gpt never leak into the frozen copy.
func (gpt *Transformer) Freeze() model.FrozenModel {
	return &Frozen{gpt: gpt.Clone()}
}

// Clone deep-copies the weights. Gradients, Adam moments and per-module
// caches start fresh.
func (gpt *Transformer) Clone() *Transformer {
	out := &Transformer{
		Cfg:      gpt.Cfg,
		EOS:      gpt.EOS,
		Pad:      gpt.Pad,
		Emb:      gpt.Emb.Clone(),
		PosEmb:   gpt.PosEmb.Clone(),
		Blocks:   make([]TransformerBlock, len(gpt.Blocks)),
		GradClip: gpt.GradClip,
		Debug:    gpt.Debug,
		opt:      &optimizations.Adam{Beta1: gpt.opt.Beta1, Beta2: gpt.opt.Beta2, Eps: gpt.opt.Eps, WeightDecay: gpt.opt.WeightDecay},
	}
	for i := range gpt.Blocks {
		src := &gpt.Blocks[i]
		out.Blocks[i] = TransformerBlock{
			Attn: src.Attn.Clone(),
			Mlp:  src.Mlp.Clone(),
			Ln1:  src.Ln1.Clone(),
			Ln2:  src.Ln2.Clone(),
		}
	}
	return out
}
