package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/Big-jpg/instructGOOSE/params"
	"gonum.org/v1/gonum/mat"
)

// Checkpoints are gob files holding the config, special tokens and every
// parameter in Params() order. Optimizer moments are not saved.

type paramData struct {
	R, C int
	Data []float64
}

type modelData struct {
	Cfg    params.ModelConfig
	EOS    int
	Pad    int
	Params []paramData
}

// Save persists the weights of gpt to filename, creating parent directories.
func Save(gpt *Transformer, filename string) error {
	data := modelData{Cfg: gpt.Cfg, EOS: gpt.EOS, Pad: gpt.Pad}
	for _, p := range gpt.Params() {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		data.Params = append(data.Params, paramData{R: r, C: c, Data: append([]float64(nil), raw.Data...)})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return err
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, buf.Bytes(), 0o644)
}

// Load restores a transformer saved by Save. train supplies optimizer settings.
func Load(filename string, train params.RLHFConfig) (*Transformer, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, fmt.Errorf("transformer: decode %s: %w", filename, err)
	}

	gpt, err := New(data.Cfg, data.EOS, data.Pad, train, rand.New(rand.NewPCG(0, 0)))
	if err != nil {
		return nil, err
	}
	ps := gpt.Params()
	if len(ps) != len(data.Params) {
		return nil, fmt.Errorf("transformer: param count mismatch (have %d, file %d)", len(ps), len(data.Params))
	}
	for i, p := range ps {
		pd := data.Params[i]
		if r, c := p.W.Dims(); r != pd.R || c != pd.C {
			return nil, fmt.Errorf("transformer: param %d shape mismatch (have %dx%d, file %dx%d)", i, r, c, pd.R, pd.C)
		}
		p.W = mat.NewDense(pd.R, pd.C, pd.Data)
	}
	return gpt, nil
}
