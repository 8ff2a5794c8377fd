package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// RLHFConfig bundles everything the trainer and the optimizer step read.
type RLHFConfig struct {
	// PPO
	Epsilon float64 `json:"epsilon"`  // clip range for the importance ratio
	EntCoef float64 `json:"ent_coef"` // entropy bonus weight
	VfCoef  float64 `json:"vf_coef"`  // value loss weight
	Gamma   float64 `json:"gamma"`    // discount
	Lambda  float64 `json:"lambda"`   // GAE lambda (1.0 = return - value)

	// AgentObjective
	ObjectiveBeta  float64 `json:"objective_beta"`  // divergence penalty
	ObjectiveGamma float64 `json:"objective_gamma"` // coherence weight
	ObjectiveLog   bool    `json:"objective_log"`   // log-softmax differences instead of raw ratios

	// Optimizer (consumed by Agent.Update, never by the loss)
	LearningRate float64 `json:"learning_rate"`
	ValueLR      float64 `json:"value_lr"` // 0 = use LearningRate
	AdamBeta1    float64 `json:"adam_beta1"`
	AdamBeta2    float64 `json:"adam_beta2"`
	AdamEps      float64 `json:"adam_eps"`
	WeightDecay  float64 `json:"weight_decay"` // AdamW-style; 0 disables
	GradClip     float64 `json:"grad_clip"`    // <=0 disables

	// Rollouts
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopK         int     `json:"top_k"`
	TopP         float64 `json:"top_p"`
	BatchSize    int     `json:"batch_size"`
	Steps        int     `json:"steps"`

	Debug      bool `json:"debug"`       // periodic debug logs
	DebugEvery int  `json:"debug_every"` // print every N optimizer steps
}

// ModelConfig sizes the reference transformer shipped with the CLI.
type ModelConfig struct {
	DModel     int `json:"d_model"`
	HiddenSize int `json:"hidden_size"`
	NumHeads   int `json:"num_heads"`
	Layers     int `json:"layers"`
	VocabSize  int `json:"vocab_size"`
	SeqLen     int `json:"seq_len"` // max context; generation keeps the last SeqLen tokens
}

var Config = RLHFConfig{
	Epsilon: 0.1,
	EntCoef: 0.01,
	VfCoef:  0.1,
	Gamma:   0.99,
	Lambda:  1.0,

	ObjectiveBeta:  0.02,
	ObjectiveGamma: 0.01,

	LearningRate: 1e-4,
	AdamBeta1:    0.9,
	AdamBeta2:    0.999,
	AdamEps:      1e-8,
	WeightDecay:  0.0,
	GradClip:     1.0,

	MaxNewTokens: 16,
	Temperature:  1.0,
	TopK:         0,
	TopP:         1.0,
	BatchSize:    2,
	Steps:        10,

	Debug:      false,
	DebugEvery: 10,
}

var Model = ModelConfig{
	DModel:     32,
	HiddenSize: 64,
	NumHeads:   4,
	Layers:     2,
	VocabSize:  128,
	SeqLen:     64,
}

// Validate rejects configurations the trainer cannot run with.
func (c RLHFConfig) Validate() error {
	switch {
	case c.Epsilon <= 0 || c.Epsilon >= 1:
		return fmt.Errorf("params: epsilon must be in (0,1), got %g", c.Epsilon)
	case c.EntCoef < 0:
		return fmt.Errorf("params: ent_coef must be >= 0, got %g", c.EntCoef)
	case c.VfCoef < 0:
		return fmt.Errorf("params: vf_coef must be >= 0, got %g", c.VfCoef)
	case c.Gamma < 0 || c.Gamma > 1:
		return fmt.Errorf("params: gamma must be in [0,1], got %g", c.Gamma)
	case c.Lambda < 0 || c.Lambda > 1:
		return fmt.Errorf("params: lambda must be in [0,1], got %g", c.Lambda)
	case c.LearningRate < 0:
		return fmt.Errorf("params: learning_rate must be >= 0, got %g", c.LearningRate)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return fmt.Errorf("params: adam betas must be in [0,1), got %g/%g", c.AdamBeta1, c.AdamBeta2)
	}
	return nil
}

// ValueLearningRate falls back to LearningRate when no value-head rate is set.
func (c RLHFConfig) ValueLearningRate() float64 {
	if c.ValueLR > 0 {
		return c.ValueLR
	}
	return c.LearningRate
}

// LoadJSON overlays the fields present in the JSON file at path onto dst.
// Fields absent from the file keep whatever dst already holds.
func LoadJSON(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("params: decode %s: %w", path, err)
	}
	return nil
}
