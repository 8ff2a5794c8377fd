package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/Big-jpg/instructGOOSE/IO"
	"github.com/Big-jpg/instructGOOSE/agent"
	"github.com/Big-jpg/instructGOOSE/model"
	"github.com/Big-jpg/instructGOOSE/params"
	"github.com/Big-jpg/instructGOOSE/reward"
	"github.com/Big-jpg/instructGOOSE/transformer"
	"github.com/Big-jpg/instructGOOSE/trainer"
)

var (
	configPath      string
	modelConfigPath string
	promptsPath     string
	tokenizerPath   string
	vocabOut        string
	loadDir         string
	saveDir         string
	rewardKind      string
	rewardHeadPath  string
	logPath         string
	steps           int
	batchSize       int
	seed            uint64
	debugFlag       bool
	showSamples     bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "JSON file overriding the RLHF defaults")
	flag.StringVar(&modelConfigPath, "model-config", "", "JSON file overriding the model size")
	flag.StringVar(&promptsPath, "prompts", "", "prompt file, one per line or .jsonl with a \"prompt\" field")
	flag.StringVar(&tokenizerPath, "tokenizer", "", "tokenizer.json for BPE; empty builds an ASCII vocab from the prompts")
	flag.StringVar(&vocabOut, "vocab-out", "", "write the vocabulary as JSON here")
	flag.StringVar(&loadDir, "load", "", "directory holding policy.gob and value_head.gob to resume from")
	flag.StringVar(&saveDir, "save", "checkpoints", "directory for checkpoints; empty disables saving")
	flag.StringVar(&rewardKind, "reward", "length", "reward model: length or head")
	flag.StringVar(&rewardHeadPath, "reward-head", "", "gob weights for -reward=head")
	flag.StringVar(&logPath, "log", "rlhf_log.csv", "CSV training log; empty disables it")
	flag.IntVar(&steps, "steps", 0, "optimizer steps (0 = config value)")
	flag.IntVar(&batchSize, "batch", 0, "prompts per step (0 = config value)")
	flag.Uint64Var(&seed, "seed", 0, "random seed (0 = time based)")
	flag.BoolVar(&debugFlag, "debug", false, "periodic debug logs")
	flag.BoolVar(&showSamples, "samples", false, "print the first decoded response of every step")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, mcfg := params.Config, params.Model
	if configPath != "" {
		if err := params.LoadJSON(configPath, &cfg); err != nil {
			return err
		}
	}
	if modelConfigPath != "" {
		if err := params.LoadJSON(modelConfigPath, &mcfg); err != nil {
			return err
		}
	}
	if steps > 0 {
		cfg.Steps = steps
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}
	cfg.Debug = cfg.Debug || debugFlag
	if err := cfg.Validate(); err != nil {
		return err
	}
	if promptsPath == "" {
		return errors.New("no -prompts file given")
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	ds, err := IO.LoadPrompts(promptsPath)
	if err != nil {
		return err
	}
	if len(ds.Prompts) == 0 {
		return fmt.Errorf("%s holds no prompts", promptsPath)
	}
	tok, err := loadTokenizer(ds, mcfg.VocabSize)
	if err != nil {
		return err
	}
	mcfg.VocabSize = tok.VocabSize()

	// prompt + continuation must fit the context window
	maxPrompt := mcfg.SeqLen - cfg.MaxNewTokens
	if maxPrompt < 1 {
		return fmt.Errorf("seq_len %d leaves no room for prompts with max_new_tokens %d", mcfg.SeqLen, cfg.MaxNewTokens)
	}
	seqs, err := ds.Encode(tok, maxPrompt)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d prompts, vocab %d, context %d.\n", len(seqs), mcfg.VocabSize, mcfg.SeqLen)

	policy, value, err := buildAgent(mcfg, cfg, tok, rng)
	if err != nil {
		return err
	}
	ag := &agent.Agent{Policy: policy, Value: value, EOSTokenID: tok.EOSID()}
	ref := ag.Freeze()

	rm, err := buildReward(ref.Policy, cfg, rng)
	if err != nil {
		return err
	}
	tr, err := trainer.New(ag, ref, cfg, rand.NewPCG(rng.Uint64(), rng.Uint64()))
	if err != nil {
		return err
	}
	tr.RewardModel = rm

	if err := train(tr, seqs, tok, rng); err != nil {
		return err
	}

	if saveDir != "" {
		if err := transformer.Save(policy, filepath.Join(saveDir, "policy.gob")); err != nil {
			return fmt.Errorf("saving policy: %w", err)
		}
		if err := agent.SaveValueHead(value, filepath.Join(saveDir, "value_head.gob")); err != nil {
			return fmt.Errorf("saving value head: %w", err)
		}
		fmt.Println("Saved checkpoints to", saveDir)
	}
	return nil
}

func loadTokenizer(ds *IO.PromptDataset, vocabSize int) (IO.Tokenizer, error) {
	if tokenizerPath != "" {
		t, err := IO.LoadBPE(tokenizerPath)
		if err != nil {
			return nil, err
		}
		if vocabOut != "" {
			if err := IO.ExportVocabJSON(vocabOut, t.Vocabulary()); err != nil {
				return nil, err
			}
		}
		return t, nil
	}
	if loadDir != "" {
		if v, err := IO.LoadVocabJSON(filepath.Join(loadDir, "vocab.json")); err == nil {
			return IO.NewASCIITokenizerFromVocab(v)
		}
	}
	t, err := IO.BuildASCIITokenizer(ds.Prompts, vocabSize)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{vocabOut, checkpointVocab(saveDir)} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := IO.ExportVocabJSON(p, t.Vocab); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func checkpointVocab(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "vocab.json")
}

func buildAgent(mcfg params.ModelConfig, cfg params.RLHFConfig, tok IO.Tokenizer, rng *rand.Rand) (*transformer.Transformer, *agent.ValueHead, error) {
	if loadDir == "" {
		policy, err := transformer.New(mcfg, tok.EOSID(), tok.PadID(), cfg, rng)
		if err != nil {
			return nil, nil, err
		}
		return policy, agent.NewValueHead(mcfg.DModel, cfg, rng), nil
	}
	policy, err := transformer.Load(filepath.Join(loadDir, "policy.gob"), cfg)
	if err != nil {
		return nil, nil, err
	}
	if policy.Cfg.VocabSize != tok.VocabSize() {
		return nil, nil, fmt.Errorf("%w: checkpoint vocab %d, tokenizer %d", model.ErrVocabMismatch, policy.Cfg.VocabSize, tok.VocabSize())
	}
	value := agent.NewValueHead(policy.Cfg.DModel, cfg, rng)
	if err := agent.LoadValueHead(value, filepath.Join(loadDir, "value_head.gob")); err != nil {
		return nil, nil, err
	}
	fmt.Println("Resumed from", loadDir)
	return policy, value, nil
}

func buildReward(backbone model.Model, cfg params.RLHFConfig, rng *rand.Rand) (model.RewardModel, error) {
	switch rewardKind {
	case "length":
		return reward.Length, nil
	case "head":
		if rewardHeadPath == "" {
			return nil, errors.New("-reward=head needs -reward-head")
		}
		head := agent.NewValueHead(backbone.Config().EmbeddingDim, cfg, rng)
		if err := agent.LoadValueHead(head, rewardHeadPath); err != nil {
			return nil, err
		}
		return &reward.HeadModel{Backbone: backbone, Head: head}, nil
	}
	return nil, fmt.Errorf("unknown reward model %q", rewardKind)
}
