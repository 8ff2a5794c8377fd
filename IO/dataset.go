package IO

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/Big-jpg/instructGOOSE/model"
)

// PromptDataset is a list of raw prompts.
type PromptDataset struct {
	Prompts []string
}

// LoadPrompts reads one prompt per non-empty line. Files ending in .jsonl are
// read as {"prompt": "..."} objects instead.
func LoadPrompts(path string) (*PromptDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return readJSONLPrompts(f)
	}
	return readLinePrompts(f)
}

func readLinePrompts(r io.Reader) (*PromptDataset, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	ds := &PromptDataset{}
	for {
		line, err := br.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			ds.Prompts = append(ds.Prompts, s)
		}
		if err == io.EOF {
			return ds, nil
		}
		if err != nil {
			return ds, err
		}
	}
}

func readJSONLPrompts(r io.Reader) (*PromptDataset, error) {
	dec := json.NewDecoder(r)
	ds := &PromptDataset{}
	for n := 1; ; n++ {
		var rec struct {
			Prompt string `json:"prompt"`
		}
		if err := dec.Decode(&rec); err == io.EOF {
			return ds, nil
		} else if err != nil {
			return nil, fmt.Errorf("IO: prompt record %d: %w", n, err)
		}
		if s := strings.TrimSpace(rec.Prompt); s != "" {
			ds.Prompts = append(ds.Prompts, s)
		}
	}
}

// Encode tokenizes every prompt as <bos> + pieces, keeping at most the last
// maxLen ids (maxLen <= 0 keeps everything). Prompts that encode to nothing
// are dropped.
func (ds *PromptDataset) Encode(t Tokenizer, maxLen int) ([][]int, error) {
	out := make([][]int, 0, len(ds.Prompts))
	for i, p := range ds.Prompts {
		ids, err := t.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("IO: encode prompt %d: %w", i, err)
		}
		if len(ids) == 0 {
			continue
		}
		ids = append([]int{t.BOSID()}, ids...)
		if maxLen > 0 && len(ids) > maxLen {
			ids = ids[len(ids)-maxLen:]
		}
		out = append(out, ids)
	}
	return out, nil
}

// PadBatch pads seqs to a common length with padID. Left padding keeps the
// last prompt token in the final column, which is where generation resumes.
func PadBatch(seqs [][]int, padID int, left bool) model.Batch {
	T := 0
	for _, s := range seqs {
		T = max(T, len(s))
	}
	b := model.Batch{
		InputIDs:      make([][]int, len(seqs)),
		AttentionMask: make([][]int, len(seqs)),
	}
	for i, s := range seqs {
		ids := make([]int, T)
		mask := make([]int, T)
		off := 0
		if left {
			off = T - len(s)
		}
		for j := range ids {
			ids[j] = padID
		}
		for j, id := range s {
			ids[off+j] = id
			mask[off+j] = 1
		}
		b.InputIDs[i], b.AttentionMask[i] = ids, mask
	}
	return b
}

// Batches shuffles seqs with rng and splits them into groups of batchSize.
// The last group may be shorter.
func Batches(seqs [][]int, batchSize int, rng *rand.Rand) [][][]int {
	if batchSize <= 0 {
		batchSize = 1
	}
	idx := rng.Perm(len(seqs))
	var out [][][]int
	for start := 0; start < len(idx); start += batchSize {
		end := min(start+batchSize, len(idx))
		group := make([][]int, 0, end-start)
		for _, j := range idx[start:end] {
			group = append(group, seqs[j])
		}
		out = append(out, group)
	}
	return out
}
