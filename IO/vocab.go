package IO

import (
	"encoding/json"
	"fmt"
	"os"
)

// ExportVocabJSON writes TokenToID/IDToToken so a run can be decoded later
// without the tokenizer that produced it.
func ExportVocabJSON(path string, v Vocabulary) error {
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func LoadVocabJSON(path string) (Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, err
	}
	var v Vocabulary
	if err := json.Unmarshal(raw, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("IO: vocab %s: %w", path, err)
	}
	if len(v.IDToToken) == 0 {
		return Vocabulary{}, fmt.Errorf("IO: vocab %s is empty", path)
	}
	if v.TokenToID == nil {
		v.TokenToID = make(map[string]int, len(v.IDToToken))
		for i, t := range v.IDToToken {
			v.TokenToID[t] = i
		}
	}
	return v, nil
}

// NewASCIITokenizerFromVocab restores a tokenizer saved with ExportVocabJSON.
func NewASCIITokenizerFromVocab(v Vocabulary) (*ASCIITokenizer, error) {
	for _, s := range special {
		if _, ok := v.TokenToID[s]; !ok {
			return nil, fmt.Errorf("IO: vocab missing special token %s", s)
		}
	}
	return &ASCIITokenizer{Vocab: v}, nil
}
