package IO

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Tokenizer maps text to token ids and back for prompt datasets and
// rollout decoding.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	VocabSize() int
	PadID() int
	BOSID() int
	EOSID() int
}

var special = []string{"<pad>", "<bos>", "<eos>", "<unk>"}

// maxPiece is the longest vocabulary piece the greedy ASCII encoder tries.
const maxPiece = 4

type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

func VocabLookup(v Vocabulary, tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID["<unk>"]
}

// ASCIITokenizer is a greedy longest-match tokenizer over a fixed vocabulary
// of special tokens, every printable ASCII character and (optionally) the
// most frequent 2..4 byte pieces of a corpus.
type ASCIITokenizer struct {
	Vocab Vocabulary
}

// NewASCIITokenizer builds the base vocabulary: specials then bytes 32..126.
func NewASCIITokenizer() *ASCIITokenizer {
	return &ASCIITokenizer{Vocab: buildVocab(nil, 0)}
}

// BuildASCIITokenizer adds the most frequent pieces of lines until the
// vocabulary holds size entries.
func BuildASCIITokenizer(lines []string, size int) (*ASCIITokenizer, error) {
	base := len(special) + 95
	if size < base {
		return nil, fmt.Errorf("IO: vocab size %d below the %d base tokens", size, base)
	}
	cnt := map[string]int{}
	for _, l := range lines {
		for _, w := range strings.Fields(normalizeASCII(l)) {
			for k := 2; k <= maxPiece; k++ {
				for i := 0; i+k <= len(w); i++ {
					cnt[w[i:i+k]]++
				}
			}
		}
	}
	return &ASCIITokenizer{Vocab: buildVocab(cnt, size)}, nil
}

func buildVocab(cnt map[string]int, size int) Vocabulary {
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})

	idToToken := append([]string{}, special...)
	for c := 32; c <= 126; c++ {
		idToToken = append(idToToken, string(rune(c)))
	}
	for _, p := range arr {
		if len(idToToken) >= size {
			break
		}
		if !slices.Contains(idToToken, p.k) {
			idToToken = append(idToToken, p.k)
		}
	}
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: idToToken}
}

// normalizeASCII lowercases and replaces control and non-ASCII bytes by a space.
func normalizeASCII(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 32
		}
		if c >= 0x80 || c < 32 || c == 127 {
			c = ' '
		}
		b = append(b, c)
	}
	return string(b)
}

// Encode never fails: unknown input falls back to single characters, which
// are always in the vocabulary.
func (t *ASCIITokenizer) Encode(text string) ([]int, error) {
	s := normalizeASCII(text)
	out := make([]int, 0, len(s))
	for i := 0; i < len(s); {
		take := 1
		for k := min(maxPiece, len(s)-i); k > 1; k-- {
			if _, ok := t.Vocab.TokenToID[s[i:i+k]]; ok {
				take = k
				break
			}
		}
		out = append(out, VocabLookup(t.Vocab, s[i:i+take]))
		i += take
	}
	return out, nil
}

// Decode drops special tokens.
func (t *ASCIITokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Vocab.IDToToken) {
			continue
		}
		if tok := t.Vocab.IDToToken[id]; !slices.Contains(special, tok) {
			sb.WriteString(tok)
		}
	}
	return sb.String()
}

func (t *ASCIITokenizer) VocabSize() int { return len(t.Vocab.IDToToken) }
func (t *ASCIITokenizer) PadID() int     { return t.Vocab.TokenToID["<pad>"] }
func (t *ASCIITokenizer) BOSID() int     { return t.Vocab.TokenToID["<bos>"] }
func (t *ASCIITokenizer) EOSID() int     { return t.Vocab.TokenToID["<eos>"] }

// BPETokenizer wraps a HuggingFace tokenizer.json loaded with sugarme.
type BPETokenizer struct {
	tok           *tk.Tokenizer
	pad, bos, eos int
}

// LoadBPE reads a tokenizer.json. Special ids are looked up by the usual
// names; a tokenizer without a pad token pads with EOS.
func LoadBPE(path string) (*BPETokenizer, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("IO: load tokenizer %s: %w", path, err)
	}
	lookup := func(names ...string) int {
		for _, n := range names {
			if id, ok := t.TokenToId(n); ok {
				return id
			}
		}
		return -1
	}
	b := &BPETokenizer{
		tok: t,
		bos: lookup("<bos>", "<s>", "<|endoftext|>"),
		eos: lookup("<eos>", "</s>", "<|endoftext|>"),
		pad: lookup("<pad>", "[PAD]"),
	}
	if b.eos < 0 {
		return nil, fmt.Errorf("IO: tokenizer %s has no end-of-sequence token", path)
	}
	if b.pad < 0 {
		b.pad = b.eos
	}
	if b.bos < 0 {
		b.bos = b.eos
	}
	return b, nil
}

// Encode returns ids without special tokens.
func (b *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := b.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), enc.Ids...), nil
}

func (b *BPETokenizer) Decode(ids []int) string { return b.tok.Decode(ids, true) }
func (b *BPETokenizer) VocabSize() int          { return b.tok.GetVocabSize(true) }
func (b *BPETokenizer) PadID() int              { return b.pad }
func (b *BPETokenizer) BOSID() int              { return b.bos }
func (b *BPETokenizer) EOSID() int              { return b.eos }

// Vocabulary exports the id<->token tables.
func (b *BPETokenizer) Vocabulary() Vocabulary {
	vocab := b.tok.GetVocab(true)
	id2tok := make([]string, b.VocabSize())
	tok2id := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tok2id[tok] = id
		if id >= 0 && id < len(id2tok) {
			id2tok[id] = tok
		}
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
}

var (
	_ Tokenizer = (*ASCIITokenizer)(nil)
	_ Tokenizer = (*BPETokenizer)(nil)
)
