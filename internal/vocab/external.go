package vocab

import (
	"fmt"
	"strings"
	"sync"

	"github.com/born-ml/born/tokenizer"
)

// idOffset shifts Born tokenizer ids up by one so that id 0 never collides
// with the padding id.
const idOffset = 1

// External adapts a Born tokenizer (tiktoken or HuggingFace) to Vocabulary.
//
// Tokens are the decoded text of single ids. Tokenize is defined as
// encode-then-decode per id, so TokensToIDs(Tokenize(s)) returns the
// tokenizer's own encoding of s.
//
// External is safe for concurrent use.
type External struct {
	tok  tokenizer.Tokenizer
	name string

	mu    sync.Mutex
	index map[string]int32 // token text -> shifted id, filled lazily
}

// NewTiktoken wraps a tiktoken encoding such as "cl100k_base".
func NewTiktoken(encoding string) (*External, error) {
	tok, err := tokenizer.NewTikToken(encoding)
	if err != nil {
		return nil, err
	}
	return newExternal(tok, "tiktoken:"+encoding), nil
}

// NewHuggingFace loads tokenizer.json from a model directory.
func NewHuggingFace(dir string) (*External, error) {
	tok, err := tokenizer.LoadFromHuggingFace(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", dir, err)
	}
	return newExternal(tok, dir), nil
}

// NewExternal wraps an already constructed Born tokenizer.
func NewExternal(tok tokenizer.Tokenizer, name string) *External {
	return newExternal(tok, name)
}

func newExternal(tok tokenizer.Tokenizer, name string) *External {
	return &External{
		tok:   tok,
		name:  name,
		index: make(map[string]int32),
	}
}

// Name identifies the wrapped tokenizer.
func (e *External) Name() string {
	return e.name
}

// Size is the wrapped vocabulary size plus the reserved padding id.
func (e *External) Size() int {
	return e.tok.VocabSize() + idOffset
}

// Tokenize encodes text and returns the text of each produced id. It returns
// nil when the tokenizer fails; use TokenizeText to see the error.
func (e *External) Tokenize(text string) []string {
	tokens, _ := e.TokenizeText(text)
	return tokens
}

// TokenizeText is Tokenize with the tokenizer's error.
func (e *External) TokenizeText(text string) ([]string, error) {
	ids, err := e.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to tokenize %q: %w", e.name, text, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tokens := make([]string, len(ids))
	for i, id := range ids {
		piece := e.decodeOne(id)
		tokens[i] = piece
		if _, ok := e.index[piece]; !ok {
			e.index[piece] = id + idOffset
		}
	}
	return tokens, nil
}

// TokensToIDs maps tokens produced by Tokenize back to ids. A token that was
// never produced is re-encoded; multi-id results keep the first id.
func (e *External) TokensToIDs(tokens []string) []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int32, 0, len(tokens))
	for _, tok := range tokens {
		if id, ok := e.index[tok]; ok {
			ids = append(ids, id)
			continue
		}
		enc, err := e.tok.Encode(tok)
		if err != nil || len(enc) == 0 {
			ids = append(ids, e.unknownID())
			continue
		}
		id := enc[0] + idOffset
		e.index[tok] = id
		ids = append(ids, id)
	}
	return ids
}

// IDsToTokens decodes each id on its own.
func (e *External) IDsToTokens(ids []int32) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < idOffset || int(id) >= e.Size() {
			tokens[i] = UnknownToken
			continue
		}
		tokens[i] = e.decodeOne(id - idOffset)
	}
	return tokens
}

func (e *External) decodeOne(id int32) string {
	text, err := e.tok.Decode([]int32{id})
	if err != nil {
		return UnknownToken
	}
	return text
}

func (e *External) unknownID() int32 {
	if unk := e.tok.UnkToken(); unk >= 0 {
		return unk + idOffset
	}
	// No unknown token: fall back to the padding id, which the loss ignores.
	return 0
}

// Decode decodes ids with the wrapped tokenizer. Ids outside the wrapped
// vocabulary, padding included, are skipped.
func (e *External) Decode(ids []int32) string {
	inner := make([]int32, 0, len(ids))
	for _, id := range ids {
		if id >= idOffset && int(id) < e.Size() {
			inner = append(inner, id-idOffset)
		}
	}
	text, err := e.tok.Decode(inner)
	if err != nil {
		return strings.Join(e.IDsToTokens(ids), "")
	}
	return text
}
