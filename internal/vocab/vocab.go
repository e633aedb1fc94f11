// Package vocab maps text to subword tokens and token ids.
//
// Two families are supported:
//   - WordPiece: BERT-style vocab.txt files (the format the en/zh corpora were
//     prepared with)
//   - Born tokenizers: tiktoken encodings and HuggingFace tokenizer.json
//     directories, wrapped so that id 0 stays reserved for padding
//
// Every Vocabulary is deterministic, and ids round-trip back to the subword
// tokens they were produced from.
package vocab

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tiktokenPrefix selects a tiktoken encoding in Open, e.g. "tiktoken:cl100k_base".
const tiktokenPrefix = "tiktoken:"

// Vocabulary converts between text, subword tokens and ids.
type Vocabulary interface {
	// Tokenize splits text into subword tokens.
	Tokenize(text string) []string

	// TokensToIDs maps tokens to ids. Unknown tokens map to the unknown id.
	TokensToIDs(tokens []string) []int32

	// IDsToTokens maps ids back to tokens.
	IDsToTokens(ids []int32) []string

	// Size returns the number of ids in the vocabulary.
	// Sentence boundary ids are allocated after it: Size() and Size()+1.
	Size() int
}

// FallibleTokenizer is implemented by vocabularies whose tokenization can
// fail. Their Tokenize returns nil on failure; TokenizeText reports why.
type FallibleTokenizer interface {
	TokenizeText(text string) ([]string, error)
}

// Encode tokenizes text and converts the tokens to ids.
func Encode(v Vocabulary, text string) ([]int32, error) {
	if ft, ok := v.(FallibleTokenizer); ok {
		tokens, err := ft.TokenizeText(text)
		if err != nil {
			return nil, err
		}
		return v.TokensToIDs(tokens), nil
	}
	return v.TokensToIDs(v.Tokenize(text)), nil
}

// Open loads a vocabulary from a location string:
//   - "tiktoken:<encoding>" loads a tiktoken encoding
//   - a directory containing tokenizer.json loads a HuggingFace tokenizer
//   - any other path is read as a WordPiece vocab file
func Open(location string, lowerCase bool) (Vocabulary, error) {
	if name, ok := strings.CutPrefix(location, tiktokenPrefix); ok {
		return NewTiktoken(name)
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(location, "tokenizer.json")); err != nil {
			return nil, fmt.Errorf("vocabulary directory %s has no tokenizer.json: %w", location, err)
		}
		return NewHuggingFace(location)
	}

	return LoadWordPiece(location, lowerCase)
}
