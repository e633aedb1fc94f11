package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// UnknownToken is emitted for words the vocabulary cannot cover.
	UnknownToken = "[UNK]"

	// continuationPrefix marks a token that continues the previous word.
	continuationPrefix = "##"
	maxWordRunes       = 200
)

// WordPiece is a BERT-style full tokenizer: a basic pass that splits on
// whitespace, punctuation and CJK ideographs, followed by greedy
// longest-match-first subword segmentation.
type WordPiece struct {
	vocab     map[string]int32 // token -> ID
	tokens    []string         // ID -> token
	unkID     int32
	lowerCase bool
}

// LoadWordPiece reads a vocab file with one token per line; a token's id is
// its 0-based line index.
func LoadWordPiece(path string, lowerCase bool) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab file: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab file %s: %w", path, err)
	}

	return NewWordPiece(tokens, lowerCase)
}

// NewWordPiece builds a tokenizer from an ordered token list.
// The list must contain UnknownToken.
func NewWordPiece(tokens []string, lowerCase bool) (*WordPiece, error) {
	vocab := make(map[string]int32, len(tokens))
	for i, tok := range tokens {
		// First occurrence wins, matching line-order id assignment.
		if _, dup := vocab[tok]; !dup {
			vocab[tok] = int32(i)
		}
	}

	unkID, ok := vocab[UnknownToken]
	if !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", UnknownToken)
	}

	return &WordPiece{
		vocab:     vocab,
		tokens:    tokens,
		unkID:     unkID,
		lowerCase: lowerCase,
	}, nil
}

// Size returns the number of tokens in the vocab file.
func (w *WordPiece) Size() int {
	return len(w.tokens)
}

// Tokenize splits text into WordPiece tokens.
func (w *WordPiece) Tokenize(text string) []string {
	var out []string
	for _, word := range w.basicTokenize(text) {
		out = append(out, w.wordPieces(word)...)
	}
	return out
}

// TokensToIDs maps tokens to ids; unknown tokens map to the [UNK] id.
func (w *WordPiece) TokensToIDs(tokens []string) []int32 {
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		id, ok := w.vocab[tok]
		if !ok {
			id = w.unkID
		}
		ids[i] = id
	}
	return ids
}

// IDsToTokens maps ids back to tokens; ids outside the vocabulary become [UNK].
func (w *WordPiece) IDsToTokens(ids []int32) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(w.tokens) {
			tokens[i] = UnknownToken
			continue
		}
		tokens[i] = w.tokens[id]
	}
	return tokens
}

// basicTokenize cleans text and splits it into words and punctuation.
func (w *WordPiece) basicTokenize(text string) []string {
	text = cleanText(text)
	text = spaceCJK(text)

	var words []string
	for _, tok := range strings.Fields(text) {
		if w.lowerCase {
			tok = stripAccents(strings.ToLower(tok))
		}
		words = append(words, splitPunctuation(tok)...)
	}
	return words
}

// wordPieces segments a single word greedily, longest match first.
func (w *WordPiece) wordPieces(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []string{UnknownToken}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = continuationPrefix + sub
			}
			if _, ok := w.vocab[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{UnknownToken}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// cleanText drops invalid and control characters and normalizes whitespace.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// spaceCJK surrounds every CJK ideograph with spaces so each becomes a word.
func spaceCJK(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if IsCJK(r) {
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripAccents(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range norm.NFD.String(text) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitPunctuation isolates each punctuation rune as its own word.
func splitPunctuation(text string) []string {
	var (
		out     []string
		current []rune
	)
	for _, r := range text {
		if isPunctuation(r) {
			if len(current) > 0 {
				out = append(out, string(current))
				current = current[:0]
			}
			out = append(out, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}

// IsCJK reports whether r is in a CJK Unified Ideographs block.
// Hangul and kana are deliberately excluded; they are written with spaces.
func IsCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation treats all non-alphanumeric ASCII as punctuation, plus the
// Unicode P categories.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}
