package vocab

import (
	"strings"
	"unicode/utf8"
)

// Decoder is implemented by vocabularies that turn ids back into text
// themselves.
type Decoder interface {
	Decode(ids []int32) string
}

// Decode converts ids to text, using v's own Decoder when it has one and
// JoinTokens otherwise.
func Decode(v Vocabulary, ids []int32) string {
	if d, ok := v.(Decoder); ok {
		return d.Decode(ids)
	}
	return JoinTokens(v.IDsToTokens(ids))
}

// JoinTokens reassembles WordPiece tokens into text. Continuation pieces are
// glued to the previous token, CJK characters and punctuation are written
// without surrounding spaces, everything else is space separated.
func JoinTokens(tokens []string) string {
	var sb strings.Builder
	prevCJK := false
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		piece, cont := strings.CutPrefix(tok, continuationPrefix)
		if cont && piece == "" {
			piece, cont = tok, false
		}
		first, _ := utf8.DecodeRuneInString(piece)
		last, _ := utf8.DecodeLastRuneInString(piece)

		attach := cont || prevCJK || IsCJK(first) ||
			(utf8.RuneCountInString(piece) == 1 && isPunctuation(first))
		if sb.Len() > 0 && !attach {
			sb.WriteByte(' ')
		}
		sb.WriteString(piece)
		prevCJK = IsCJK(last)
	}
	return sb.String()
}
