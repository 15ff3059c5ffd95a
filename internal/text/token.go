package text

import (
	"errors"
	"fmt"
	"strings"
)

// Token types understood by TokenConverter.
const (
	TokenTypeChar = "char"
	TokenTypePhn  = "phn"
	TokenTypeWord = "word"
)

const (
	unkToken   = "<unk>"
	spaceToken = "<space>"
)

// TokenConverter maps normalized text to model token IDs using the token
// list of an exported bundle. A token's ID is its index in the list.
type TokenConverter struct {
	tokenType string
	ids       map[string]int64
	unk       int64
	hasUnk    bool
	splitter  *pieceSplitter
}

// NewTokenConverter builds a char, phn or word converter. Use
// NewBPETokenConverter for bpe token lists.
func NewTokenConverter(tokens []string, tokenType string) (*TokenConverter, error) {
	switch tokenType {
	case TokenTypeChar, TokenTypePhn, TokenTypeWord:
	case "":
		tokenType = TokenTypeChar
	case TokenTypeBPE:
		return nil, fmt.Errorf("token type %q needs a bpe model", tokenType)
	default:
		return nil, fmt.Errorf("unsupported token type %q", tokenType)
	}

	return newTokenConverter(tokens, tokenType)
}

func newTokenConverter(tokens []string, tokenType string) (*TokenConverter, error) {
	if len(tokens) == 0 {
		return nil, errors.New("token list is empty")
	}

	c := &TokenConverter{
		tokenType: tokenType,
		ids:       make(map[string]int64, len(tokens)),
	}

	for i, tok := range tokens {
		if _, dup := c.ids[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at index %d", tok, i)
		}

		c.ids[tok] = int64(i)
	}

	c.unk, c.hasUnk = c.ids[unkToken]

	return c, nil
}

func (c *TokenConverter) Size() int { return len(c.ids) }

func (c *TokenConverter) TokenType() string { return c.tokenType }

// Tokenize splits normalized text into tokens. Char tokenization maps
// spaces to <space>; phn and word split on whitespace; bpe uses the
// SentencePiece model.
func (c *TokenConverter) Tokenize(s string) []string {
	if c.splitter != nil {
		return c.splitter.split(s)
	}

	if c.tokenType != TokenTypeChar {
		return strings.Fields(s)
	}

	out := make([]string, 0, len(s))
	for _, r := range s {
		if r == ' ' {
			out = append(out, spaceToken)
			continue
		}

		out = append(out, string(r))
	}

	return out
}

// Encode normalizes s and converts it to token IDs. Tokens missing from the
// list map to <unk>; without an <unk> entry they are an error.
func (c *TokenConverter) Encode(s string) ([]int64, error) {
	normalized, err := Normalize(s)
	if err != nil {
		return nil, err
	}

	tokens := c.Tokenize(normalized)
	ids := make([]int64, 0, len(tokens))

	for _, tok := range tokens {
		id, ok := c.ids[tok]
		if !ok {
			if !c.hasUnk {
				return nil, fmt.Errorf("token %q not in token list and no %s entry", tok, unkToken)
			}

			id = c.unk
		}

		ids = append(ids, id)
	}

	return ids, nil
}
