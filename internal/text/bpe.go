package text

import (
	"errors"
	"fmt"
	"os"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// TokenTypeBPE splits text with a SentencePiece model. The resulting pieces
// are looked up in the bundle's token list like any other token.
const TokenTypeBPE = "bpe"

// ErrEmptyModelPath is returned when a bpe converter has no model file.
var ErrEmptyModelPath = errors.New("bpe model path must not be empty")

// pieceSplitter segments text into SentencePiece pieces.
type pieceSplitter struct {
	proc   gosp.Sentencepiece
	pieces []string
}

func loadPieceSplitter(modelPath string) (*pieceSplitter, error) {
	if modelPath == "" {
		return nil, ErrEmptyModelPath
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read bpe model: %w", err)
	}

	var model gosp.ModelProto
	if err := proto.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode bpe model %q: %w", modelPath, err)
	}

	pieces := make([]string, len(model.GetPieces()))
	for i, p := range model.GetPieces() {
		pieces[i] = p.GetPiece()
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("load bpe model %q: %w", modelPath, err)
	}

	return &pieceSplitter{proc: proc, pieces: pieces}, nil
}

func (p *pieceSplitter) split(s string) []string {
	ids := p.proc.TokenizeToIDs(s)

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		i := int(id)
		if i < 0 || i >= len(p.pieces) {
			out = append(out, unkToken)
			continue
		}

		out = append(out, p.pieces[i])
	}

	return out
}

// NewBPETokenConverter builds a converter that splits text with the
// SentencePiece model at modelPath and maps pieces through tokens.
func NewBPETokenConverter(tokens []string, modelPath string) (*TokenConverter, error) {
	splitter, err := loadPieceSplitter(modelPath)
	if err != nil {
		return nil, err
	}

	c, err := newTokenConverter(tokens, TokenTypeBPE)
	if err != nil {
		return nil, err
	}

	c.splitter = splitter

	return c, nil
}
