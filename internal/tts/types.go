package tts

import (
	"context"
	"fmt"

	"github.com/example/go-tacotron/internal/onnx"
	"github.com/example/go-tacotron/internal/tacotron"
)

// Synthesizer runs the decode loop for already tokenized input.
// *tacotron.Model satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, in tacotron.Input) (*tacotron.Result, error)
	HParams() tacotron.HParams
}

// Features is a dense float32 tensor on the wire.
type Features struct {
	Shape []int64   `json:"shape" msgpack:"shape"`
	Data  []float32 `json:"data"  msgpack:"data"`
}

// Request is one synthesis call. Exactly one of Text or TokenIDs is used;
// TokenIDs wins when both are set.
type Request struct {
	Text     string  `json:"text,omitempty"      msgpack:"text,omitempty"`
	TokenIDs []int64 `json:"token_ids,omitempty" msgpack:"token_ids,omitempty"`

	SpeakerID        *int64    `json:"speaker_id,omitempty"        msgpack:"speaker_id,omitempty"`
	LanguageID       *int64    `json:"language_id,omitempty"       msgpack:"language_id,omitempty"`
	SpeakerEmbedding []float32 `json:"speaker_embedding,omitempty" msgpack:"speaker_embedding,omitempty"`
	ReferenceFeats   *Features `json:"reference_feats,omitempty"   msgpack:"reference_feats,omitempty"`

	IncludeAttention bool `json:"include_attention,omitempty" msgpack:"include_attention,omitempty"`
}

// Result is the encoded form of a synthesis outcome. Features is the
// [odim, T] feature matrix in row-major order.
type Result struct {
	RequestID string `json:"request_id,omitempty" msgpack:"request_id,omitempty"`

	ODim       int       `json:"odim"       msgpack:"odim"`
	Frames     int       `json:"frames"     msgpack:"frames"`
	Features   []float32 `json:"features"   msgpack:"features"`
	Iterations int       `json:"iterations" msgpack:"iterations"`

	StopProbabilities [][]float32 `json:"stop_probabilities"  msgpack:"stop_probabilities"`
	Attention         [][]float32 `json:"attention,omitempty" msgpack:"attention,omitempty"`

	Cached bool `json:"cached,omitempty" msgpack:"-"`
}

// Row returns feature dimension d across all frames.
func (r *Result) Row(d int) []float32 {
	if r == nil || d < 0 || d >= r.ODim {
		return nil
	}

	return r.Features[d*r.Frames : (d+1)*r.Frames]
}

func newResult(res *tacotron.Result, includeAttention bool) (*Result, error) {
	data, err := onnx.ExtractFloat32(res.Frames)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tacotron.ErrModelContract, err)
	}

	shape := res.Frames.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: features have rank %d", tacotron.ErrModelContract, len(shape))
	}

	out := &Result{
		ODim:              int(shape[len(shape)-2]),
		Frames:            res.TimeLength(),
		Features:          data,
		Iterations:        res.Iterations,
		StopProbabilities: res.StopProbabilities,
	}

	if includeAttention {
		out.Attention = res.Attention
	}

	return out, nil
}
