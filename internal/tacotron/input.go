package tacotron

import (
	"fmt"

	"github.com/example/go-tacotron/internal/onnx"
)

// Input is one synthesis request. Optional fields are sent to the encoder
// only when its Capabilities declare them; supplying an undeclared one is
// not an error.
type Input struct {
	Text []int64

	Feats            *onnx.Tensor
	SpeakerID        *int64
	SpeakerEmbedding []float32
	LanguageID       *int64
}

// encoderInputs builds the encoder feed for in under caps.
func encoderInputs(in Input, caps Capabilities) (map[string]*onnx.Tensor, error) {
	if len(in.Text) == 0 {
		return nil, fmt.Errorf("%w: text must not be empty", ErrInvalidInput)
	}

	for i, id := range in.Text {
		if id < 0 {
			return nil, fmt.Errorf("%w: token %d has negative id %d", ErrInvalidInput, i, id)
		}
	}

	text, err := onnx.NewTensor(in.Text, []int64{int64(len(in.Text))})
	if err != nil {
		return nil, fmt.Errorf("text tensor: %w", err)
	}

	feed := map[string]*onnx.Tensor{"text": text}

	if caps.UseFeats {
		if in.Feats == nil {
			return nil, fmt.Errorf("%w: encoder declares feats", ErrMissingRequiredInput)
		}

		feed["feats"] = in.Feats
	}

	if caps.UseSIDs {
		if in.SpeakerID == nil {
			return nil, fmt.Errorf("%w: encoder declares sids", ErrMissingRequiredInput)
		}

		feed["sids"], err = onnx.NewTensor([]int64{*in.SpeakerID}, []int64{1})
		if err != nil {
			return nil, fmt.Errorf("sids tensor: %w", err)
		}
	}

	if caps.UseSpembs {
		if len(in.SpeakerEmbedding) == 0 {
			return nil, fmt.Errorf("%w: encoder declares spembs", ErrMissingRequiredInput)
		}

		feed["spembs"], err = onnx.NewTensor(in.SpeakerEmbedding, []int64{int64(len(in.SpeakerEmbedding))})
		if err != nil {
			return nil, fmt.Errorf("spembs tensor: %w", err)
		}
	}

	if caps.UseLIDs {
		if in.LanguageID == nil {
			return nil, fmt.Errorf("%w: encoder declares lids", ErrMissingRequiredInput)
		}

		feed["lids"], err = onnx.NewTensor([]int64{*in.LanguageID}, []int64{1})
		if err != nil {
			return nil, fmt.Errorf("lids tensor: %w", err)
		}
	}

	return feed, nil
}
