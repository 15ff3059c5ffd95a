package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/example/go-tacotron/internal/onnx"
	"github.com/example/go-tacotron/internal/tacotron"
	"github.com/example/go-tacotron/internal/text"
)

// GraphConfig locates one exported graph and declares its I/O.
type GraphConfig struct {
	ModelPath          string          `yaml:"model_path"`
	QuantizedModelPath string          `yaml:"quantized_model_path"`
	Inputs             []onnx.NodeInfo `yaml:"inputs"`
	Outputs            []onnx.NodeInfo `yaml:"outputs"`
}

type PostdecoderConfig struct {
	GraphConfig `yaml:",inline"`

	ONNXExport bool `yaml:"onnx_export"`
}

type DecoderConfig struct {
	GraphConfig `yaml:",inline"`

	DLayers         int     `yaml:"dlayers"`
	DUnits          int     `yaml:"dunits"`
	ODim            int     `yaml:"odim"`
	ReductionFactor int     `yaml:"reduction_factor"`
	Threshold       float64 `yaml:"threshold"`
	MaxLenRatio     float64 `yaml:"maxlenratio"`
	MinLenRatio     float64 `yaml:"minlenratio"`

	Predecoder  GraphConfig       `yaml:"predecoder"`
	Postdecoder PostdecoderConfig `yaml:"postdecoder"`
}

// Bundle is an exported Tacotron2 model described by its config.yaml.
type Bundle struct {
	Encoder   GraphConfig   `yaml:"encoder"`
	Decoder   DecoderConfig `yaml:"decoder"`
	TokenList []string      `yaml:"token_list"`
	TokenType string        `yaml:"token_type"`
	// BPEModel is the SentencePiece model used when TokenType is bpe.
	BPEModel string `yaml:"bpemodel"`

	// Dir is the directory relative model paths resolve against.
	Dir string `yaml:"-"`
}

// DecodeOverrides replaces bundle decode settings. Zero fields keep the
// bundle value.
type DecodeOverrides struct {
	Threshold   float64
	MaxLenRatio float64
	MinLenRatio float64
}

func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle config: %w", err)
	}

	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle config %q: %w", path, err)
	}

	b.Dir = filepath.Dir(path)

	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("bundle config %q: %w", path, err)
	}

	return &b, nil
}

func (b *Bundle) validate() error {
	if b.Encoder.ModelPath == "" {
		return errors.New("encoder.model_path is required")
	}

	if b.Decoder.ModelPath == "" {
		return errors.New("decoder.model_path is required")
	}

	if b.Decoder.Predecoder.ModelPath == "" {
		return errors.New("decoder.predecoder.model_path is required")
	}

	if b.Decoder.Postdecoder.ONNXExport && b.Decoder.Postdecoder.ModelPath == "" {
		return errors.New("decoder.postdecoder.model_path is required when onnx_export is set")
	}

	return nil
}

// Sessions lists the graphs to load: encoder, predecoder, decoder and the
// postdecoder when it was exported.
func (b *Bundle) Sessions(useQuantized bool) ([]onnx.Session, error) {
	graphs := []struct {
		name string
		cfg  GraphConfig
	}{
		{tacotron.GraphEncoder, b.Encoder},
		{tacotron.GraphPredecoder, b.Decoder.Predecoder},
		{tacotron.GraphDecoder, b.Decoder.GraphConfig},
	}

	if b.Decoder.Postdecoder.ONNXExport {
		graphs = append(graphs, struct {
			name string
			cfg  GraphConfig
		}{tacotron.GraphPostdecoder, b.Decoder.Postdecoder.GraphConfig})
	}

	sessions := make([]onnx.Session, 0, len(graphs))
	for _, g := range graphs {
		path := g.cfg.ModelPath
		if useQuantized {
			path = g.cfg.QuantizedModelPath
			if path == "" {
				return nil, fmt.Errorf("%s has no quantized_model_path", g.name)
			}
		}

		sessions = append(sessions, onnx.Session{
			Name:    g.name,
			Path:    b.resolve(path),
			Inputs:  g.cfg.Inputs,
			Outputs: g.cfg.Outputs,
		})
	}

	return sessions, nil
}

// HParams returns the decoder hyperparameters with overrides applied. A
// zero reduction factor in the config means 1.
func (b *Bundle) HParams(o DecodeOverrides) tacotron.HParams {
	hp := tacotron.HParams{
		DLayers:         b.Decoder.DLayers,
		DUnits:          b.Decoder.DUnits,
		ODim:            b.Decoder.ODim,
		ReductionFactor: b.Decoder.ReductionFactor,
		Threshold:       b.Decoder.Threshold,
		MaxLenRatio:     b.Decoder.MaxLenRatio,
		MinLenRatio:     b.Decoder.MinLenRatio,
	}

	if hp.ReductionFactor == 0 {
		hp.ReductionFactor = 1
	}

	if o.Threshold > 0 {
		hp.Threshold = o.Threshold
	}

	if o.MaxLenRatio > 0 {
		hp.MaxLenRatio = o.MaxLenRatio
	}

	if o.MinLenRatio > 0 {
		hp.MinLenRatio = o.MinLenRatio
	}

	return hp
}

func (b *Bundle) Capabilities() tacotron.Capabilities {
	names := make([]string, 0, len(b.Encoder.Inputs))
	for _, in := range b.Encoder.Inputs {
		names = append(names, in.Name)
	}

	return tacotron.CapabilitiesFromInputs(names)
}

// DecoderOutputs returns the decoder's declared output order, or nil when
// the config does not list outputs.
func (b *Bundle) DecoderOutputs() []string {
	if len(b.Decoder.Outputs) == 0 {
		return nil
	}

	names := make([]string, 0, len(b.Decoder.Outputs))
	for _, out := range b.Decoder.Outputs {
		names = append(names, out.Name)
	}

	return names
}

// TokenConverter builds the text front-end for the bundle's token list.
// It returns nil without error when the bundle lists no tokens.
func (b *Bundle) TokenConverter() (*text.TokenConverter, error) {
	if len(b.TokenList) == 0 {
		return nil, nil
	}

	if b.TokenType == text.TokenTypeBPE {
		return text.NewBPETokenConverter(b.TokenList, b.resolve(b.BPEModel))
	}

	return text.NewTokenConverter(b.TokenList, b.TokenType)
}

func (b *Bundle) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(b.Dir, path)
}
