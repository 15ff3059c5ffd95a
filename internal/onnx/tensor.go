package onnx

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a dense, row-major tensor exchanged with graph runners.
// Its backing slice is never shared with callers.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	dtype, err := dtypeFromSlice(data)
	if err != nil {
		return nil, err
	}

	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}

	switch dtype {
	case DTypeFloat32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}

		t.data = converted
	case DTypeInt64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}

		t.data = converted
	}

	return t, nil
}

// NewZeroTensor builds a zero-filled tensor from a declared graph input.
// Symbolic dimensions resolve to 1.
func NewZeroTensor(dtype string, shape []any) (*Tensor, error) {
	canonical, err := canonicalDType(dtype)
	if err != nil {
		return nil, err
	}

	resolvedShape, err := resolveShape(shape)
	if err != nil {
		return nil, err
	}

	count, err := elementCount(resolvedShape)
	if err != nil {
		return nil, err
	}

	switch canonical {
	case DTypeFloat32:
		return NewTensor(make([]float32, count), resolvedShape)
	default:
		return NewTensor(make([]int64, count), resolvedShape)
	}
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Len returns the total element count.
func (t *Tensor) Len() int {
	switch v := t.data.(type) {
	case []float32:
		return len(v)
	case []int64:
		return len(v)
	default:
		return 0
	}
}

func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

// Reshape returns a copy of t with a new shape of identical element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if err := validateShapeAgainstData(shape, t.Len()); err != nil {
		return nil, fmt.Errorf("reshape %v: %w", t.shape, err)
	}

	switch v := t.data.(type) {
	case []float32:
		return NewTensor(v, shape)
	case []int64:
		return NewTensor(v, shape)
	default:
		return nil, fmt.Errorf("reshape: unsupported backing type %T", v)
	}
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, errors.New("expected float32 tensor, got nil")
	}

	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}

	return append([]float32(nil), data...), nil
}

func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil {
		return nil, errors.New("expected int64 tensor, got nil")
	}

	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}

	return append([]int64(nil), data...), nil
}

func dtypeFromSlice[T ~int64 | ~float32](_ []T) (TensorDType, error) {
	var zero T
	switch any(zero).(type) {
	case int64:
		return DTypeInt64, nil
	case float32:
		return DTypeFloat32, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", zero)
	}
}

func canonicalDType(raw string) (TensorDType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")

	switch normalized {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

func resolveShape(shape []any) ([]int64, error) {
	out := make([]int64, len(shape))
	for i, dim := range shape {
		switch v := dim.(type) {
		case float64:
			if v < 1 || v != math.Trunc(v) {
				return nil, fmt.Errorf("shape[%d]=%v is not a positive integer", i, v)
			}

			out[i] = int64(v)
		case int:
			if v < 1 {
				return nil, fmt.Errorf("shape[%d]=%d is not positive", i, v)
			}

			out[i] = int64(v)
		case int64:
			if v < 1 {
				return nil, fmt.Errorf("shape[%d]=%d is not positive", i, v)
			}

			out[i] = v
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("shape[%d] has empty symbolic dimension", i)
			}

			out[i] = 1
		default:
			return nil, fmt.Errorf("shape[%d] has unsupported type %T", i, dim)
		}
	}

	return out, nil
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}

	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}

	return nil
}

// elementCount allows zero-sized dimensions; ORT reports empty outputs
// that way.
func elementCount(shape []int64) (int, error) {
	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("shape[%d]=%d is negative", i, dim)
		}
	}

	count := int64(1)
	for _, dim := range shape {
		if dim == 0 {
			return 0, nil
		}

		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		count *= dim
	}

	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}

	return int(count), nil
}

// ConcatLastAxis concatenates float32 tensors along their last axis.
// All tensors must share rank and every leading dimension, e.g.
// [1, D, T_a] + [1, D, T_b] -> [1, D, T_a+T_b].
func ConcatLastAxis(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("ConcatLastAxis: no tensors")
	}

	first := ts[0].Shape()
	if len(first) == 0 {
		return nil, errors.New("ConcatLastAxis: scalar tensors have no axis")
	}

	rank := len(first)
	lead := 1
	for _, d := range first[:rank-1] {
		lead *= int(d)
	}

	widths := make([]int, len(ts))
	parts := make([][]float32, len(ts))
	total := 0

	for i, t := range ts {
		shape := t.Shape()
		if len(shape) != rank {
			return nil, fmt.Errorf("ConcatLastAxis: tensor %d rank %d, want %d", i, len(shape), rank)
		}

		for d := range rank - 1 {
			if shape[d] != first[d] {
				return nil, fmt.Errorf("ConcatLastAxis: tensor %d dim %d is %d, want %d", i, d, shape[d], first[d])
			}
		}

		data, err := ExtractFloat32(t)
		if err != nil {
			return nil, fmt.Errorf("ConcatLastAxis: tensor %d: %w", i, err)
		}

		widths[i] = int(shape[rank-1])
		parts[i] = data
		total += widths[i]
	}

	out := make([]float32, 0, lead*total)
	for row := range lead {
		for i, data := range parts {
			w := widths[i]
			out = append(out, data[row*w:(row+1)*w]...)
		}
	}

	outShape := append([]int64(nil), first...)
	outShape[rank-1] = int64(total)

	return NewTensor(out, outShape)
}

// LastAxisColumn returns the values at index col of the last axis for every
// leading position, flattened in row-major order.
func LastAxisColumn(t *Tensor, col int) ([]float32, error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return nil, errors.New("LastAxisColumn: scalar tensor")
	}

	w := int(shape[len(shape)-1])
	if col < 0 || col >= w {
		return nil, fmt.Errorf("LastAxisColumn: column %d out of range [0,%d)", col, w)
	}

	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}

	rows := len(data) / w
	out := make([]float32, rows)
	for r := range rows {
		out[r] = data[r*w+col]
	}

	return out, nil
}
