package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Buffer is a model-owned NCHW tensor that inputs are copied into. It is
// allocated once for the configured batch and follows the batch size of
// whatever is staged; the per-sample dims are fixed.
type Buffer struct {
	name    string
	sample  tensor.Shape // (C, H, W)
	backing []float32
	t       *tensor.Dense
}

// NewBuffer allocates a (n, c, h, w) buffer. Every dimension must be positive.
func NewBuffer(name string, n, c, h, w int) (*Buffer, error) {
	for _, d := range []int{n, c, h, w} {
		if d <= 0 {
			return nil, errors.Errorf("buffer %s: invalid shape (%d, %d, %d, %d)", name, n, c, h, w)
		}
	}
	b := &Buffer{name: name, sample: tensor.Shape{c, h, w}}
	b.backing = make([]float32, n*c*h*w)
	b.t = tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(b.backing))
	return b, nil
}

// Stage copies src into the buffer, resizing the batch axis to src's.
func (b *Buffer) Stage(src *tensor.Dense) error {
	if src == nil {
		return errors.Errorf("buffer %s: nothing to stage", b.name)
	}
	shape := src.Shape()
	if len(shape) != 4 || shape[1] != b.sample[0] || shape[2] != b.sample[1] || shape[3] != b.sample[2] {
		return errors.Errorf("buffer %s: shape mismatch, got %v, want (N, %d, %d, %d)",
			b.name, shape, b.sample[0], b.sample[1], b.sample[2])
	}
	data, ok := src.Data().([]float32)
	if !ok {
		return errors.Errorf("buffer %s: unsupported dtype %v", b.name, src.Dtype())
	}
	if n := shape[0]; n != b.t.Shape()[0] {
		size := n * b.sample.TotalSize()
		if size > cap(b.backing) {
			b.backing = make([]float32, size)
		}
		b.backing = b.backing[:size]
		b.t = tensor.New(tensor.WithShape(n, b.sample[0], b.sample[1], b.sample[2]), tensor.WithBacking(b.backing))
	}
	copy(b.backing, data)
	return nil
}

// Tensor is the staged value. It is overwritten by the next Stage.
func (b *Buffer) Tensor() *tensor.Dense { return b.t }

// Shape is the current shape.
func (b *Buffer) Shape() tensor.Shape { return b.t.Shape() }
