// Package data loads aligned (base image, landmarks, target image) triples and
// assembles them into NCHW batches.
package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Batch is what the model stages on every iteration. APts is always set; A, B
// and BPaths are required for training. A nil B means the phase has no targets.
type Batch struct {
	APts   *tensor.Dense // (N, input_nc+num_pts, S, S)
	A      *tensor.Dense // (N, input_nc, S, S)
	B      *tensor.Dense // (N, output_nc, S, S)
	BPaths []string
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	if b.APts == nil {
		return 0
	}
	return b.APts.Shape()[0]
}

// Dims are the per-sample tensor dimensions of a batch.
type Dims struct {
	InputNC  int
	OutputNC int
	NumPts   int
	FineSize int
}

// Sample is one decoded triple in CHW layout.
type Sample struct {
	A    []float32 // InputNC*S*S
	Pts  []float32 // NumPts*S*S
	B    []float32 // OutputNC*S*S, nil when the phase has no target
	Path string
}

// Assemble stacks samples into a batch. Either every sample has a target or
// none has.
func Assemble(d Dims, samples []*Sample) (*Batch, error) {
	n := len(samples)
	if n == 0 {
		return nil, errors.New("empty batch")
	}
	plane := d.FineSize * d.FineSize
	aLen, pLen, bLen := d.InputNC*plane, d.NumPts*plane, d.OutputNC*plane
	withB := samples[0].B != nil

	apts := make([]float32, 0, n*(aLen+pLen))
	a := make([]float32, 0, n*aLen)
	var b []float32
	if withB {
		b = make([]float32, 0, n*bLen)
	}
	paths := make([]string, 0, n)
	for i, s := range samples {
		if len(s.A) != aLen || len(s.Pts) != pLen {
			return nil, errors.Errorf("sample %d (%s): got %d+%d values, want %d+%d", i, s.Path, len(s.A), len(s.Pts), aLen, pLen)
		}
		if (s.B != nil) != withB {
			return nil, errors.Errorf("sample %d (%s): targets present for only part of the batch", i, s.Path)
		}
		apts = append(apts, s.A...)
		apts = append(apts, s.Pts...)
		a = append(a, s.A...)
		if withB {
			if len(s.B) != bLen {
				return nil, errors.Errorf("sample %d (%s): target has %d values, want %d", i, s.Path, len(s.B), bLen)
			}
			b = append(b, s.B...)
		}
		paths = append(paths, s.Path)
	}

	batch := &Batch{
		APts:   tensor.New(tensor.WithShape(n, d.InputNC+d.NumPts, d.FineSize, d.FineSize), tensor.WithBacking(apts)),
		A:      tensor.New(tensor.WithShape(n, d.InputNC, d.FineSize, d.FineSize), tensor.WithBacking(a)),
		BPaths: paths,
	}
	if withB {
		batch.B = tensor.New(tensor.WithShape(n, d.OutputNC, d.FineSize, d.FineSize), tensor.WithBacking(b))
	}
	return batch, nil
}
