// Package pool keeps a history of generated samples so the discriminator is
// not trained only on the output of the latest generator step.
package pool

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImagePool stores up to Capacity single-sample tensors of shape (1, C, H, W).
// Stored entries are copies owned by the pool.
type ImagePool struct {
	capacity int
	images   []*tensor.Dense
	rng      *rand.Rand
}

func New(capacity int, rng *rand.Rand) *ImagePool {
	return &ImagePool{
		capacity: capacity,
		images:   make([]*tensor.Dense, 0, max(capacity, 0)),
		rng:      rng,
	}
}

// Len is the number of stored samples.
func (p *ImagePool) Len() int { return len(p.images) }

// Capacity is the configured pool size.
func (p *ImagePool) Capacity() int { return p.capacity }

// Query takes a batch (N, C, H, W) and returns a batch of the same shape.
// With a zero capacity the batch is returned unchanged. Otherwise, per sample:
// while the pool is filling the sample is stored and returned; once full, with
// probability 1/2 a random stored sample is returned and replaced by the new
// one, else the new sample is returned and the pool is left alone.
func (p *ImagePool) Query(batch *tensor.Dense) (*tensor.Dense, error) {
	if p.capacity <= 0 {
		return batch, nil
	}
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("pool: expected NCHW batch, got shape %v", shape)
	}
	n := shape[0]
	src, ok := batch.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("pool: unsupported dtype %v", batch.Dtype())
	}
	stride := len(src) / n
	out := make([]float32, len(src))

	for i := 0; i < n; i++ {
		sample := src[i*stride : (i+1)*stride]
		dst := out[i*stride : (i+1)*stride]

		if len(p.images) < p.capacity {
			p.images = append(p.images, p.entry(sample, shape))
			copy(dst, sample)
			continue
		}
		if p.rng.Float64() > 0.5 {
			id := p.rng.Intn(p.capacity)
			old := p.images[id].Data().([]float32)
			copy(dst, old)
			p.images[id] = p.entry(sample, shape)
			continue
		}
		copy(dst, sample)
	}
	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(out)), nil
}

func (p *ImagePool) entry(sample []float32, shape tensor.Shape) *tensor.Dense {
	data := make([]float32, len(sample))
	copy(data, sample)
	return tensor.New(tensor.WithShape(1, shape[1], shape[2], shape[3]), tensor.WithBacking(data))
}
