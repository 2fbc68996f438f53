package data

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Source yields decoded samples by index.
type Source interface {
	Len() int
	Load(i int, rng *rand.Rand) (*Sample, error)
}

// Loader groups samples into batches. Samples of one batch are decoded
// concurrently by up to Workers goroutines; batches are produced one at a
// time, in order.
type Loader struct {
	src       Source
	dims      Dims
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
}

func NewLoader(src Source, dims Dims, batchSize int, shuffle bool, workers int, seed int64) *Loader {
	return &Loader{
		src:       src,
		dims:      dims,
		batchSize: batchSize,
		shuffle:   shuffle,
		workers:   max(workers, 1),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Len is the number of samples per epoch.
func (l *Loader) Len() int { return l.src.Len() }

// Batches is the number of batches per epoch, counting a short final batch.
func (l *Loader) Batches() int {
	return (l.src.Len() + l.batchSize - 1) / l.batchSize
}

// Epoch runs fn on every batch of one pass over the data. It stops at the
// first error from loading or from fn, and when ctx is done.
func (l *Loader) Epoch(ctx context.Context, fn func(i int, b *Batch) error) error {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	for i := 0; i*l.batchSize < len(order); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min((i+1)*l.batchSize, len(order))
		b, err := l.load(ctx, order[i*l.batchSize:end])
		if err != nil {
			return errors.Wrapf(err, "batch %d", i)
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, idx []int) (*Batch, error) {
	samples := make([]*Sample, len(idx))
	// Each worker gets its own rng; rand.Rand is not safe for concurrent use.
	seeds := make([]int64, len(idx))
	for i := range seeds {
		seeds[i] = l.rng.Int63()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, id := range idx {
		i, id := i, id // per-iteration copies (go.mod targets go1.21)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.src.Load(id, rand.New(rand.NewSource(seeds[i])))
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Assemble(l.dims, samples)
}
