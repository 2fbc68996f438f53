package data

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math/rand"
)

// Synthetic is a Source of deterministic random samples. Each sample is
// seeded from the md5 of its name, so the same index always yields the same
// values. Used for smoke runs and tests when no dataset is on disk.
type Synthetic struct {
	Dims
	N       int
	Sigma   float64
	Targets bool
}

func NewSynthetic(d Dims, n int, targets bool) *Synthetic {
	return &Synthetic{Dims: d, N: n, Sigma: 1, Targets: targets}
}

func (s *Synthetic) Len() int { return s.N }

// Load ignores rng; samples depend only on i.
func (s *Synthetic) Load(i int, _ *rand.Rand) (*Sample, error) {
	if i < 0 || i >= s.N {
		return nil, fmt.Errorf("sample %d out of range [0, %d)", i, s.N)
	}
	name := fmt.Sprintf("synthetic_%04d", i)
	hash := md5.Sum([]byte(name))
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(hash[:8]))))

	plane := s.FineSize * s.FineSize
	sample := &Sample{Path: name + ".png"}
	sample.A = noise(r, s.InputNC*plane)

	pts := make([]Point, s.NumPts)
	for k := range pts {
		pts[k] = Point{X: r.Float64() * float64(s.FineSize-1), Y: r.Float64() * float64(s.FineSize-1)}
	}
	sample.Pts = PointMap(pts, s.FineSize, s.Sigma)

	if s.Targets {
		sample.B = noise(r, s.OutputNC*plane)
	}
	return sample, nil
}

// noise fills n values uniformly in [-1, 1).
func noise(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}
