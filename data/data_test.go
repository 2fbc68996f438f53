package data

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestReadPoints(t *testing.T) {
	in := "# landmarks\n10 20\n\n30.5,40.25\n"
	pts, err := ReadPoints(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadPoints failed: %v", err)
	}
	want := []Point{{10, 20}, {30.5, 40.25}}
	if len(pts) != len(want) {
		t.Fatalf("Expected %d points, got %d", len(want), len(pts))
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("Point %d: expected %v, got %v", i, want[i], pts[i])
		}
	}

	if _, err := ReadPoints(strings.NewReader("12\n")); err == nil {
		t.Error("Expected error for a line with one coordinate")
	}
}

func TestPointMap(t *testing.T) {
	const size = 16
	pts := []Point{{3, 5}, {12, 12}, {-40, 2}}

	for _, sigma := range []float64{0, 1.5} {
		m := PointMap(pts, size, sigma)
		if len(m) != len(pts)*size*size {
			t.Fatalf("sigma %v: expected %d values, got %d", sigma, len(pts)*size*size, len(m))
		}
		for k, p := range pts[:2] {
			ch := m[k*size*size : (k+1)*size*size]
			peak := int(p.Y)*size + int(p.X)
			if ch[peak] != 1 {
				t.Errorf("sigma %v, point %d: expected 1 at the landmark, got %f", sigma, k, ch[peak])
			}
			for i, v := range ch {
				if v > ch[peak] {
					t.Errorf("sigma %v, point %d: value %f at %d exceeds the peak", sigma, k, v, i)
				}
			}
		}
		for _, v := range m[2*size*size:] {
			if v != 0 {
				t.Fatalf("sigma %v: expected an empty channel for an off-grid point", sigma)
			}
		}
	}
}

func TestTransform(t *testing.T) {
	out := Transform([]Point{{50, 100}}, 100, 200, 50, 4, 8)
	if out[0] != (Point{X: 21, Y: 17}) {
		t.Errorf("Expected {21 17}, got %v", out[0])
	}
}

func TestAssemble(t *testing.T) {
	d := Dims{InputNC: 3, OutputNC: 1, NumPts: 2, FineSize: 4}
	syn := NewSynthetic(d, 3, true)
	var samples []*Sample
	for i := 0; i < 3; i++ {
		s, err := syn.Load(i, nil)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		samples = append(samples, s)
	}
	b, err := Assemble(d, samples)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if b.Size() != 3 {
		t.Errorf("Expected batch of 3, got %d", b.Size())
	}
	if got := b.APts.Shape(); got[1] != 5 || got[2] != 4 {
		t.Errorf("Expected APts (3, 5, 4, 4), got %v", got)
	}
	// Sample 1 of APts starts with its A channels, then its point maps.
	apts := b.APts.Data().([]float32)
	per := 5 * 16
	if apts[per] != samples[1].A[0] || apts[per+3*16] != samples[1].Pts[0] {
		t.Error("Expected APts to concatenate A and points per sample")
	}
	if b.B == nil || len(b.BPaths) != 3 {
		t.Error("Expected targets and paths")
	}

	samples[2].B = nil
	if _, err := Assemble(d, samples); err == nil {
		t.Error("Expected error when only part of the batch has targets")
	}
	if _, err := Assemble(d, nil); err == nil {
		t.Error("Expected error for an empty batch")
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	d := Dims{InputNC: 1, OutputNC: 1, NumPts: 1, FineSize: 8}
	a, _ := NewSynthetic(d, 2, false).Load(1, nil)
	b, _ := NewSynthetic(d, 2, false).Load(1, nil)
	for i := range a.A {
		if a.A[i] != b.A[i] {
			t.Fatal("Expected identical samples for the same index")
		}
	}
	if a.B != nil {
		t.Error("Expected no target")
	}
	if _, err := NewSynthetic(d, 2, false).Load(2, nil); err == nil {
		t.Error("Expected error for an index out of range")
	}
}

// countingSource records which indices were loaded.
type countingSource struct {
	*Synthetic
	mu   sync.Mutex
	seen map[int]int
}

func (c *countingSource) Load(i int, rng *rand.Rand) (*Sample, error) {
	c.mu.Lock()
	c.seen[i]++
	c.mu.Unlock()
	return c.Synthetic.Load(i, rng)
}

func TestLoaderEpoch(t *testing.T) {
	d := Dims{InputNC: 3, OutputNC: 3, NumPts: 2, FineSize: 4}
	src := &countingSource{Synthetic: NewSynthetic(d, 7, true), seen: map[int]int{}}
	l := NewLoader(src, d, 3, true, 4, 1)
	if l.Batches() != 3 {
		t.Errorf("Expected 3 batches, got %d", l.Batches())
	}

	var sizes []int
	err := l.Epoch(context.Background(), func(i int, b *Batch) error {
		sizes = append(sizes, b.Size())
		return nil
	})
	if err != nil {
		t.Fatalf("Epoch failed: %v", err)
	}
	if len(sizes) != 3 || sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("Expected batch sizes [3 3 1], got %v", sizes)
	}
	for i := 0; i < 7; i++ {
		if src.seen[i] != 1 {
			t.Errorf("Sample %d loaded %d times, expected once", i, src.seen[i])
		}
	}
}

func TestLoaderSerialOrder(t *testing.T) {
	d := Dims{InputNC: 1, OutputNC: 1, NumPts: 0, FineSize: 4}
	l := NewLoader(NewSynthetic(d, 4, true), d, 2, false, 2, 1)
	var paths []string
	err := l.Epoch(context.Background(), func(i int, b *Batch) error {
		paths = append(paths, b.BPaths...)
		return nil
	})
	if err != nil {
		t.Fatalf("Epoch failed: %v", err)
	}
	for i, p := range paths {
		want := "synthetic_000" + string(rune('0'+i)) + ".png"
		if p != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, p)
		}
	}
}

func TestLoaderStopsOnCancel(t *testing.T) {
	d := Dims{InputNC: 1, OutputNC: 1, NumPts: 0, FineSize: 4}
	l := NewLoader(NewSynthetic(d, 4, true), d, 1, false, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := l.Epoch(ctx, func(i int, b *Batch) error {
		calls++
		cancel()
		return nil
	})
	if err == nil {
		t.Error("Expected an error after cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected 1 batch before stopping, got %d", calls)
	}
}

func writePNG(t *testing.T, path string, size int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestAlignedDataset(t *testing.T) {
	root := t.TempDir()
	for _, sub := range []string{"A", "B", "pts"} {
		if err := os.MkdirAll(filepath.Join(root, "train", sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writePNG(t, filepath.Join(root, "train", "A", "face1.png"), 32, color.White)
	writePNG(t, filepath.Join(root, "train", "B", "face1.png"), 32, color.Black)
	if err := os.WriteFile(filepath.Join(root, "train", "pts", "face1.txt"), []byte("16 16\n8 24\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := NewAlignedDataset(Options{
		Root:      root,
		Phase:     "train",
		Dims:      Dims{InputNC: 3, OutputNC: 1, NumPts: 2, FineSize: 16},
		LoadSize:  16,
		Sigma:     1,
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("NewAlignedDataset failed: %v", err)
	}
	if ds.Len() != 1 || !ds.HasTargets() {
		t.Fatalf("Expected one sample with targets, got %d (targets %t)", ds.Len(), ds.HasTargets())
	}
	s, err := ds.Load(0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.A) != 3*256 || len(s.B) != 256 || len(s.Pts) != 2*256 {
		t.Fatalf("Unexpected sample sizes %d/%d/%d", len(s.A), len(s.B), len(s.Pts))
	}
	if s.A[0] < 0.99 || s.B[0] > -0.99 {
		t.Errorf("Expected white A at 1 and black B at -1, got %f and %f", s.A[0], s.B[0])
	}
	// Point (16,16) on a 32px image lands at (8,8) after scaling to 16.
	if s.Pts[8*16+8] != 1 {
		t.Errorf("Expected point map peak at (8, 8), got %f", s.Pts[8*16+8])
	}
	if filepath.Base(s.Path) != "face1.png" || !strings.Contains(s.Path, filepath.Join("train", "B")) {
		t.Errorf("Expected the target path, got %s", s.Path)
	}

	if _, err := NewAlignedDataset(Options{Root: t.TempDir(), Phase: "train"}); err == nil {
		t.Error("Expected error for a missing phase directory")
	}
}
