package data

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// AlignedDataset reads <root>/<phase>/{A,B,pts}. Files are matched by base
// name: A/x.png, B/x.png, pts/x.txt. B may be absent (test phase).
type AlignedDataset struct {
	Dims
	LoadSize  int
	Sigma     float64
	Normalize bool
	Train     bool

	dirA, dirB, dirPts string
	names              []string
	exts               map[string]string
	hasB               bool
}

// Options configures an AlignedDataset.
type Options struct {
	Root, Phase string
	Dims
	LoadSize  int
	Sigma     float64
	Normalize bool
	// Train enables random crops; otherwise crops are centred.
	Train bool
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

func NewAlignedDataset(o Options) (*AlignedDataset, error) {
	dir := filepath.Join(o.Root, o.Phase)
	ds := &AlignedDataset{
		Dims:      o.Dims,
		LoadSize:  max(o.LoadSize, o.FineSize),
		Sigma:     o.Sigma,
		Normalize: o.Normalize,
		Train:     o.Train,
		dirA:      filepath.Join(dir, "A"),
		dirB:      filepath.Join(dir, "B"),
		dirPts:    filepath.Join(dir, "pts"),
		exts:      make(map[string]string),
	}
	entries, err := os.ReadDir(ds.dirA)
	if err != nil {
		return nil, errors.Wrap(err, "list base images")
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !imageExts[ext] {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		ds.names = append(ds.names, name)
		ds.exts[name] = filepath.Ext(e.Name())
	}
	if len(ds.names) == 0 {
		return nil, errors.Errorf("no images found in %s", ds.dirA)
	}
	sort.Strings(ds.names)
	if fi, err := os.Stat(ds.dirB); err == nil && fi.IsDir() {
		ds.hasB = true
	}
	return ds, nil
}

// Len is the number of samples.
func (ds *AlignedDataset) Len() int { return len(ds.names) }

// HasTargets reports whether the phase has B images.
func (ds *AlignedDataset) HasTargets() bool { return ds.hasB }

// Load decodes sample i. rng picks the crop offset in training mode.
func (ds *AlignedDataset) Load(i int, rng *rand.Rand) (*Sample, error) {
	name := ds.names[i]
	ext := ds.exts[name]
	pathA := filepath.Join(ds.dirA, name+ext)
	imgA, err := decode(pathA)
	if err != nil {
		return nil, err
	}

	offX, offY := (ds.LoadSize-ds.FineSize)/2, (ds.LoadSize-ds.FineSize)/2
	if ds.Train && ds.LoadSize > ds.FineSize {
		offX = rng.Intn(ds.LoadSize - ds.FineSize + 1)
		offY = rng.Intn(ds.LoadSize - ds.FineSize + 1)
	}

	s := &Sample{Path: pathA}
	s.A = ds.toCHW(imgA, ds.InputNC, offX, offY)

	if ds.NumPts > 0 {
		pts, err := ReadPointsFile(filepath.Join(ds.dirPts, name+".txt"))
		if err != nil {
			return nil, err
		}
		if len(pts) != ds.NumPts {
			return nil, errors.Errorf("%s: %d landmarks, want %d", name, len(pts), ds.NumPts)
		}
		b := imgA.Bounds()
		pts = Transform(pts, b.Dx(), b.Dy(), ds.LoadSize, offX, offY)
		s.Pts = PointMap(pts, ds.FineSize, ds.Sigma)
	}

	if ds.hasB {
		pathB := filepath.Join(ds.dirB, name+ext)
		imgB, err := decode(pathB)
		if err != nil {
			return nil, err
		}
		s.B = ds.toCHW(imgB, ds.OutputNC, offX, offY)
		s.Path = pathB
	}
	return s, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// toCHW scales img to LoadSize, crops FineSize at the offset and converts it
// to nc channels (1: luma, otherwise RGB) in [0, 1], or [-1, 1] when
// normalizing.
func (ds *AlignedDataset) toCHW(img image.Image, nc, offX, offY int) []float32 {
	scaled := image.NewRGBA(image.Rect(0, 0, ds.LoadSize, ds.LoadSize))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	size := ds.FineSize
	plane := size * size
	out := make([]float32, nc*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := scaled.RGBAAt(x+offX, y+offY)
			if nc == 1 {
				out[y*size+x] = ds.scale(float32(color.GrayModel.Convert(c).(color.Gray).Y))
				continue
			}
			rgb := [3]uint8{c.R, c.G, c.B}
			for ch := 0; ch < nc; ch++ {
				out[ch*plane+y*size+x] = ds.scale(float32(rgb[ch%3]))
			}
		}
	}
	return out
}

func (ds *AlignedDataset) scale(v float32) float32 {
	v /= 255
	if ds.Normalize {
		return v*2 - 1
	}
	return v
}
