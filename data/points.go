package data

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Point is a landmark position in pixels.
type Point struct {
	X, Y float64
}

// ReadPoints parses a landmark file: one "x y" pair per line, blank lines and
// lines starting with '#' ignored.
func ReadPoints(r io.Reader) ([]Point, error) {
	var pts []Point
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == ',' })
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: want \"x y\", got %q", line, text)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	return pts, sc.Err()
}

// ReadPointsFile opens and parses a landmark file.
func ReadPointsFile(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pts, err := ReadPoints(f)
	return pts, errors.Wrap(err, path)
}

// PointMap renders one channel per point on a size x size grid. Each channel
// holds a gaussian bump of radius sigma centred on its point, 1 at the peak;
// with sigma <= 0 only the nearest pixel is set. Points outside the grid give
// an empty channel.
func PointMap(pts []Point, size int, sigma float64) []float32 {
	plane := size * size
	out := make([]float32, len(pts)*plane)
	for k, p := range pts {
		ch := out[k*plane : (k+1)*plane]
		if sigma <= 0 {
			x, y := int(math.Round(p.X)), int(math.Round(p.Y))
			if x >= 0 && x < size && y >= 0 && y < size {
				ch[y*size+x] = 1
			}
			continue
		}
		if p.X < -3*sigma || p.Y < -3*sigma || p.X > float64(size)+3*sigma || p.Y > float64(size)+3*sigma {
			continue
		}
		// Only pixels within 3 sigma are worth computing.
		r := int(math.Ceil(3 * sigma))
		x0, x1 := max(int(p.X)-r, 0), min(int(p.X)+r+1, size)
		y0, y1 := max(int(p.Y)-r, 0), min(int(p.Y)+r+1, size)
		inv := 1 / (2 * sigma * sigma)
		for y := y0; y < y1; y++ {
			dy := float64(y) - p.Y
			for x := x0; x < x1; x++ {
				dx := float64(x) - p.X
				ch[y*size+x] = float32(math.Exp(-(dx*dx + dy*dy) * inv))
			}
		}
	}
	return out
}

// Transform maps points from a w x h image into a crop of a scaled image:
// scale to (scaled x scaled), then shift by the crop offset.
func Transform(pts []Point, w, h, scaled, offX, offY int) []Point {
	sx := float64(scaled) / float64(w)
	sy := float64(scaled) / float64(h)
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: p.X*sx - float64(offX), Y: p.Y*sy - float64(offY)}
	}
	return out
}
