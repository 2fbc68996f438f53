package nn

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NormKind selects the normalization layer used by G and D.
type NormKind string

const (
	BatchNorm    NormKind = "batch"
	InstanceNorm NormKind = "instance"
)

// ParseNorm validates a normalization selector.
func ParseNorm(s string) (NormKind, error) {
	switch NormKind(s) {
	case BatchNorm, InstanceNorm:
		return NormKind(s), nil
	}
	return "", fmt.Errorf("normalization layer [%s] is not found", s)
}

// Norm normalizes NCHW activations with the statistics of the current batch:
// over (N, H, W) per channel for batch norm, over (H, W) per sample and
// channel for instance norm.
type Norm struct {
	Name     string
	Kind     NormKind
	Channels int
	Affine   bool
	Eps      float32
}

// NewNorm registers the affine scale (N(1, 0.02)) and shift (zero) when the
// kind carries them. Instance norm is not affine.
func NewNorm(ps *Params, name string, kind NormKind, channels int) *Norm {
	n := &Norm{Name: name, Kind: kind, Channels: channels, Affine: kind == BatchNorm, Eps: 1e-5}
	if n.Affine {
		ps.Add(name+".weight", tensor.Shape{channels}, gorgonia.Gaussian(1, 0.02))
		ps.Add(name+".bias", tensor.Shape{channels}, gorgonia.Zeroes())
	}
	return n
}

func (n *Norm) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	shp := x.Shape()
	if len(shp) != 4 {
		return nil, errors.Errorf("%s: expected NCHW input, got %v", n.Name, shp)
	}

	var axes []int
	var statShape tensor.Shape
	switch n.Kind {
	case BatchNorm:
		axes = []int{0, 2, 3}
		statShape = tensor.Shape{1, shp[1], 1, 1}
	default:
		axes = []int{2, 3}
		statShape = tensor.Shape{shp[0], shp[1], 1, 1}
	}
	pattern := make([]byte, len(axes))
	for i, a := range axes {
		pattern[i] = byte(a)
	}

	mean, err := gorgonia.Mean(x, axes...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s mean", n.Name)
	}
	if mean, err = gorgonia.Reshape(mean, statShape); err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "%s center", n.Name)
	}

	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, axes...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s variance", n.Name)
	}
	if variance, err = gorgonia.Reshape(variance, statShape); err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Add(variance, gorgonia.NewConstant(n.Eps)); err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(variance)
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "%s scale", n.Name)
	}
	if !n.Affine {
		return out, nil
	}

	channelShape := tensor.Shape{1, n.Channels, 1, 1}
	gamma, err := gorgonia.Reshape(b.Node(n.Name+".weight"), channelShape)
	if err != nil {
		return nil, err
	}
	beta, err := gorgonia.Reshape(b.Node(n.Name+".bias"), channelShape)
	if err != nil {
		return nil, err
	}
	if out, err = gorgonia.BroadcastHadamardProd(out, gamma, nil, []byte{0, 2, 3}); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, beta, nil, []byte{0, 2, 3})
}
