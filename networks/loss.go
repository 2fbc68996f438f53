package networks

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GANLoss scores a discriminator output against an all-real or all-fake
// label. LSGAN uses the mean squared error; otherwise the output is taken to
// be a probability and scored with binary cross-entropy.
type GANLoss struct {
	LSGAN bool
}

const (
	realLabel = float32(1)
	fakeLabel = float32(0)
)

func (l GANLoss) Loss(pred *gorgonia.Node, targetIsReal bool) (*gorgonia.Node, error) {
	label := fakeLabel
	if targetIsReal {
		label = realLabel
	}
	if l.LSGAN {
		diff, err := gorgonia.Sub(pred, gorgonia.NewConstant(label))
		if err != nil {
			return nil, err
		}
		sq, err := gorgonia.Square(diff)
		if err != nil {
			return nil, err
		}
		return gorgonia.Mean(sq)
	}

	// With a constant label, BCE reduces to -mean(log p) or -mean(log(1-p)).
	p := pred
	if !targetIsReal {
		var err error
		if p, err = gorgonia.Sub(gorgonia.NewConstant(float32(1)), pred); err != nil {
			return nil, err
		}
	}
	logp, err := gorgonia.Log(p)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(logp)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// L1 is the mean absolute difference of two equally shaped nodes.
func L1(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	abs, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(abs)
}

// Scale multiplies a scalar loss by a weight.
func Scale(loss *gorgonia.Node, weight float64) (*gorgonia.Node, error) {
	return gorgonia.Mul(loss, gorgonia.NewConstant(float32(weight)))
}

// Grayscale averages an NCHW image over its channels, keeping a channel axis
// of size 1. Single-channel input is returned as is.
func Grayscale(x *gorgonia.Node) (*gorgonia.Node, error) {
	shp := x.Shape()
	if shp[1] == 1 {
		return x, nil
	}
	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(mean, tensor.Shape{shp[0], 1, shp[2], shp[3]})
}
