package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// MFM is a max-feature-map unit: a convolution (or linear layer) producing 2*Out
// channels followed by an element-wise max of the two halves.
type MFM struct {
	Name   string
	Out    int
	conv   *Conv2d
	linear *Linear
}

// NewConvMFM registers a convolutional MFM; its weights live under name+".filter".
func NewConvMFM(ps *Params, name string, in, out, kernel, stride, pad int) *MFM {
	return &MFM{
		Name: name,
		Out:  out,
		conv: NewConv2d(ps, name+".filter", in, 2*out, kernel, stride, pad, true),
	}
}

// NewLinearMFM registers a fully connected MFM.
func NewLinearMFM(ps *Params, name string, in, out int) *MFM {
	return &MFM{
		Name:   name,
		Out:    out,
		linear: NewLinear(ps, name+".filter", in, 2*out),
	}
}

func (m *MFM) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	var y *gorgonia.Node
	var err error
	if m.conv != nil {
		y, err = m.conv.Forward(b, x)
	} else {
		y, err = m.linear.Forward(b, x)
	}
	if err != nil {
		return nil, err
	}

	lo, err := gorgonia.Slice(y, nil, gorgonia.S(0, m.Out))
	if err != nil {
		return nil, errors.Wrapf(err, "%s split", m.Name)
	}
	hi, err := gorgonia.Slice(y, nil, gorgonia.S(m.Out, 2*m.Out))
	if err != nil {
		return nil, errors.Wrapf(err, "%s split", m.Name)
	}
	return Maximum(lo, hi)
}

// Maximum is the element-wise max of a and b, written as (a+b+|a-b|)/2 so it
// stays differentiable with stock ops.
func Maximum(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	sum, err := gorgonia.Add(a, b)
	if err != nil {
		return nil, err
	}
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	dist, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Add(sum, dist)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(total, gorgonia.NewConstant(float32(0.5)))
}
