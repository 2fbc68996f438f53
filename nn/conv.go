package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2d is a square-kernel 2D convolution over NCHW input. Weights use the
// PyTorch layout (out, in, k, k) so pretrained tensors load without transposing.
type Conv2d struct {
	Name                string
	In, Out             int
	Kernel, Stride, Pad int
	Bias                bool
}

// NewConv2d registers the convolution weights in ps. Weights are drawn from
// N(0, 0.02), biases start at zero.
func NewConv2d(ps *Params, name string, in, out, kernel, stride, pad int, bias bool) *Conv2d {
	c := &Conv2d{Name: name, In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad, Bias: bias}
	ps.Add(name+".weight", tensor.Shape{out, in, kernel, kernel}, gorgonia.Gaussian(0, 0.02))
	if bias {
		ps.Add(name+".bias", tensor.Shape{out}, gorgonia.Zeroes())
	}
	return c
}

// Forward applies the convolution.
func (c *Conv2d) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := gorgonia.Conv2d(x, b.Node(c.Name+".weight"),
		tensor.Shape{c.Kernel, c.Kernel},
		[]int{c.Pad, c.Pad},
		[]int{c.Stride, c.Stride},
		[]int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", c.Name)
	}
	if !c.Bias {
		return y, nil
	}
	bias, err := gorgonia.Reshape(b.Node(c.Name+".bias"), tensor.Shape{1, c.Out, 1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s bias", c.Name)
	}
	return gorgonia.BroadcastAdd(y, bias, nil, []byte{0, 2, 3})
}

// OutSize is the spatial size produced for an input of size n.
func (c *Conv2d) OutSize(n int) int {
	return (n+2*c.Pad-c.Kernel)/c.Stride + 1
}

// UpConv doubles the spatial size: nearest upsampling followed by a 3x3
// convolution. Stands in for a stride-2 transposed convolution.
type UpConv struct {
	Conv *Conv2d
}

// NewUpConv registers the convolution behind the upsampling.
func NewUpConv(ps *Params, name string, in, out int, bias bool) *UpConv {
	return &UpConv{Conv: NewConv2d(ps, name, in, out, 3, 1, 1, bias)}
}

// Forward upsamples x by 2 and convolves.
func (u *UpConv) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	up, err := gorgonia.Upsample2D(x, 2)
	if err != nil {
		return nil, errors.Wrapf(err, "%s upsample", u.Conv.Name)
	}
	return u.Conv.Forward(b, up)
}
