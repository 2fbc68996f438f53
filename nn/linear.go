package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear is a fully connected layer. The weight is stored (out, in) like the
// PyTorch checkpoints it may be loaded from.
type Linear struct {
	Name    string
	In, Out int
}

func NewLinear(ps *Params, name string, in, out int) *Linear {
	ps.Add(name+".weight", tensor.Shape{out, in}, gorgonia.GlorotU(1.0))
	ps.Add(name+".bias", tensor.Shape{out}, gorgonia.Zeroes())
	return &Linear{Name: name, In: in, Out: out}
}

// Forward flattens everything but the batch axis and projects it.
func (l *Linear) Forward(b *Binding, input *gorgonia.Node) (*gorgonia.Node, error) {
	batch := input.Shape()[0]
	flat := input
	if input.Dims() != 2 {
		var err error
		if flat, err = gorgonia.Reshape(input, tensor.Shape{batch, l.In}); err != nil {
			return nil, errors.Wrapf(err, "%s flatten", l.Name)
		}
	}

	w, err := gorgonia.Transpose(b.Node(l.Name + ".weight"))
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.Mul(flat, w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", l.Name)
	}

	// Bias (1, Out) broadcast over the batch.
	bias, err := gorgonia.Reshape(b.Node(l.Name+".bias"), tensor.Shape{1, l.Out})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, bias, nil, []byte{0})
}
