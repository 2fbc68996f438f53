package networks

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"pts2face/nn"
)

// NLayerDiscriminator is a PatchGAN: it scores overlapping patches of the
// (conditioning, candidate) pair and returns a map of scores, not a scalar.
type NLayerDiscriminator struct {
	params     *nn.Params
	convs      []*nn.Conv2d
	norms      []*nn.Norm // nil entry where a conv has no norm
	useSigmoid bool
}

// DefineD builds the discriminator named by which: "basic" (3 layers) or
// "n_layers" (nLayers layers).
func DefineD(inputNC, ndf int, which string, nLayers int, norm nn.NormKind, useSigmoid bool) (*NLayerDiscriminator, error) {
	switch which {
	case "basic":
		return NewNLayerDiscriminator(inputNC, ndf, 3, norm, useSigmoid)
	case "n_layers":
		return NewNLayerDiscriminator(inputNC, ndf, nLayers, norm, useSigmoid)
	}
	return nil, fmt.Errorf("discriminator model name [%s] is not recognized", which)
}

func NewNLayerDiscriminator(inputNC, ndf, nLayers int, norm nn.NormKind, useSigmoid bool) (*NLayerDiscriminator, error) {
	if nLayers < 1 {
		return nil, errors.Errorf("discriminator needs at least one layer, got %d", nLayers)
	}
	ps := nn.NewParams("D")
	useBias := norm == nn.InstanceNorm
	d := &NLayerDiscriminator{params: ps, useSigmoid: useSigmoid}

	d.add(nn.NewConv2d(ps, "model.0", inputNC, ndf, 4, 2, 1, true), nil)
	mult, prev := 1, 1
	for n := 1; n < nLayers; n++ {
		prev, mult = mult, min(1<<n, 8)
		name := fmt.Sprintf("model.%d", n)
		d.add(nn.NewConv2d(ps, name, ndf*prev, ndf*mult, 4, 2, 1, useBias),
			nn.NewNorm(ps, name+".norm", norm, ndf*mult))
	}
	prev, mult = mult, min(1<<nLayers, 8)
	name := fmt.Sprintf("model.%d", nLayers)
	d.add(nn.NewConv2d(ps, name, ndf*prev, ndf*mult, 4, 1, 1, useBias),
		nn.NewNorm(ps, name+".norm", norm, ndf*mult))
	d.add(nn.NewConv2d(ps, fmt.Sprintf("model.%d", nLayers+1), ndf*mult, 1, 4, 1, 1, true), nil)
	return d, nil
}

func (d *NLayerDiscriminator) add(c *nn.Conv2d, n *nn.Norm) {
	d.convs = append(d.convs, c)
	d.norms = append(d.norms, n)
}

func (d *NLayerDiscriminator) Params() *nn.Params { return d.params }

func (d *NLayerDiscriminator) Describe() []string {
	out := make([]string, 0, len(d.convs)+1)
	for i, c := range d.convs {
		out = append(out, fmt.Sprintf("%s: conv%d/%d %d->%d norm=%t", c.Name, c.Kernel, c.Stride, c.In, c.Out, d.norms[i] != nil))
	}
	if d.useSigmoid {
		out = append(out, "sigmoid")
	}
	return out
}

// OutSize is the side of the patch score map for a square input of side n.
func (d *NLayerDiscriminator) OutSize(n int) int {
	for _, c := range d.convs {
		n = c.OutSize(n)
	}
	return n
}

func (d *NLayerDiscriminator) Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	h := x
	var err error
	last := len(d.convs) - 1
	for i, c := range d.convs {
		if h, err = c.Forward(b, h); err != nil {
			return nil, err
		}
		if i == last {
			break
		}
		if d.norms[i] != nil {
			if h, err = d.norms[i].Forward(b, h); err != nil {
				return nil, err
			}
		}
		if h, err = gorgonia.LeakyRelu(h, 0.2); err != nil {
			return nil, err
		}
	}
	if d.useSigmoid {
		return gorgonia.Sigmoid(h)
	}
	return h, nil
}
