package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dropout multiplies its input by an externally supplied mask. The mask is an
// input node of the graph, so a caller replaying the same network in another
// graph can feed the very same mask and get the very same output.
type Dropout struct {
	Name string
	Prob float64
}

// DropoutSite is one instantiation of a Dropout layer inside a graph.
type DropoutSite struct {
	Name  string
	Prob  float64
	Shape tensor.Shape
	Node  *gorgonia.Node
}

func (d *Dropout) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape().Clone()
	mask := Input(b.Graph, b.params.prefix+"."+d.Name+".mask", shape...)
	b.masks = append(b.masks, &DropoutSite{Name: d.Name, Prob: d.Prob, Shape: shape, Node: mask})
	out, err := gorgonia.HadamardProd(x, mask)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", d.Name)
	}
	return out, nil
}

// Masks holds one drawn mask per dropout layer name.
type Masks map[string]*tensor.Dense

// DrawMasks samples inverted-dropout masks for sites: each element is 0 with
// probability Prob, otherwise 1/(1-Prob).
func DrawMasks(rng *rand.Rand, sites []*DropoutSite) Masks {
	masks := make(Masks, len(sites))
	for _, s := range sites {
		data := make([]float32, s.Shape.TotalSize())
		keep := float32(1 / (1 - s.Prob))
		for i := range data {
			if rng.Float64() >= s.Prob {
				data[i] = keep
			}
		}
		masks[s.Name] = tensor.New(tensor.WithShape(s.Shape.Clone()...), tensor.WithBacking(data))
	}
	return masks
}

// Apply lets every site of a binding read its mask.
func (m Masks) Apply(sites []*DropoutSite) error {
	for _, s := range sites {
		mask, ok := m[s.Name]
		if !ok {
			return errors.Errorf("no mask drawn for %s", s.Name)
		}
		if !mask.Shape().Eq(s.Shape) {
			return errors.Errorf("mask %s has shape %v, site wants %v", s.Name, mask.Shape(), s.Shape)
		}
		if err := gorgonia.Let(s.Node, mask); err != nil {
			return errors.Wrapf(err, "let %s", s.Name)
		}
	}
	return nil
}
