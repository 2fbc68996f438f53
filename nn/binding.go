package nn

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Binding is a set of parameters materialized as input nodes of one graph.
// Gorgonia graphs are static, so every graph that runs a network gets its own
// Binding; the nodes point at the shared Param values.
type Binding struct {
	Graph  *gorgonia.ExprGraph
	params *Params
	nodes  map[string]*gorgonia.Node
	masks  []*DropoutSite
}

// Bind creates one node per parameter of ps in g.
func (ps *Params) Bind(g *gorgonia.ExprGraph) *Binding {
	b := &Binding{
		Graph:  g,
		params: ps,
		nodes:  make(map[string]*gorgonia.Node, len(ps.list)),
	}
	for _, p := range ps.list {
		shape := p.Value.Shape()
		b.nodes[p.Name] = gorgonia.NewTensor(g, tensor.Float32, shape.Dims(),
			gorgonia.WithShape(shape.Clone()...),
			gorgonia.WithName(p.Name),
			gorgonia.WithValue(p.Value))
	}
	return b
}

// Node returns the graph node of a parameter, by name relative to the set prefix.
func (b *Binding) Node(name string) *gorgonia.Node {
	n, ok := b.nodes[b.params.prefix+"."+name]
	if !ok {
		panic(fmt.Sprintf("nn: parameter %s.%s is not bound", b.params.prefix, name))
	}
	return n
}

// Trainable returns the nodes of the unfrozen parameters, in the same order as
// Params.Trainable.
func (b *Binding) Trainable() gorgonia.Nodes {
	ps := b.params.Trainable()
	out := make(gorgonia.Nodes, 0, len(ps))
	for _, p := range ps {
		out = append(out, b.nodes[p.Name])
	}
	return out
}

// Masks returns the dropout sites instantiated while building this graph.
func (b *Binding) Masks() []*DropoutSite {
	return b.masks
}

// Gradients reads the values of grads (as returned by gorgonia.Grad over
// Trainable) after a run and accumulates them into the parameters.
func (b *Binding) Gradients(grads gorgonia.Nodes) error {
	ps := b.params.Trainable()
	if len(ps) != len(grads) {
		return errors.Errorf("%d gradient nodes for %d trainable params", len(grads), len(ps))
	}
	for i, p := range ps {
		v := grads[i].Value()
		if v == nil {
			return errors.Errorf("no gradient computed for %s", p.Name)
		}
		if err := p.Accumulate(v); err != nil {
			return err
		}
	}
	return nil
}

// Input declares a float32 NCHW (or any rank) input node.
func Input(g *gorgonia.ExprGraph, name string, shape ...int) *gorgonia.Node {
	return gorgonia.NewTensor(g, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(name))
}

// Detach returns a copy of v that shares nothing with the tensor it came from.
// Feeding the copy to an input node gives a frozen view: same data, no path
// back to whatever graph produced v.
func Detach(v tensor.Tensor) *tensor.Dense {
	return v.Clone().(*tensor.Dense)
}
