package nn

import (
	"fmt"
	"sort"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is a weight tensor owned by one network. Its Value is shared by every
// graph the network is bound into, so an in-place optimizer update is visible
// to all of them on the next run.
type Param struct {
	Name   string
	Value  *tensor.Dense
	Grad   *tensor.Dense
	Frozen bool
}

// Size returns the number of scalars held by the parameter.
func (p *Param) Size() int {
	return p.Value.Shape().TotalSize()
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	data := p.Grad.Data().([]float32)
	for i := range data {
		data[i] = 0
	}
}

// Accumulate adds g to the parameter gradient.
func (p *Param) Accumulate(g gorgonia.Value) error {
	src, ok := g.Data().([]float32)
	if !ok {
		return fmt.Errorf("param %s: unsupported gradient type %T", p.Name, g.Data())
	}
	if p.Grad == nil {
		p.Grad = tensor.New(tensor.WithShape(p.Value.Shape().Clone()...), tensor.Of(tensor.Float32))
	}
	dst := p.Grad.Data().([]float32)
	if len(src) != len(dst) {
		return fmt.Errorf("param %s: gradient has %d elements, want %d", p.Name, len(src), len(dst))
	}
	for i, v := range src {
		dst[i] += v
	}
	return nil
}

// Params is an ordered set of named parameters.
type Params struct {
	prefix string
	list   []*Param
	byName map[string]*Param
}

// NewParams returns an empty set whose parameter names all start with prefix.
func NewParams(prefix string) *Params {
	return &Params{
		prefix: prefix,
		byName: make(map[string]*Param),
	}
}

// Add registers a new parameter initialized by init. Names are relative to the
// set prefix.
func (ps *Params) Add(name string, shape tensor.Shape, init gorgonia.InitWFn) *Param {
	full := ps.prefix + "." + name
	if _, ok := ps.byName[full]; ok {
		panic(fmt.Sprintf("nn: duplicate parameter %s", full))
	}
	backing := init(tensor.Float32, shape...)
	p := &Param{
		Name:  full,
		Value: tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(backing)),
	}
	ps.list = append(ps.list, p)
	ps.byName[full] = p
	return p
}

// Get looks up a parameter by its full name.
func (ps *Params) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// All returns the parameters in registration order.
func (ps *Params) All() []*Param {
	return ps.list
}

// Trainable returns the parameters that are not frozen.
func (ps *Params) Trainable() []*Param {
	out := make([]*Param, 0, len(ps.list))
	for _, p := range ps.list {
		if !p.Frozen {
			out = append(out, p)
		}
	}
	return out
}

// Freeze locks every parameter of the set.
func (ps *Params) Freeze() {
	for _, p := range ps.list {
		p.Frozen = true
	}
}

// Count is the total number of scalars across the set.
func (ps *Params) Count() int {
	n := 0
	for _, p := range ps.list {
		n += p.Size()
	}
	return n
}

// Names returns the sorted full names.
func (ps *Params) Names() []string {
	names := make([]string, 0, len(ps.list))
	for _, p := range ps.list {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// ZeroGrad clears the gradients of every parameter.
func (ps *Params) ZeroGrad() {
	for _, p := range ps.list {
		p.ZeroGrad()
	}
}
