package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"pts2face/networks"
	"pts2face/nn"
)

// Each graph below is built once per batch size and reused. Weights are bound
// by value, so optimizer updates reach every graph without rebuilding.

// generatorGraph runs G with no gradients. It backs both Forward and Test.
type generatorGraph struct {
	g    *gorgonia.ExprGraph
	bind *nn.Binding
	in   *gorgonia.Node
	out  *gorgonia.Node
	vm   gorgonia.VM
}

func newGeneratorGraph(net networks.Generator, shape tensor.Shape) (*generatorGraph, error) {
	g := gorgonia.NewGraph()
	gg := &generatorGraph{g: g, bind: net.Params().Bind(g)}
	gg.in = nn.Input(g, "real_A_pts", shape...)
	out, err := net.Forward(gg.bind, gg.in)
	if err != nil {
		return nil, errors.Wrap(err, "build generator graph")
	}
	gg.out = out
	gg.vm = gorgonia.NewTapeMachine(g)
	return gg, nil
}

func (gg *generatorGraph) run(cond *tensor.Dense, masks nn.Masks) (*tensor.Dense, error) {
	defer gg.vm.Reset()
	if err := gorgonia.Let(gg.in, cond); err != nil {
		return nil, err
	}
	if err := masks.Apply(gg.bind.Masks()); err != nil {
		return nil, err
	}
	if err := gg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run generator")
	}
	return nn.Detach(gg.out.Value().(tensor.Tensor)), nil
}

// discriminatorGraph scores a pooled fake pair and a real pair, and
// backpropagates lossD = (fake + real) * 0.5 into D.
type discriminatorGraph struct {
	g                        *gorgonia.ExprGraph
	bind                     *nn.Binding
	fake, real               *gorgonia.Node
	lossFake, lossReal, loss *gorgonia.Node
	grads                    gorgonia.Nodes
	vm                       gorgonia.VM
}

func newDiscriminatorGraph(net *networks.NLayerDiscriminator, crit networks.GANLoss, shape tensor.Shape) (*discriminatorGraph, error) {
	g := gorgonia.NewGraph()
	dg := &discriminatorGraph{g: g, bind: net.Params().Bind(g)}
	dg.fake = nn.Input(g, "fake_AB", shape...)
	dg.real = nn.Input(g, "real_AB", shape...)

	predFake, err := net.Forward(dg.bind, dg.fake)
	if err != nil {
		return nil, errors.Wrap(err, "build discriminator graph")
	}
	if dg.lossFake, err = crit.Loss(predFake, false); err != nil {
		return nil, err
	}
	predReal, err := net.Forward(dg.bind, dg.real)
	if err != nil {
		return nil, errors.Wrap(err, "build discriminator graph")
	}
	if dg.lossReal, err = crit.Loss(predReal, true); err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(dg.lossFake, dg.lossReal)
	if err != nil {
		return nil, err
	}
	if dg.loss, err = networks.Scale(sum, 0.5); err != nil {
		return nil, err
	}
	if dg.grads, err = gorgonia.Grad(dg.loss, dg.bind.Trainable()...); err != nil {
		return nil, errors.Wrap(err, "discriminator gradients")
	}
	dg.vm = gorgonia.NewTapeMachine(g)
	return dg, nil
}

type discriminatorLosses struct {
	Fake, Real, Total float32
}

func (dg *discriminatorGraph) run(fake, real *tensor.Dense) (discriminatorLosses, error) {
	var l discriminatorLosses
	defer dg.vm.Reset()
	if err := gorgonia.Let(dg.fake, fake); err != nil {
		return l, err
	}
	if err := gorgonia.Let(dg.real, real); err != nil {
		return l, err
	}
	if err := dg.vm.RunAll(); err != nil {
		return l, errors.Wrap(err, "run discriminator")
	}
	if err := dg.bind.Gradients(dg.grads); err != nil {
		return l, err
	}
	var err error
	if l.Fake, err = scalar(dg.lossFake); err != nil {
		return l, err
	}
	if l.Real, err = scalar(dg.lossReal); err != nil {
		return l, err
	}
	l.Total, err = scalar(dg.loss)
	return l, err
}

// featureGraph computes the identity embeddings of the base and target
// images. Its outputs leave the graph as plain values, so nothing computed
// from them can send gradients back to F or to the images.
type featureGraph struct {
	g            *gorgonia.ExprGraph
	bind         *nn.Binding
	a, b         *gorgonia.Node
	featA, featB *gorgonia.Node
	vm           gorgonia.VM
}

func newFeatureGraph(net *networks.LightCNN9, shapeA, shapeB tensor.Shape) (*featureGraph, error) {
	g := gorgonia.NewGraph()
	fg := &featureGraph{g: g, bind: net.Params().Bind(g)}
	fg.a = nn.Input(g, "real_A", shapeA...)
	fg.b = nn.Input(g, "real_B", shapeB...)

	var err error
	if fg.featA, err = embed(net, fg.bind, fg.a); err != nil {
		return nil, errors.Wrap(err, "build feature graph")
	}
	if fg.featB, err = embed(net, fg.bind, fg.b); err != nil {
		return nil, errors.Wrap(err, "build feature graph")
	}
	fg.vm = gorgonia.NewTapeMachine(g)
	return fg, nil
}

func embed(net *networks.LightCNN9, b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	gray, err := networks.Grayscale(x)
	if err != nil {
		return nil, err
	}
	return net.Features(b, gray)
}

func (fg *featureGraph) run(a, b *tensor.Dense) (featA, featB *tensor.Dense, err error) {
	defer fg.vm.Reset()
	if err := gorgonia.Let(fg.a, a); err != nil {
		return nil, nil, err
	}
	if err := gorgonia.Let(fg.b, b); err != nil {
		return nil, nil, err
	}
	if err := fg.vm.RunAll(); err != nil {
		return nil, nil, errors.Wrap(err, "run feature extractor")
	}
	featA = nn.Detach(fg.featA.Value().(tensor.Tensor))
	featB = nn.Detach(fg.featB.Value().(tensor.Tensor))
	return featA, featB, nil
}

// stepKey selects a generator step graph: one per batch size, with and
// without the identity terms.
type stepKey struct {
	n        int
	features bool
}

// generatorStepGraph replays G on the staged input with the masks of the
// last Forward, so it reproduces fakeB exactly, then builds the generator
// loss and its gradients with respect to G. When features is false no part
// of F is in the graph.
type generatorStepGraph struct {
	g            *gorgonia.ExprGraph
	gBind        *nn.Binding
	cond, realB  *gorgonia.Node
	featA, featB *gorgonia.Node
	gan, l1      *gorgonia.Node
	fA, fB       *gorgonia.Node
	loss         *gorgonia.Node
	grads        gorgonia.Nodes
	vm           gorgonia.VM
}

type stepConfig struct {
	netG     networks.Generator
	netD     *networks.NLayerDiscriminator
	netF     *networks.LightCNN9
	crit     networks.GANLoss
	lambdaA  float64
	lambdaF  float64
	features bool
}

func newGeneratorStepGraph(c stepConfig, condShape, targetShape tensor.Shape) (*generatorStepGraph, error) {
	g := gorgonia.NewGraph()
	sg := &generatorStepGraph{g: g, gBind: c.netG.Params().Bind(g)}
	dBind := c.netD.Params().Bind(g)
	sg.cond = nn.Input(g, "real_A_pts", condShape...)
	sg.realB = nn.Input(g, "real_B", targetShape...)

	fake, err := c.netG.Forward(sg.gBind, sg.cond)
	if err != nil {
		return nil, errors.Wrap(err, "build generator step")
	}
	fakeAB, err := gorgonia.Concat(1, sg.cond, fake)
	if err != nil {
		return nil, err
	}
	pred, err := c.netD.Forward(dBind, fakeAB)
	if err != nil {
		return nil, errors.Wrap(err, "build generator step")
	}
	if sg.gan, err = c.crit.Loss(pred, true); err != nil {
		return nil, err
	}
	l1, err := networks.L1(fake, sg.realB)
	if err != nil {
		return nil, err
	}
	if sg.l1, err = networks.Scale(l1, c.lambdaA); err != nil {
		return nil, err
	}
	if sg.loss, err = gorgonia.Add(sg.gan, sg.l1); err != nil {
		return nil, err
	}

	if c.features {
		fBind := c.netF.Params().Bind(g)
		sg.featA = nn.Input(g, "feat_A", condShape[0], networks.EmbeddingSize)
		sg.featB = nn.Input(g, "feat_B", condShape[0], networks.EmbeddingSize)
		featFake, err := embed(c.netF, fBind, fake)
		if err != nil {
			return nil, errors.Wrap(err, "build generator step")
		}
		if sg.fB, err = weightedL1(featFake, sg.featB, c.lambdaF); err != nil {
			return nil, err
		}
		if sg.fA, err = weightedL1(featFake, sg.featA, c.lambdaF); err != nil {
			return nil, err
		}
		// ((GAN + L1) + F_A) + F_B
		if sg.loss, err = gorgonia.Add(sg.loss, sg.fA); err != nil {
			return nil, err
		}
		if sg.loss, err = gorgonia.Add(sg.loss, sg.fB); err != nil {
			return nil, err
		}
	}

	if sg.grads, err = gorgonia.Grad(sg.loss, sg.gBind.Trainable()...); err != nil {
		return nil, errors.Wrap(err, "generator gradients")
	}
	sg.vm = gorgonia.NewTapeMachine(g)
	return sg, nil
}

func weightedL1(a, b *gorgonia.Node, w float64) (*gorgonia.Node, error) {
	l, err := networks.L1(a, b)
	if err != nil {
		return nil, err
	}
	return networks.Scale(l, w)
}

type generatorLosses struct {
	GAN, L1, Total float32
	F              *FeatureLosses
}

// run feeds the step inputs; featA and featB are ignored when the graph has
// no identity terms.
func (sg *generatorStepGraph) run(cond, realB *tensor.Dense, masks nn.Masks, featA, featB *tensor.Dense) (generatorLosses, error) {
	var l generatorLosses
	defer sg.vm.Reset()
	if err := gorgonia.Let(sg.cond, cond); err != nil {
		return l, err
	}
	if err := gorgonia.Let(sg.realB, realB); err != nil {
		return l, err
	}
	if sg.featA != nil {
		if featA == nil || featB == nil {
			return l, errors.New("generator step: identity targets missing")
		}
		if err := gorgonia.Let(sg.featA, featA); err != nil {
			return l, err
		}
		if err := gorgonia.Let(sg.featB, featB); err != nil {
			return l, err
		}
	}
	if err := masks.Apply(sg.gBind.Masks()); err != nil {
		return l, err
	}
	if err := sg.vm.RunAll(); err != nil {
		return l, errors.Wrap(err, "run generator step")
	}
	if err := sg.gBind.Gradients(sg.grads); err != nil {
		return l, err
	}

	var err error
	if l.GAN, err = scalar(sg.gan); err != nil {
		return l, err
	}
	if l.L1, err = scalar(sg.l1); err != nil {
		return l, err
	}
	if l.Total, err = scalar(sg.loss); err != nil {
		return l, err
	}
	if sg.featA != nil {
		f := &FeatureLosses{}
		if f.A, err = scalar(sg.fA); err != nil {
			return l, err
		}
		if f.B, err = scalar(sg.fB); err != nil {
			return l, err
		}
		l.F = f
	}
	return l, nil
}

// scalar reads a 0-d float32 result after a run.
func scalar(n *gorgonia.Node) (float32, error) {
	v := n.Value()
	if v == nil {
		return 0, errors.Errorf("%s has no value", n.Name())
	}
	switch d := v.Data().(type) {
	case float32:
		return d, nil
	case []float32:
		if len(d) == 1 {
			return d[0], nil
		}
	case float64:
		return float32(d), nil
	}
	return 0, errors.Errorf("%s: expected a scalar, got %v", n.Name(), v.Shape())
}

func closeAll[K comparable, G interface{ close() error }](graphs map[K]G) error {
	var first error
	for k, g := range graphs {
		if err := g.close(); err != nil && first == nil {
			first = err
		}
		delete(graphs, k)
	}
	return first
}

func (gg *generatorGraph) close() error     { return gg.vm.Close() }
func (dg *discriminatorGraph) close() error { return dg.vm.Close() }
func (fg *featureGraph) close() error       { return fg.vm.Close() }
func (sg *generatorStepGraph) close() error { return sg.vm.Close() }
