package networks

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"pts2face/nn"
)

// Network is a module whose weights can be bound into any graph.
type Network interface {
	Params() *nn.Params
	// Describe lists the layers, one line each, for architecture summaries.
	Describe() []string
}

// Generator maps the conditioning tensor to an output image in [-1, 1].
type Generator interface {
	Network
	Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error)
}

// DefineG builds the generator named by which: unet_<size> (size a power of
// two, one downsampling per halving) or resnet_6blocks / resnet_9blocks.
func DefineG(inputNC, outputNC, ngf int, which string, norm nn.NormKind, useDropout bool) (Generator, error) {
	switch {
	case strings.HasPrefix(which, "unet_"):
		size, err := strconv.Atoi(strings.TrimPrefix(which, "unet_"))
		if err != nil || size <= 0 || size&(size-1) != 0 {
			return nil, fmt.Errorf("generator model name [%s] is not recognized", which)
		}
		numDowns := 0
		for s := size; s > 1; s >>= 1 {
			numDowns++
		}
		return NewUnetGenerator(inputNC, outputNC, numDowns, ngf, norm, useDropout)
	case which == "resnet_9blocks":
		return NewResnetGenerator(inputNC, outputNC, ngf, norm, useDropout, 9), nil
	case which == "resnet_6blocks":
		return NewResnetGenerator(inputNC, outputNC, ngf, norm, useDropout, 6), nil
	}
	return nil, fmt.Errorf("generator model name [%s] is not recognized", which)
}

// UnetGenerator is an encoder/decoder with skip connections between mirrored
// levels. With numDowns downsamplings a fineSize of 2^numDowns reaches 1x1 at
// the bottleneck.
type UnetGenerator struct {
	params    *nn.Params
	root      *unetBlock
	numDowns  int
	layerDesc []string
}

type unetBlock struct {
	outermost, innermost bool
	down                 *nn.Conv2d
	downNorm             *nn.Norm
	up                   *nn.UpConv
	upNorm               *nn.Norm
	dropout              *nn.Dropout
	sub                  *unetBlock
}

func NewUnetGenerator(inputNC, outputNC, numDowns, ngf int, norm nn.NormKind, useDropout bool) (*UnetGenerator, error) {
	if numDowns < 5 {
		return nil, errors.Errorf("unet generator needs at least 5 downsamplings, got %d", numDowns)
	}
	g := &UnetGenerator{params: nn.NewParams("G"), numDowns: numDowns}
	useBias := norm == nn.InstanceNorm

	level := 0
	block := func(outer, inner, in int, sub *unetBlock, outermost, innermost, dropout bool) *unetBlock {
		name := fmt.Sprintf("unet.%d", level)
		level++
		if in == 0 {
			in = outer
		}
		b := &unetBlock{outermost: outermost, innermost: innermost, sub: sub}
		b.down = nn.NewConv2d(g.params, name+".down", in, inner, 4, 2, 1, useBias)
		switch {
		case outermost:
			b.up = nn.NewUpConv(g.params, name+".up", inner*2, outer, true)
		case innermost:
			b.up = nn.NewUpConv(g.params, name+".up", inner, outer, useBias)
			b.upNorm = nn.NewNorm(g.params, name+".up_norm", norm, outer)
		default:
			b.downNorm = nn.NewNorm(g.params, name+".down_norm", norm, inner)
			b.up = nn.NewUpConv(g.params, name+".up", inner*2, outer, useBias)
			b.upNorm = nn.NewNorm(g.params, name+".up_norm", norm, outer)
			if dropout {
				b.dropout = &nn.Dropout{Name: name + ".dropout", Prob: 0.5}
			}
		}
		g.layerDesc = append(g.layerDesc, fmt.Sprintf("%s: down %d->%d, up %d->%d, outermost=%t innermost=%t dropout=%t",
			name, in, inner, b.up.Conv.In, outer, outermost, innermost, b.dropout != nil))
		return b
	}

	// Built innermost first, as each block wraps the one below it.
	b := block(ngf*8, ngf*8, 0, nil, false, true, false)
	for i := 0; i < numDowns-5; i++ {
		b = block(ngf*8, ngf*8, 0, b, false, false, useDropout)
	}
	b = block(ngf*4, ngf*8, 0, b, false, false, false)
	b = block(ngf*2, ngf*4, 0, b, false, false, false)
	b = block(ngf, ngf*2, 0, b, false, false, false)
	g.root = block(outputNC, ngf, inputNC, b, true, false, false)
	return g, nil
}

func (g *UnetGenerator) Params() *nn.Params { return g.params }

func (g *UnetGenerator) Describe() []string {
	out := make([]string, len(g.layerDesc))
	// Report outermost first.
	for i, d := range g.layerDesc {
		out[len(out)-1-i] = d
	}
	return out
}

func (g *UnetGenerator) Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	return g.root.forward(b, x)
}

func (u *unetBlock) forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	h := x
	var err error
	if !u.outermost {
		if h, err = gorgonia.LeakyRelu(h, 0.2); err != nil {
			return nil, err
		}
	}
	if h, err = u.down.Forward(b, h); err != nil {
		return nil, err
	}
	if u.downNorm != nil {
		if h, err = u.downNorm.Forward(b, h); err != nil {
			return nil, err
		}
	}
	if u.sub != nil {
		if h, err = u.sub.forward(b, h); err != nil {
			return nil, err
		}
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, err
	}
	if h, err = u.up.Forward(b, h); err != nil {
		return nil, err
	}
	if u.outermost {
		return gorgonia.Tanh(h)
	}
	if h, err = u.upNorm.Forward(b, h); err != nil {
		return nil, err
	}
	if u.dropout != nil {
		if h, err = u.dropout.Forward(b, h); err != nil {
			return nil, err
		}
	}
	return gorgonia.Concat(1, x, h)
}

// ResnetGenerator downsamples twice, runs residual blocks at 1/4 resolution
// and upsamples back.
type ResnetGenerator struct {
	params    *nn.Params
	head      *nn.Conv2d
	headNorm  *nn.Norm
	downs     []*nn.Conv2d
	downNorms []*nn.Norm
	blocks    []*resnetBlock
	ups       []*nn.UpConv
	upNorms   []*nn.Norm
	tail      *nn.Conv2d
	nBlocks   int
}

type resnetBlock struct {
	conv1, conv2 *nn.Conv2d
	norm1, norm2 *nn.Norm
	dropout      *nn.Dropout
}

func NewResnetGenerator(inputNC, outputNC, ngf int, norm nn.NormKind, useDropout bool, nBlocks int) *ResnetGenerator {
	ps := nn.NewParams("G")
	useBias := norm == nn.InstanceNorm
	g := &ResnetGenerator{params: ps, nBlocks: nBlocks}

	g.head = nn.NewConv2d(ps, "head", inputNC, ngf, 7, 1, 3, useBias)
	g.headNorm = nn.NewNorm(ps, "head_norm", norm, ngf)

	const nDownsampling = 2
	for i := 0; i < nDownsampling; i++ {
		mult := 1 << i
		g.downs = append(g.downs, nn.NewConv2d(ps, fmt.Sprintf("down.%d", i), ngf*mult, ngf*mult*2, 3, 2, 1, useBias))
		g.downNorms = append(g.downNorms, nn.NewNorm(ps, fmt.Sprintf("down_norm.%d", i), norm, ngf*mult*2))
	}

	dim := ngf << nDownsampling
	for i := 0; i < nBlocks; i++ {
		name := fmt.Sprintf("block.%d", i)
		rb := &resnetBlock{
			conv1: nn.NewConv2d(ps, name+".conv1", dim, dim, 3, 1, 1, useBias),
			norm1: nn.NewNorm(ps, name+".norm1", norm, dim),
			conv2: nn.NewConv2d(ps, name+".conv2", dim, dim, 3, 1, 1, useBias),
			norm2: nn.NewNorm(ps, name+".norm2", norm, dim),
		}
		if useDropout {
			rb.dropout = &nn.Dropout{Name: name + ".dropout", Prob: 0.5}
		}
		g.blocks = append(g.blocks, rb)
	}

	for i := 0; i < nDownsampling; i++ {
		mult := 1 << (nDownsampling - i)
		g.ups = append(g.ups, nn.NewUpConv(ps, fmt.Sprintf("up.%d", i), ngf*mult, ngf*mult/2, useBias))
		g.upNorms = append(g.upNorms, nn.NewNorm(ps, fmt.Sprintf("up_norm.%d", i), norm, ngf*mult/2))
	}
	g.tail = nn.NewConv2d(ps, "tail", ngf, outputNC, 7, 1, 3, true)
	return g
}

func (g *ResnetGenerator) Params() *nn.Params { return g.params }

func (g *ResnetGenerator) Describe() []string {
	return []string{
		fmt.Sprintf("head: conv7 %d->%d", g.head.In, g.head.Out),
		fmt.Sprintf("downsampling: %d stride-2 convs", len(g.downs)),
		fmt.Sprintf("residual blocks: %d at %d channels", g.nBlocks, g.head.Out<<len(g.downs)),
		fmt.Sprintf("upsampling: %d upconvs", len(g.ups)),
		fmt.Sprintf("tail: conv7 %d->%d, tanh", g.tail.In, g.tail.Out),
	}
}

func (g *ResnetGenerator) Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := convNormRelu(b, x, g.head, g.headNorm)
	if err != nil {
		return nil, err
	}
	for i := range g.downs {
		if h, err = convNormRelu(b, h, g.downs[i], g.downNorms[i]); err != nil {
			return nil, err
		}
	}
	for _, rb := range g.blocks {
		if h, err = rb.forward(b, h); err != nil {
			return nil, err
		}
	}
	for i, up := range g.ups {
		if h, err = up.Forward(b, h); err != nil {
			return nil, err
		}
		if h, err = g.upNorms[i].Forward(b, h); err != nil {
			return nil, err
		}
		if h, err = gorgonia.Rectify(h); err != nil {
			return nil, err
		}
	}
	if h, err = g.tail.Forward(b, h); err != nil {
		return nil, err
	}
	return gorgonia.Tanh(h)
}

func (rb *resnetBlock) forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := convNormRelu(b, x, rb.conv1, rb.norm1)
	if err != nil {
		return nil, err
	}
	if rb.dropout != nil {
		if h, err = rb.dropout.Forward(b, h); err != nil {
			return nil, err
		}
	}
	if h, err = rb.conv2.Forward(b, h); err != nil {
		return nil, err
	}
	if h, err = rb.norm2.Forward(b, h); err != nil {
		return nil, err
	}
	return gorgonia.Add(x, h)
}

func convNormRelu(b *nn.Binding, x *gorgonia.Node, conv *nn.Conv2d, norm *nn.Norm) (*gorgonia.Node, error) {
	h, err := conv.Forward(b, x)
	if err != nil {
		return nil, err
	}
	if h, err = norm.Forward(b, h); err != nil {
		return nil, err
	}
	return gorgonia.Rectify(h)
}
