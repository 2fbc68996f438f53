package networks

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"pts2face/nn"
)

// LightCNN9 is the 9-layer Light CNN face recognition network. It takes a
// grayscale face and returns class logits together with a 256-d embedding.
// Parameter names follow the published checkpoints (features.N..., fc1, fc2)
// under the "F" prefix.
type LightCNN9 struct {
	params   *nn.Params
	features []featureLayer
	fc1      *nn.MFM
	fc2      *nn.Linear
	flatDim  int
}

// featureLayer is either an MFM conv, a group (1x1 MFM then kxk MFM) or a pool.
type featureLayer struct {
	convA, conv *nn.MFM
	pool        bool
}

// EmbeddingSize is the width of the identity embedding.
const EmbeddingSize = 256

// DefineF builds the feature extractor for square grayscale inputs of side
// imageSize, which must be a multiple of 16 (four 2x2 poolings). Only
// "lightcnn_9" is known.
func DefineF(which string, numClasses, imageSize int) (*LightCNN9, error) {
	if which != "lightcnn_9" {
		return nil, errors.Errorf("feature extractor model name [%s] is not recognized", which)
	}
	if imageSize <= 0 || imageSize%16 != 0 {
		return nil, errors.Errorf("feature extractor needs an image size divisible by 16, got %d", imageSize)
	}
	ps := nn.NewParams("F")
	f := &LightCNN9{params: ps}

	mfm := func(idx, in, out, k, p int) featureLayer {
		return featureLayer{conv: nn.NewConvMFM(ps, fmt.Sprintf("features.%d", idx), in, out, k, 1, p)}
	}
	group := func(idx, in, out int) featureLayer {
		name := fmt.Sprintf("features.%d", idx)
		return featureLayer{
			convA: nn.NewConvMFM(ps, name+".conv_a", in, in, 1, 1, 0),
			conv:  nn.NewConvMFM(ps, name+".conv", in, out, 3, 1, 1),
		}
	}
	pool := featureLayer{pool: true}

	f.features = []featureLayer{
		mfm(0, 1, 48, 5, 2),
		pool,
		group(2, 48, 96),
		pool,
		group(4, 96, 192),
		pool,
		group(6, 192, 128),
		group(7, 128, 128),
		pool,
	}
	side := imageSize / 16
	f.flatDim = side * side * 128
	f.fc1 = nn.NewLinearMFM(ps, "fc1", f.flatDim, EmbeddingSize)
	f.fc2 = nn.NewLinear(ps, "fc2", EmbeddingSize, numClasses)
	return f, nil
}

func (f *LightCNN9) Params() *nn.Params { return f.params }

func (f *LightCNN9) Describe() []string {
	out := make([]string, 0, len(f.features)+2)
	for i, l := range f.features {
		switch {
		case l.pool:
			out = append(out, fmt.Sprintf("features.%d: maxpool 2x2", i))
		case l.convA != nil:
			out = append(out, fmt.Sprintf("features.%d: group mfm1x1 + mfm3x3 -> %d", i, l.conv.Out))
		default:
			out = append(out, fmt.Sprintf("features.%d: mfm -> %d", i, l.conv.Out))
		}
	}
	out = append(out,
		fmt.Sprintf("fc1: mfm %d -> %d", f.flatDim, EmbeddingSize),
		fmt.Sprintf("fc2: linear %d -> %d", EmbeddingSize, f.fc2.Out))
	return out
}

// Forward returns (logits, embedding).
func (f *LightCNN9) Forward(b *nn.Binding, x *gorgonia.Node) (out, feat *gorgonia.Node, err error) {
	if feat, err = f.Features(b, x); err != nil {
		return nil, nil, err
	}
	if out, err = f.fc2.Forward(b, feat); err != nil {
		return nil, nil, err
	}
	return out, feat, nil
}

// Features returns the embedding only. The identity loss needs nothing else,
// so fc2 is left out of the graph.
func (f *LightCNN9) Features(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	h := x
	var err error
	for _, l := range f.features {
		switch {
		case l.pool:
			h, err = gorgonia.MaxPool2D(h, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
		case l.convA != nil:
			if h, err = l.convA.Forward(b, h); err == nil {
				h, err = l.conv.Forward(b, h)
			}
		default:
			h, err = l.conv.Forward(b, h)
		}
		if err != nil {
			return nil, err
		}
	}
	return f.fc1.Forward(b, h)
}
