package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"pts2face/imageutil"
)

// Loss is one named scalar.
type Loss struct {
	Name  string
	Value float32
}

// Errors is an ordered list of losses.
type Errors []Loss

// Get looks a loss up by name.
func (e Errors) Get(name string) (float32, bool) {
	for _, l := range e {
		if l.Name == name {
			return l.Value, true
		}
	}
	return 0, false
}

// Names lists the loss names in order.
func (e Errors) Names() []string {
	out := make([]string, len(e))
	for i, l := range e {
		out[i] = l.Name
	}
	return out
}

// GetCurrentErrors reports G_GAN, G_L1, D_real and D_fake, followed by
// F_L1_A and F_L1_B when epoch > epoch_F. An identity term the last step did
// not compute is reported as 0.
func (m *Model) GetCurrentErrors(epoch int) Errors {
	e := Errors{
		{"G_GAN", m.losses.GGAN},
		{"G_L1", m.losses.GL1},
		{"D_real", m.losses.DReal},
		{"D_fake", m.losses.DFake},
	}
	if epoch > m.cfg.EpochF {
		var f FeatureLosses
		if m.losses.F != nil {
			f = *m.losses.F
		}
		e = append(e, Loss{"F_L1_A", f.A}, Loss{"F_L1_B", f.B})
	}
	return e
}

// GetCurrentVisuals renders real_A, fake_B and real_B of the first sample.
func (m *Model) GetCurrentVisuals() ([]imageutil.Labeled, error) {
	if m.realA == nil || m.realB == nil {
		return nil, errors.New("visuals: no training step has run")
	}
	return m.visuals(0, []string{"real_A", "fake_B", "real_B"}, []*tensor.Dense{m.realA, m.fakeB, m.realB})
}

// GetTestVisuals renders fake_B of sample i of the last batch.
func (m *Model) GetTestVisuals(i int) ([]imageutil.Labeled, error) {
	return m.visuals(i, []string{"fake_B"}, []*tensor.Dense{m.fakeB})
}

func (m *Model) visuals(sample int, names []string, ts []*tensor.Dense) ([]imageutil.Labeled, error) {
	out := make([]imageutil.Labeled, 0, len(ts))
	for i, t := range ts {
		if t == nil {
			return nil, errors.Errorf("visuals: %s is not available", names[i])
		}
		img, err := imageutil.SampleToImage(t, sample, m.cfg.Normalize)
		if err != nil {
			return nil, errors.Wrap(err, names[i])
		}
		out = append(out, imageutil.Labeled{Label: names[i], Image: img})
	}
	return out, nil
}

// GetImagePaths returns the paths staged by the last SetInput.
func (m *Model) GetImagePaths() []string {
	return append([]string(nil), m.imagePaths...)
}
