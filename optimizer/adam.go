package optimizer

import (
	"fmt"
	"math"

	"pts2face/nn"
)

// Optimizer updates a fixed set of parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	Parameters() []*nn.Param
	LearnRate() float64
	SetLearnRate(lr float64)
}

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns the settings used for both GAN networks apart
// from the learning rate and beta1, which come from the options.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.0002,
		Beta1:        0.5,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam keeps first and second moment estimates per parameter. The learning
// rate can be changed between steps without losing the moments.
type Adam struct {
	config     AdamConfig
	parameters []*nn.Param
	m, v       [][]float64
	step       int
}

func NewAdam(parameters []*nn.Param, config AdamConfig) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("optimizer: created with empty parameters list")
	}
	valid := make([]*nn.Param, 0, len(parameters))
	for _, p := range parameters {
		if p != nil && !p.Frozen {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("optimizer: no trainable parameters provided")
	}
	a := &Adam{config: config, parameters: valid}
	a.m = make([][]float64, len(valid))
	a.v = make([][]float64, len(valid))
	for i, p := range valid {
		a.m[i] = make([]float64, p.Size())
		a.v[i] = make([]float64, p.Size())
	}
	return a, nil
}

// Step applies one bias-corrected Adam update. Parameters without a gradient
// are skipped.
func (a *Adam) Step() error {
	a.step++
	b1, b2 := a.config.Beta1, a.config.Beta2
	c1 := 1 - math.Pow(b1, float64(a.step))
	c2 := 1 - math.Pow(b2, float64(a.step))
	lr := a.config.LearningRate

	for i, p := range a.parameters {
		if p.Grad == nil {
			continue
		}
		w := p.Value.Data().([]float32)
		g := p.Grad.Data().([]float32)
		if len(w) != len(g) {
			return fmt.Errorf("optimizer: gradient size mismatch for %s: grad shape %v, parameter shape %v",
				p.Name, p.Grad.Shape(), p.Value.Shape())
		}
		m, v := a.m[i], a.v[i]
		for j := range w {
			gj := float64(g[j])
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			mhat := m[j] / c1
			vhat := v[j] / c2
			w[j] -= float32(lr * mhat / (math.Sqrt(vhat) + a.config.Epsilon))
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	for _, p := range a.parameters {
		p.ZeroGrad()
	}
}

func (a *Adam) Parameters() []*nn.Param { return a.parameters }

func (a *Adam) LearnRate() float64 { return a.config.LearningRate }

func (a *Adam) SetLearnRate(lr float64) { a.config.LearningRate = lr }

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }
