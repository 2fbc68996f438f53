package optimizer

import (
	"math"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"pts2face/nn"
)

func scalarParam(t *testing.T, w, g float32) *nn.Param {
	t.Helper()
	ps := nn.NewParams("T")
	p := ps.Add("w", tensor.Shape{1}, gorgonia.Zeroes())
	p.Value.Data().([]float32)[0] = w
	if err := p.Accumulate(tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{g}))); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	return p
}

func TestAdam(t *testing.T) {
	t.Run("first step moves by lr against the gradient", func(t *testing.T) {
		p := scalarParam(t, 1, 0.5)
		opt, err := NewAdam([]*nn.Param{p}, AdamConfig{LearningRate: 0.1, Beta1: 0.5, Beta2: 0.999, Epsilon: 1e-8})
		if err != nil {
			t.Fatalf("NewAdam failed: %v", err)
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		// Bias correction makes the first update lr * g/|g|.
		got := p.Value.Data().([]float32)[0]
		if math.Abs(float64(got-0.9)) > 1e-6 {
			t.Errorf("Expected 0.9, got %f", got)
		}
		if opt.Steps() != 1 {
			t.Errorf("Expected 1 step, got %d", opt.Steps())
		}
	})

	t.Run("constant gradient keeps the step size", func(t *testing.T) {
		p := scalarParam(t, 0, -2)
		opt, err := NewAdam([]*nn.Param{p}, AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
		if err != nil {
			t.Fatalf("NewAdam failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := opt.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}
		got := p.Value.Data().([]float32)[0]
		if math.Abs(float64(got-0.03)) > 1e-5 {
			t.Errorf("Expected 0.03, got %f", got)
		}
	})

	t.Run("learning rate change keeps moments", func(t *testing.T) {
		p := scalarParam(t, 1, 1)
		opt, _ := NewAdam([]*nn.Param{p}, DefaultAdamConfig())
		opt.SetLearnRate(0)
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if got := p.Value.Data().([]float32)[0]; got != 1 {
			t.Errorf("Expected no update with lr 0, got %f", got)
		}
		if opt.LearnRate() != 0 {
			t.Errorf("Expected lr 0, got %f", opt.LearnRate())
		}
	})

	t.Run("frozen parameters are not optimized", func(t *testing.T) {
		p := scalarParam(t, 1, 1)
		p.Frozen = true
		if _, err := NewAdam([]*nn.Param{p}, DefaultAdamConfig()); err == nil {
			t.Error("Expected error for a set with no trainable parameters")
		}
	})

	t.Run("zero grad clears gradients", func(t *testing.T) {
		p := scalarParam(t, 1, 3)
		opt, _ := NewAdam([]*nn.Param{p}, DefaultAdamConfig())
		opt.ZeroGrad()
		if g := p.Grad.Data().([]float32)[0]; g != 0 {
			t.Errorf("Expected zero gradient, got %f", g)
		}
	})
}

func TestLinearDecay(t *testing.T) {
	const r0, n = 0.0002, 100
	s := NewLinearDecay(r0, n)
	for k := 1; k <= 2*n+5; k++ {
		old, lr := s.Next()
		want := r0 - float64(k)*(r0/n)
		if math.Abs(lr-want) > 1e-12 {
			t.Fatalf("After %d calls: expected %g, got %g", k, want, lr)
		}
		if math.Abs((old-lr)-r0/n) > 1e-12 {
			t.Fatalf("Call %d: expected decrement %g, got %g", k, r0/n, old-lr)
		}
		if math.Abs(s.At(k)-want) > 1e-12 {
			t.Fatalf("At(%d): expected %g, got %g", k, want, s.At(k))
		}
	}
	if s.Calls() != 2*n+5 {
		t.Errorf("Expected %d calls, got %d", 2*n+5, s.Calls())
	}
	// No floor: past n calls the rate is negative.
	if s.Current() >= 0 {
		t.Errorf("Expected a negative rate after %d calls, got %g", s.Calls(), s.Current())
	}
	if s.At(0) != r0 {
		t.Errorf("Expected At(0) = %g, got %g", r0, s.At(0))
	}
}
