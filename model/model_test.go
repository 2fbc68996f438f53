package model

import (
	"testing"

	"gorgonia.org/tensor"

	"pts2face/checkpoint"
	"pts2face/data"
	"pts2face/nn"
	"pts2face/options"
)

func testConfig(t *testing.T) *options.Config {
	t.Helper()
	cfg := options.Default()
	cfg.BatchSize = 1
	cfg.InputNC = 3
	cfg.NumPts = 5
	cfg.OutputNC = 3
	cfg.FineSize = 64
	cfg.LoadSize = 64
	cfg.WhichG = "unet_64"
	cfg.NGF = 2
	cfg.NDF = 2
	cfg.NumClasses = 4
	cfg.EpochF = 10
	cfg.NiterDecay = 4
	cfg.FWeights = ""
	cfg.CheckpointsDir = t.TempDir()
	cfg.Name = "e2e"
	return cfg
}

func dims(cfg *options.Config) data.Dims {
	return data.Dims{InputNC: cfg.InputNC, OutputNC: cfg.OutputNC, NumPts: cfg.NumPts, FineSize: cfg.FineSize}
}

func testBatch(t *testing.T, cfg *options.Config, n int) *data.Batch {
	t.Helper()
	src := data.NewSynthetic(dims(cfg), n, true)
	samples := make([]*data.Sample, n)
	for i := range samples {
		s, err := src.Load(i, nil)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		samples[i] = s
	}
	b, err := data.Assemble(dims(cfg), samples)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return b
}

func newModel(t *testing.T, cfg *options.Config) *Model {
	t.Helper()
	m, err := New(cfg, checkpoint.NewStore(cfg.ExperimentDir()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func snapshot(ps *nn.Params) [][]float32 {
	out := make([][]float32, 0, len(ps.All()))
	for _, p := range ps.All() {
		out = append(out, append([]float32(nil), p.Value.Data().([]float32)...))
	}
	return out
}

func sameValues(before [][]float32, ps *nn.Params) bool {
	for i, p := range ps.All() {
		for j, v := range p.Value.Data().([]float32) {
			if before[i][j] != v {
				return false
			}
		}
	}
	return true
}

func TestSetInputShapes(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2
	m := newModel(t, cfg)

	for _, n := range []int{2, 1, 3} {
		b := testBatch(t, cfg, n)
		if err := m.SetInput(b); err != nil {
			t.Fatalf("SetInput(%d) failed: %v", n, err)
		}
		for _, c := range []struct {
			buf *Buffer
			src *tensor.Dense
		}{{m.inputAPts, b.APts}, {m.inputA, b.A}, {m.inputB, b.B}} {
			if !c.buf.Shape().Eq(c.src.Shape()) {
				t.Errorf("Batch of %d: buffer %s has shape %v, batch %v", n, c.buf.name, c.buf.Shape(), c.src.Shape())
			}
		}
		if got := m.GetImagePaths(); len(got) != n {
			t.Errorf("Expected %d paths, got %d", n, len(got))
		}
	}

	if err := m.SetInput(&data.Batch{APts: testBatch(t, cfg, 1).APts}); err == nil {
		t.Error("Expected error for a training batch without A and B")
	}
	bad := testBatch(t, cfg, 1)
	bad.APts = tensor.New(tensor.WithShape(1, 2, 64, 64), tensor.Of(tensor.Float32))
	if err := m.SetInput(bad); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestBuffer(t *testing.T) {
	if _, err := NewBuffer("x", 1, -3, 4, 4); err == nil {
		t.Error("Expected error for a negative dimension")
	}
	b, err := NewBuffer("x", 2, 1, 2, 2)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	src := tensor.New(tensor.WithShape(3, 1, 2, 2), tensor.WithBacking(make([]float32, 12)))
	src.Data().([]float32)[11] = 7
	if err := b.Stage(src); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if !b.Shape().Eq(tensor.Shape{3, 1, 2, 2}) {
		t.Errorf("Expected (3, 1, 2, 2), got %v", b.Shape())
	}
	if got := b.Tensor().Data().([]float32)[11]; got != 7 {
		t.Errorf("Expected copied value 7, got %f", got)
	}
	src.Data().([]float32)[11] = 8
	if got := b.Tensor().Data().([]float32)[11]; got != 7 {
		t.Error("Expected the buffer to own its data")
	}
}

func TestGetCurrentErrorsGating(t *testing.T) {
	m := newModel(t, testConfig(t))
	for epoch := -2; epoch <= 25; epoch++ {
		errs := m.GetCurrentErrors(epoch)
		want := 4
		if epoch > 10 {
			want = 6
		}
		if len(errs) != want {
			t.Errorf("Epoch %d: expected %d entries, got %d", epoch, want, len(errs))
		}
	}
	names := m.GetCurrentErrors(11).Names()
	order := []string{"G_GAN", "G_L1", "D_real", "D_fake", "F_L1_A", "F_L1_B"}
	for i, n := range order {
		if names[i] != n {
			t.Errorf("Position %d: expected %s, got %s", i, n, names[i])
		}
	}
}

func TestOptimizeParametersEpochGating(t *testing.T) {
	cfg := testConfig(t)
	m := newModel(t, cfg)
	b := testBatch(t, cfg, 1)
	if err := m.SetInput(b); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}

	gBefore := snapshot(m.netG.Params())
	dBefore := snapshot(m.netD.Params())
	fBefore := snapshot(m.netF.Params())

	if err := m.OptimizeParameters(5); err != nil {
		t.Fatalf("OptimizeParameters(5) failed: %v", err)
	}
	l := m.Losses()
	if l.F != nil {
		t.Error("Expected no identity losses at epoch 5")
	}
	if len(m.featGraphs) != 0 {
		t.Error("Expected no feature graph to be built at epoch 5")
	}
	for key := range m.stepGraphs {
		if key.features {
			t.Error("Expected no generator step with identity terms at epoch 5")
		}
	}
	if errs := m.GetCurrentErrors(5); len(errs) != 4 {
		t.Errorf("Expected 4 losses at epoch 5, got %d", len(errs))
	}
	if l.G != l.GGAN+l.GL1 {
		t.Errorf("Expected G = GAN + L1, got %f vs %f", l.G, l.GGAN+l.GL1)
	}
	if l.D != (l.DFake+l.DReal)*0.5 {
		t.Errorf("Expected D = (fake + real) * 0.5, got %f vs %f", l.D, (l.DFake+l.DReal)*0.5)
	}
	if sameValues(gBefore, m.netG.Params()) {
		t.Error("Expected G to change after a step")
	}
	if sameValues(dBefore, m.netD.Params()) {
		t.Error("Expected D to change after a step")
	}

	if err := m.SetInput(b); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	if err := m.OptimizeParameters(15); err != nil {
		t.Fatalf("OptimizeParameters(15) failed: %v", err)
	}
	l = m.Losses()
	if l.F == nil {
		t.Fatal("Expected identity losses at epoch 15")
	}
	errs := m.GetCurrentErrors(15)
	if len(errs) != 6 {
		t.Errorf("Expected 6 losses at epoch 15, got %d", len(errs))
	}
	want := ((l.GGAN + l.GL1) + l.F.A) + l.F.B
	if l.G != want {
		t.Errorf("Expected G = GAN + L1 + F_A + F_B = %v, got %v", want, l.G)
	}
	if v, _ := errs.Get("F_L1_B"); v != l.F.B {
		t.Errorf("Expected reported F_L1_B %f, got %f", l.F.B, v)
	}
	if !sameValues(fBefore, m.netF.Params()) {
		t.Error("Expected F to stay frozen")
	}

	visuals, err := m.GetCurrentVisuals()
	if err != nil {
		t.Fatalf("GetCurrentVisuals failed: %v", err)
	}
	if len(visuals) != 3 || visuals[0].Label != "real_A" || visuals[1].Label != "fake_B" || visuals[2].Label != "real_B" {
		t.Errorf("Unexpected visuals %v", visuals)
	}
}

func TestTestLeavesParametersAlone(t *testing.T) {
	cfg := testConfig(t)
	m := newModel(t, cfg)
	if err := m.SetInput(testBatch(t, cfg, 1)); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	gBefore := snapshot(m.netG.Params())
	dBefore := snapshot(m.netD.Params())
	if err := m.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if !sameValues(gBefore, m.netG.Params()) || !sameValues(dBefore, m.netD.Params()) {
		t.Error("Expected Test to leave G and D unchanged")
	}
	if !m.FakeB().Shape().Eq(tensor.Shape{1, 3, 64, 64}) {
		t.Errorf("Expected fake_B (1, 3, 64, 64), got %v", m.FakeB().Shape())
	}
}

func TestInferenceFromConditioningOnly(t *testing.T) {
	cfg := testConfig(t)
	trained := newModel(t, cfg)
	if err := trained.Save("latest"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	testCfg := *cfg
	testCfg.IsTrain = false
	m := newModel(t, &testCfg)
	if m.netD != nil || m.optG != nil {
		t.Error("Expected no D or optimizers in inference mode")
	}
	// Loaded weights match the saved ones.
	want := snapshot(trained.netG.Params())
	if !sameValues(want, m.netG.Params()) {
		t.Error("Expected G loaded from the latest checkpoint")
	}

	b := testBatch(t, cfg, 2)
	if err := m.SetInput(&data.Batch{APts: b.APts, BPaths: []string{"x.png", "y.png"}}); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	if err := m.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	for i := range m.GetImagePaths() {
		visuals, err := m.GetTestVisuals(i)
		if err != nil {
			t.Fatalf("GetTestVisuals(%d) failed: %v", i, err)
		}
		if len(visuals) != 1 || visuals[0].Label != "fake_B" {
			t.Errorf("Sample %d: expected only fake_B, got %v", i, visuals)
		}
	}
	if _, err := m.GetTestVisuals(2); err == nil {
		t.Error("Expected error for a sample outside the batch")
	}
	if err := m.OptimizeParameters(1); err == nil {
		t.Error("Expected error when optimizing an inference model")
	}
	if err := m.UpdateLearningRate(); err == nil {
		t.Error("Expected error when updating the rate of an inference model")
	}
	if m.LearnRate() != 0 {
		t.Errorf("Expected rate 0 for an inference model, got %g", m.LearnRate())
	}

	missing := *cfg
	missing.IsTrain = false
	missing.WhichEpoch = "7"
	if _, err := New(&missing, checkpoint.NewStore(missing.ExperimentDir())); err == nil {
		t.Error("Expected error for a missing checkpoint")
	}
}

func TestUpdateLearningRate(t *testing.T) {
	cfg := testConfig(t)
	m := newModel(t, cfg)
	step := cfg.LR / float64(cfg.NiterDecay)
	for k := 1; k <= cfg.NiterDecay+2; k++ {
		if err := m.UpdateLearningRate(); err != nil {
			t.Fatalf("UpdateLearningRate failed: %v", err)
		}
		want := cfg.LR - float64(k)*step
		if diff := m.LearnRate() - want; diff > 1e-12 || diff < -1e-12 {
			t.Fatalf("After %d updates: expected %g, got %g", k, want, m.LearnRate())
		}
		if m.optG.LearnRate() != m.LearnRate() || m.optD.LearnRate() != m.LearnRate() {
			t.Fatal("Expected both optimizers to follow the schedule")
		}
	}
	if m.LearnRate() >= 0 {
		t.Errorf("Expected the rate to go negative past niter_decay, got %g", m.LearnRate())
	}
}

func grads(ps *nn.Params) [][]float32 {
	out := make([][]float32, len(ps.All()))
	for i, p := range ps.All() {
		if p.Grad != nil {
			out[i] = append([]float32(nil), p.Grad.Data().([]float32)...)
		}
	}
	return out
}

func anyNonZero(gs [][]float32) bool {
	for _, g := range gs {
		for _, v := range g {
			if v != 0 {
				return true
			}
		}
	}
	return false
}

func TestBackwardStepsAreDetached(t *testing.T) {
	cfg := testConfig(t)
	m := newModel(t, cfg)
	if err := m.SetInput(testBatch(t, cfg, 1)); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	if err := m.Forward(); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	m.netG.Params().ZeroGrad()
	m.netD.Params().ZeroGrad()

	if err := m.backwardD(); err != nil {
		t.Fatalf("backwardD failed: %v", err)
	}
	if anyNonZero(grads(m.netG.Params())) {
		t.Error("Expected the discriminator step to leave G gradients at zero")
	}
	dGrads := grads(m.netD.Params())
	if !anyNonZero(dGrads) {
		t.Fatal("Expected the discriminator step to produce D gradients")
	}

	dValues := snapshot(m.netD.Params())
	if err := m.backwardG(cfg.EpochF + 1); err != nil {
		t.Fatalf("backwardG failed: %v", err)
	}
	if !anyNonZero(grads(m.netG.Params())) {
		t.Error("Expected the generator step to produce G gradients")
	}
	if !sameValues(dValues, m.netD.Params()) {
		t.Error("Expected the generator step to leave D weights unchanged")
	}
	after := grads(m.netD.Params())
	for i := range dGrads {
		for j := range dGrads[i] {
			if after[i][j] != dGrads[i][j] {
				t.Fatalf("D gradient %s changed during the generator step", m.netD.Params().All()[i].Name)
			}
		}
	}
	if anyNonZero(grads(m.netF.Params())) {
		t.Error("Expected no gradients on the frozen F")
	}
}
