// Package model is the pts2face GAN: a generator G that draws a face from a
// base image plus a landmark point map, a PatchGAN discriminator D, and a
// frozen LightCNN F whose embeddings add an identity loss once training is
// past epoch_F.
package model

import (
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"pts2face/checkpoint"
	"pts2face/data"
	"pts2face/networks"
	"pts2face/nn"
	"pts2face/optimizer"
	"pts2face/options"
	"pts2face/pool"
)

// FeatureLosses are the identity terms of one generator step.
type FeatureLosses struct {
	A, B float32 // F_L1_A (fake vs base), F_L1_B (fake vs target)
}

// Losses are the scalars of the last OptimizeParameters call. F is nil when
// that step did not compute the identity terms.
type Losses struct {
	GGAN, GL1, G float32
	DReal, DFake float32
	D            float32
	F            *FeatureLosses
}

// Model owns the networks, optimizers, pool, input buffers and per-step
// state. It is not safe for concurrent use.
type Model struct {
	cfg   *options.Config
	store *checkpoint.Store
	rng   *rand.Rand

	netG networks.Generator
	netD *networks.NLayerDiscriminator
	netF *networks.LightCNN9
	crit networks.GANLoss

	optG, optD optimizer.Optimizer
	schedule   *optimizer.LinearDecay
	fakePool   *pool.ImagePool

	inputAPts, inputA, inputB *Buffer
	stagedA, stagedB          bool
	imagePaths                []string

	realAPts, realA, realB *tensor.Dense
	fakeB                  *tensor.Dense
	masks                  nn.Masks
	losses                 Losses

	genGraphs  map[int]*generatorGraph
	dGraphs    map[int]*discriminatorGraph
	featGraphs map[int]*featureGraph
	stepGraphs map[stepKey]*generatorStepGraph
}

// New builds the model for cfg. Training models get D, the optimizers and
// the pool; models that are not training, or that continue training, load
// their weights from store under cfg.WhichEpoch.
func New(cfg *options.Config, store *checkpoint.Store) (*Model, error) {
	m := &Model{
		cfg:        cfg,
		store:      store,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		crit:       networks.GANLoss{LSGAN: !cfg.NoLSGAN},
		genGraphs:  make(map[int]*generatorGraph),
		dGraphs:    make(map[int]*discriminatorGraph),
		featGraphs: make(map[int]*featureGraph),
		stepGraphs: make(map[stepKey]*generatorStepGraph),
	}

	s := cfg.FineSize
	var err error
	if m.inputAPts, err = NewBuffer("input_A_pts", cfg.BatchSize, cfg.InputNC+cfg.NumPts, s, s); err != nil {
		return nil, err
	}
	if m.inputA, err = NewBuffer("input_A", cfg.BatchSize, cfg.InputNC, s, s); err != nil {
		return nil, err
	}
	if m.inputB, err = NewBuffer("input_B", cfg.BatchSize, cfg.OutputNC, s, s); err != nil {
		return nil, err
	}

	norm, err := nn.ParseNorm(cfg.Norm)
	if err != nil {
		return nil, err
	}
	if m.netG, err = networks.DefineG(cfg.InputNC+cfg.NumPts, cfg.OutputNC, cfg.NGF, cfg.WhichG, norm, cfg.UseDropout()); err != nil {
		return nil, err
	}
	if m.netF, err = networks.DefineF(cfg.WhichF, cfg.NumClasses, s); err != nil {
		return nil, err
	}
	if err := m.loadF(); err != nil {
		return nil, err
	}
	m.netF.Params().Freeze()

	if cfg.IsTrain {
		useSigmoid := cfg.NoLSGAN
		if m.netD, err = networks.DefineD(cfg.InputNC+cfg.NumPts+cfg.OutputNC, cfg.NDF, cfg.WhichD, cfg.NLayersD, norm, useSigmoid); err != nil {
			return nil, err
		}
	}

	if !cfg.IsTrain || cfg.ContinueTrain {
		if err := store.Load(m.netG.Params(), "G", cfg.WhichEpoch); err != nil {
			return nil, err
		}
		klog.Infof("loaded net G from %s", store.Path("G", cfg.WhichEpoch))
		if cfg.IsTrain {
			if err := store.Load(m.netD.Params(), "D", cfg.WhichEpoch); err != nil {
				return nil, err
			}
			klog.Infof("loaded net D from %s", store.Path("D", cfg.WhichEpoch))
		}
	}

	if cfg.IsTrain {
		m.fakePool = pool.New(cfg.PoolSize, m.rng)
		adam := optimizer.DefaultAdamConfig()
		adam.LearningRate, adam.Beta1 = cfg.LR, cfg.Beta1
		if m.optG, err = optimizer.NewAdam(m.netG.Params().All(), adam); err != nil {
			return nil, errors.Wrap(err, "optimizer G")
		}
		if m.optD, err = optimizer.NewAdam(m.netD.Params().All(), adam); err != nil {
			return nil, errors.Wrap(err, "optimizer D")
		}
		m.schedule = optimizer.NewLinearDecay(cfg.LR, cfg.NiterDecay)
	}

	klog.Info("---------- Networks initialized -------------")
	networks.PrintNetwork("G", m.netG)
	if m.netD != nil {
		networks.PrintNetwork("D", m.netD)
	}
	networks.PrintNetwork("F", m.netF)
	klog.Info("-----------------------------------------------")
	return m, nil
}

func (m *Model) loadF() error {
	path := m.cfg.FWeights
	if path == "" {
		klog.Info("no pretrained F model found; F_weights is not set")
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		klog.Infof("no pretrained F model found at %s", path)
		return nil
	}
	report, err := checkpoint.LoadPretrained(path, m.netF.Params(), checkpoint.LightCNNRules)
	if err != nil {
		return err
	}
	klog.Infof("loaded pretrained F from %s: %d tensors, %d unexpected, %d mismatched, %d missing",
		path, report.Loaded, len(report.Unexpected), len(report.Mismatched), len(report.Missing))
	return nil
}

// SetInput stages a batch. Training batches must carry A, B and paths.
func (m *Model) SetInput(b *data.Batch) error {
	if b == nil || b.APts == nil {
		return errors.New("set input: batch has no conditioning tensor")
	}
	if m.cfg.IsTrain && (b.A == nil || b.B == nil || len(b.BPaths) == 0) {
		return errors.New("set input: training batch needs A, B and paths")
	}
	n := b.APts.Shape()[0]
	for _, t := range []*tensor.Dense{b.A, b.B} {
		if t != nil && t.Shape()[0] != n {
			return errors.Errorf("set input: batch sizes differ (%d vs %d)", t.Shape()[0], n)
		}
	}
	if err := m.inputAPts.Stage(b.APts); err != nil {
		return err
	}
	m.stagedA, m.stagedB = b.A != nil, b.B != nil
	if m.stagedA {
		if err := m.inputA.Stage(b.A); err != nil {
			return err
		}
	}
	if m.stagedB {
		if err := m.inputB.Stage(b.B); err != nil {
			return err
		}
	}
	m.imagePaths = append(m.imagePaths[:0], b.BPaths...)
	return nil
}

// Forward runs G on the staged conditioning tensor and exposes the staged
// base and target images as the real references of this step.
func (m *Model) Forward() error {
	if err := m.generate(); err != nil {
		return err
	}
	m.realA, m.realB = nil, nil
	if m.stagedA {
		m.realA = m.inputA.Tensor()
	}
	if m.stagedB {
		m.realB = m.inputB.Tensor()
	}
	return nil
}

// Test runs G for inference. Only the conditioning tensor is used and no
// gradients are computed.
func (m *Model) Test() error {
	return m.generate()
}

func (m *Model) generate() error {
	m.realAPts = m.inputAPts.Tensor()
	gg, err := m.generatorGraph(m.realAPts.Shape())
	if err != nil {
		return err
	}
	m.masks = nn.DrawMasks(m.rng, gg.bind.Masks())
	m.fakeB, err = gg.run(m.realAPts, m.masks)
	return err
}

// backwardD accumulates the gradient of the discriminator loss into D.
func (m *Model) backwardD() error {
	// The fake pair reaches D as a value, so this step cannot move G.
	fakeAB, err := concat(m.realAPts, nn.Detach(m.fakeB))
	if err != nil {
		return err
	}
	pooled, err := m.fakePool.Query(fakeAB)
	if err != nil {
		return err
	}
	klog.V(3).Infof("fake pool holds %d/%d pairs", m.fakePool.Len(), m.fakePool.Capacity())
	realAB, err := concat(m.realAPts, m.realB)
	if err != nil {
		return err
	}
	dg, err := m.discriminatorGraph(fakeAB.Shape())
	if err != nil {
		return err
	}
	l, err := dg.run(pooled, realAB)
	if err != nil {
		return err
	}
	m.losses.DFake, m.losses.DReal, m.losses.D = l.Fake, l.Real, l.Total
	return nil
}

// backwardG accumulates the gradient of the generator loss into G. The
// identity terms exist only when epoch > epoch_F.
func (m *Model) backwardG(epoch int) error {
	features := epoch > m.cfg.EpochF
	var featA, featB *tensor.Dense
	if features {
		fg, err := m.featureGraph(m.realA.Shape(), m.realB.Shape())
		if err != nil {
			return err
		}
		if featA, featB, err = fg.run(m.realA, m.realB); err != nil {
			return err
		}
	}
	sg, err := m.stepGraph(stepKey{n: m.realAPts.Shape()[0], features: features})
	if err != nil {
		return err
	}
	l, err := sg.run(m.realAPts, m.realB, m.masks, featA, featB)
	if err != nil {
		return err
	}
	m.losses.GGAN, m.losses.GL1, m.losses.G, m.losses.F = l.GAN, l.L1, l.Total, l.F
	return nil
}

// OptimizeParameters runs one training iteration: forward, one D update,
// then one G update against the already updated D.
func (m *Model) OptimizeParameters(epoch int) error {
	if !m.cfg.IsTrain {
		return errors.New("optimize parameters: model is not training")
	}
	if !m.stagedA || !m.stagedB {
		return errors.New("optimize parameters: no training batch staged")
	}
	if err := m.Forward(); err != nil {
		return err
	}

	m.optD.ZeroGrad()
	if err := m.backwardD(); err != nil {
		return errors.Wrap(err, "backward D")
	}
	if err := m.optD.Step(); err != nil {
		return errors.Wrap(err, "step D")
	}

	m.optG.ZeroGrad()
	if err := m.backwardG(epoch); err != nil {
		return errors.Wrap(err, "backward G")
	}
	if err := m.optG.Step(); err != nil {
		return errors.Wrap(err, "step G")
	}
	return nil
}

// UpdateLearningRate lowers both learning rates by lr/niter_decay.
func (m *Model) UpdateLearningRate() error {
	if m.schedule == nil {
		return errors.New("update learning rate: model is not training")
	}
	old, lr := m.schedule.Next()
	m.optD.SetLearnRate(lr)
	m.optG.SetLearnRate(lr)
	klog.Infof("update learning rate: %f -> %f", old, lr)
	return nil
}

// LearnRate is the current learning rate of both optimizers, or 0 for a
// model that is not training.
func (m *Model) LearnRate() float64 {
	if m.schedule == nil {
		return 0
	}
	return m.schedule.Current()
}

// Losses returns the scalars of the last training iteration.
func (m *Model) Losses() Losses { return m.losses }

// FakeB is the last generated batch.
func (m *Model) FakeB() *tensor.Dense { return m.fakeB }

// Save writes G, and D when training, under label.
func (m *Model) Save(label string) error {
	if err := m.store.Save(m.netG.Params(), "G", label); err != nil {
		return err
	}
	if m.netD != nil {
		return m.store.Save(m.netD.Params(), "D", label)
	}
	return nil
}

// Close releases the graph machines.
func (m *Model) Close() error {
	var first error
	for _, err := range []error{
		closeAll(m.genGraphs),
		closeAll(m.dGraphs),
		closeAll(m.featGraphs),
		closeAll(m.stepGraphs),
	} {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Model) generatorGraph(shape tensor.Shape) (*generatorGraph, error) {
	if gg, ok := m.genGraphs[shape[0]]; ok {
		return gg, nil
	}
	gg, err := newGeneratorGraph(m.netG, shape)
	if err != nil {
		return nil, err
	}
	m.genGraphs[shape[0]] = gg
	return gg, nil
}

func (m *Model) discriminatorGraph(shape tensor.Shape) (*discriminatorGraph, error) {
	if dg, ok := m.dGraphs[shape[0]]; ok {
		return dg, nil
	}
	dg, err := newDiscriminatorGraph(m.netD, m.crit, shape)
	if err != nil {
		return nil, err
	}
	m.dGraphs[shape[0]] = dg
	return dg, nil
}

func (m *Model) featureGraph(shapeA, shapeB tensor.Shape) (*featureGraph, error) {
	if fg, ok := m.featGraphs[shapeA[0]]; ok {
		return fg, nil
	}
	fg, err := newFeatureGraph(m.netF, shapeA, shapeB)
	if err != nil {
		return nil, err
	}
	m.featGraphs[shapeA[0]] = fg
	return fg, nil
}

func (m *Model) stepGraph(key stepKey) (*generatorStepGraph, error) {
	if sg, ok := m.stepGraphs[key]; ok {
		return sg, nil
	}
	klog.V(2).Infof("building generator step graph for batch %d, identity terms %t", key.n, key.features)
	sg, err := newGeneratorStepGraph(stepConfig{
		netG:     m.netG,
		netD:     m.netD,
		netF:     m.netF,
		crit:     m.crit,
		lambdaA:  m.cfg.LambdaA,
		lambdaF:  m.cfg.LambdaF,
		features: key.features,
	}, m.realAPts.Shape(), m.realB.Shape())
	if err != nil {
		return nil, err
	}
	m.stepGraphs[key] = sg
	return sg, nil
}

// concat joins two NCHW batches along the channel axis into a new tensor.
func concat(a, b *tensor.Dense) (*tensor.Dense, error) {
	t, err := tensor.Concat(1, a, b)
	if err != nil {
		return nil, errors.Wrap(err, "concat")
	}
	return t.(*tensor.Dense), nil
}
