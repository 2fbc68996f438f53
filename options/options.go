// Package options holds the experiment configuration shared by the train and
// test drivers.
package options

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"pts2face/nn"
)

// FWeightsEnv names the environment variable consulted when no pretrained
// feature extractor path is given on the command line.
const FWeightsEnv = "PTS2FACE_F_WEIGHTS"

// Config is the full set of options. Field comments give the flag names.
type Config struct {
	// data
	DataRoot      string  // dataroot
	Phase         string  // phase
	BatchSize     int     // batchSize
	LoadSize      int     // loadSize
	FineSize      int     // fineSize
	InputNC       int     // input_nc
	OutputNC      int     // output_nc
	NumPts        int     // num_pts
	PtsSigma      float64 // pts_sigma
	SerialBatches bool    // serial_batches
	NThreads      int     // nThreads
	Normalize     bool    // input_normalize

	// networks
	NGF        int    // ngf
	NDF        int    // ndf
	WhichG     string // which_model_netG
	WhichD     string // which_model_netD
	NLayersD   int    // n_layers_D
	Norm       string // norm
	NoDropout  bool   // no_dropout
	WhichF     string // which_model_netF
	NumClasses int    // num_classes
	FWeights   string // F_weights
	NoLSGAN    bool   // no_lsgan

	// run
	IsTrain        bool
	Name           string // name
	CheckpointsDir string // checkpoints_dir
	ResultsDir     string // results_dir
	ContinueTrain  bool   // continue_train
	WhichEpoch     string // which_epoch
	EpochCount     int    // epoch_count
	GPUIDs         string // gpu_ids
	Seed           int64  // seed
	HowMany        int    // how_many

	// training
	LR            float64 // lr
	Beta1         float64 // beta1
	Niter         int     // niter
	NiterDecay    int     // niter_decay
	LambdaA       float64 // lambda_A
	LambdaF       float64 // lambda_F
	EpochF        int     // epoch_F
	PoolSize      int     // pool_size
	PrintFreq     int     // print_freq
	DisplayFreq   int     // display_freq
	SaveEpochFreq int     // save_epoch_freq
}

// Default returns the defaults of the train driver.
func Default() *Config {
	return &Config{
		DataRoot:       "./datasets/pts2face",
		Phase:          "train",
		BatchSize:      1,
		LoadSize:       128,
		FineSize:       128,
		InputNC:        3,
		OutputNC:       3,
		NumPts:         68,
		PtsSigma:       1.5,
		NThreads:       4,
		Normalize:      true,
		NGF:            64,
		NDF:            64,
		WhichG:         "unet_128",
		WhichD:         "basic",
		NLayersD:       3,
		Norm:           "batch",
		WhichF:         "lightcnn_9",
		NumClasses:     79077,
		IsTrain:        true,
		Name:           "pts2face",
		CheckpointsDir: "./checkpoints",
		ResultsDir:     "./results",
		WhichEpoch:     "latest",
		EpochCount:     1,
		GPUIDs:         "0",
		Seed:           1,
		HowMany:        50,
		LR:             0.0002,
		Beta1:          0.5,
		Niter:          100,
		NiterDecay:     100,
		LambdaA:        100,
		LambdaF:        1,
		EpochF:         10,
		PoolSize:       50,
		PrintFreq:      100,
		DisplayFreq:    100,
		SaveEpochFreq:  5,
	}
}

// DefaultTest returns the defaults of the test driver.
func DefaultTest() *Config {
	c := Default()
	c.IsTrain = false
	c.Phase = "test"
	c.SerialBatches = true
	c.BatchSize = 1
	c.NThreads = 1
	return c
}

// RegisterFlags binds every option to fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataRoot, "dataroot", c.DataRoot, "path to images (should have subfolders <phase>/A, <phase>/B, <phase>/pts)")
	fs.StringVar(&c.Phase, "phase", c.Phase, "train, val, test, etc")
	fs.IntVar(&c.BatchSize, "batchSize", c.BatchSize, "input batch size")
	fs.IntVar(&c.LoadSize, "loadSize", c.LoadSize, "scale images to this size")
	fs.IntVar(&c.FineSize, "fineSize", c.FineSize, "then crop to this size")
	fs.IntVar(&c.InputNC, "input_nc", c.InputNC, "# of input image channels")
	fs.IntVar(&c.OutputNC, "output_nc", c.OutputNC, "# of output image channels")
	fs.IntVar(&c.NumPts, "num_pts", c.NumPts, "# of landmark points, one point-map channel each")
	fs.Float64Var(&c.PtsSigma, "pts_sigma", c.PtsSigma, "gaussian radius of a landmark in the point map, in pixels")
	fs.BoolVar(&c.SerialBatches, "serial_batches", c.SerialBatches, "if true, takes images in order to make batches, otherwise takes them randomly")
	fs.IntVar(&c.NThreads, "nThreads", c.NThreads, "# threads for loading data")
	fs.BoolVar(&c.Normalize, "input_normalize", c.Normalize, "scale images to [-1, 1] instead of [0, 1]")

	fs.IntVar(&c.NGF, "ngf", c.NGF, "# of gen filters in first conv layer")
	fs.IntVar(&c.NDF, "ndf", c.NDF, "# of discrim filters in first conv layer")
	fs.StringVar(&c.WhichG, "which_model_netG", c.WhichG, "selects model to use for netG (unet_<size>, resnet_6blocks, resnet_9blocks)")
	fs.StringVar(&c.WhichD, "which_model_netD", c.WhichD, "selects model to use for netD (basic, n_layers)")
	fs.IntVar(&c.NLayersD, "n_layers_D", c.NLayersD, "only used if which_model_netD==n_layers")
	fs.StringVar(&c.Norm, "norm", c.Norm, "instance normalization or batch normalization")
	fs.BoolVar(&c.NoDropout, "no_dropout", c.NoDropout, "no dropout for the generator")
	fs.StringVar(&c.WhichF, "which_model_netF", c.WhichF, "selects the identity feature extractor (lightcnn_9)")
	fs.IntVar(&c.NumClasses, "num_classes", c.NumClasses, "# of identities of the feature extractor classification head")
	fs.StringVar(&c.FWeights, "F_weights", c.FWeights, "pretrained feature extractor checkpoint (env "+FWeightsEnv+")")
	fs.BoolVar(&c.NoLSGAN, "no_lsgan", c.NoLSGAN, "do *not* use least square GAN, if true, use vanilla GAN")

	fs.StringVar(&c.Name, "name", c.Name, "name of the experiment. It decides where to store samples and models")
	fs.StringVar(&c.CheckpointsDir, "checkpoints_dir", c.CheckpointsDir, "models are saved here")
	fs.StringVar(&c.ResultsDir, "results_dir", c.ResultsDir, "saves results here")
	fs.StringVar(&c.WhichEpoch, "which_epoch", c.WhichEpoch, "which epoch to load? set to latest to use latest cached model")
	fs.StringVar(&c.GPUIDs, "gpu_ids", c.GPUIDs, "gpu ids: e.g. 0  0,1,2, 0,2. use -1 for CPU")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed for weights, dropout, pool and shuffling")

	if c.IsTrain {
		fs.BoolVar(&c.ContinueTrain, "continue_train", c.ContinueTrain, "continue training: load the latest model")
		fs.IntVar(&c.EpochCount, "epoch_count", c.EpochCount, "the starting epoch count")
		fs.Float64Var(&c.LR, "lr", c.LR, "initial learning rate for adam")
		fs.Float64Var(&c.Beta1, "beta1", c.Beta1, "momentum term of adam")
		fs.IntVar(&c.Niter, "niter", c.Niter, "# of iter at starting learning rate")
		fs.IntVar(&c.NiterDecay, "niter_decay", c.NiterDecay, "# of iter to linearly decay learning rate to zero")
		fs.Float64Var(&c.LambdaA, "lambda_A", c.LambdaA, "weight for the L1 reconstruction loss")
		fs.Float64Var(&c.LambdaF, "lambda_F", c.LambdaF, "weight for the identity feature losses")
		fs.IntVar(&c.EpochF, "epoch_F", c.EpochF, "identity feature losses are used after this epoch")
		fs.IntVar(&c.PoolSize, "pool_size", c.PoolSize, "the size of image buffer that stores previously generated images")
		fs.IntVar(&c.PrintFreq, "print_freq", c.PrintFreq, "frequency of showing training results on console")
		fs.IntVar(&c.DisplayFreq, "display_freq", c.DisplayFreq, "frequency of saving training visuals")
		fs.IntVar(&c.SaveEpochFreq, "save_epoch_freq", c.SaveEpochFreq, "frequency of saving checkpoints at the end of epochs")
	} else {
		fs.IntVar(&c.HowMany, "how_many", c.HowMany, "how many test images to run")
	}
}

// Parse registers the flags on fs, parses args, applies the environment
// fallback and validates.
func (c *Config) Parse(fs *flag.FlagSet, args []string) error {
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.FWeights == "" {
		c.FWeights = os.Getenv(FWeightsEnv)
	}
	return c.Validate()
}

// Validate rejects configurations the networks cannot be built from.
func (c *Config) Validate() error {
	for _, dim := range []struct {
		name string
		v    int
	}{
		{"batchSize", c.BatchSize},
		{"fineSize", c.FineSize},
		{"input_nc", c.InputNC},
		{"output_nc", c.OutputNC},
		{"ngf", c.NGF},
		{"ndf", c.NDF},
		{"num_classes", c.NumClasses},
	} {
		if dim.v <= 0 {
			return errors.Errorf("%s must be positive, got %d", dim.name, dim.v)
		}
	}
	if c.NumPts < 0 {
		return errors.Errorf("num_pts must not be negative, got %d", c.NumPts)
	}
	if c.LoadSize < c.FineSize {
		c.LoadSize = c.FineSize
	}
	if _, err := nn.ParseNorm(c.Norm); err != nil {
		return err
	}
	if _, err := c.Devices(); err != nil {
		return err
	}
	if c.IsTrain {
		if c.NiterDecay <= 0 {
			return errors.Errorf("niter_decay must be positive, got %d", c.NiterDecay)
		}
		if c.PoolSize < 0 {
			return errors.Errorf("pool_size must not be negative, got %d", c.PoolSize)
		}
		if c.PrintFreq <= 0 || c.DisplayFreq <= 0 || c.SaveEpochFreq <= 0 {
			return errors.Errorf("print_freq, display_freq and save_epoch_freq must be positive")
		}
	}
	return nil
}

// UseDropout reports whether the generator has dropout layers.
func (c *Config) UseDropout() bool { return !c.NoDropout }

// Devices parses gpu_ids. "-1" or an empty string means CPU.
func (c *Config) Devices() ([]int, error) {
	var ids []int
	for _, s := range strings.Split(c.GPUIDs, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad gpu id %q: %v", s, err)
		}
		if id >= 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ExperimentDir is the checkpoint directory of this experiment.
func (c *Config) ExperimentDir() string {
	return filepath.Join(c.CheckpointsDir, c.Name)
}
