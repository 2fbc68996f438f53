package options

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Map flattens the configuration into flag name -> value.
func (c *Config) Map() map[string]interface{} {
	m := map[string]interface{}{
		"dataroot":         c.DataRoot,
		"phase":            c.Phase,
		"batchSize":        c.BatchSize,
		"loadSize":         c.LoadSize,
		"fineSize":         c.FineSize,
		"input_nc":         c.InputNC,
		"output_nc":        c.OutputNC,
		"num_pts":          c.NumPts,
		"pts_sigma":        c.PtsSigma,
		"serial_batches":   c.SerialBatches,
		"nThreads":         c.NThreads,
		"input_normalize":  c.Normalize,
		"ngf":              c.NGF,
		"ndf":              c.NDF,
		"which_model_netG": c.WhichG,
		"which_model_netD": c.WhichD,
		"which_model_netF": c.WhichF,
		"n_layers_D":       c.NLayersD,
		"norm":             c.Norm,
		"no_dropout":       c.NoDropout,
		"num_classes":      c.NumClasses,
		"F_weights":        c.FWeights,
		"no_lsgan":         c.NoLSGAN,
		"isTrain":          c.IsTrain,
		"name":             c.Name,
		"checkpoints_dir":  c.CheckpointsDir,
		"which_epoch":      c.WhichEpoch,
		"gpu_ids":          c.GPUIDs,
		"seed":             c.Seed,
	}
	if c.IsTrain {
		m["continue_train"] = c.ContinueTrain
		m["epoch_count"] = c.EpochCount
		m["lr"] = c.LR
		m["beta1"] = c.Beta1
		m["niter"] = c.Niter
		m["niter_decay"] = c.NiterDecay
		m["lambda_A"] = c.LambdaA
		m["lambda_F"] = c.LambdaF
		m["epoch_F"] = c.EpochF
		m["pool_size"] = c.PoolSize
		m["print_freq"] = c.PrintFreq
		m["display_freq"] = c.DisplayFreq
		m["save_epoch_freq"] = c.SaveEpochFreq
	} else {
		m["results_dir"] = c.ResultsDir
		m["how_many"] = c.HowMany
	}
	return m
}

// Snapshot writes the options as JSON to <checkpoints_dir>/<name>/opt.json
// and returns the file path.
func (c *Config) Snapshot() (string, error) {
	st, err := structpb.NewStruct(c.Map())
	if err != nil {
		return "", errors.Wrap(err, "encode options")
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return "", errors.Wrap(err, "marshal options")
	}

	dir := c.ExperimentDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create experiment dir")
	}
	path := filepath.Join(dir, "opt.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}
