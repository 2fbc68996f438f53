// Command test runs a trained pts2face generator over a dataset phase and
// writes the generated faces to <results_dir>/<name>/<phase>_<which_epoch>.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pts2face/checkpoint"
	"pts2face/data"
	"pts2face/model"
	"pts2face/options"
	"pts2face/report"
)

var errDone = errors.New("done")

func main() {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	klog.InitFlags(fs)

	cfg := options.DefaultTest()
	if err := cfg.Parse(fs, os.Args[1:]); err != nil {
		klog.Exitf("options: %v", err)
	}
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *options.Config) error {
	cfg.ResolveDevices()
	dims := data.Dims{InputNC: cfg.InputNC, OutputNC: cfg.OutputNC, NumPts: cfg.NumPts, FineSize: cfg.FineSize}
	ds, err := data.NewAlignedDataset(data.Options{
		Root:      cfg.DataRoot,
		Phase:     cfg.Phase,
		Dims:      dims,
		LoadSize:  cfg.LoadSize,
		Sigma:     cfg.PtsSigma,
		Normalize: cfg.Normalize,
	})
	if err != nil {
		return err
	}
	loader := data.NewLoader(ds, dims, cfg.BatchSize, !cfg.SerialBatches, cfg.NThreads, cfg.Seed)

	m, err := model.New(cfg, checkpoint.NewStore(cfg.ExperimentDir()))
	if err != nil {
		return err
	}
	defer m.Close()

	dir := filepath.Join(cfg.ResultsDir, cfg.Name, fmt.Sprintf("%s_%s", cfg.Phase, cfg.WhichEpoch), "images")
	done := 0
	err = loader.Epoch(ctx, func(_ int, b *data.Batch) error {
		if done >= cfg.HowMany {
			return errDone
		}
		if err := m.SetInput(b); err != nil {
			return err
		}
		if err := m.Test(); err != nil {
			return err
		}
		for i, path := range m.GetImagePaths() {
			if done >= cfg.HowMany {
				return errDone
			}
			tiles, err := m.GetTestVisuals(i)
			if err != nil {
				return err
			}
			klog.Infof("processing image... %s", path)
			if err := report.SaveResults(dir, path, tiles); err != nil {
				return err
			}
			done++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return err
	}
	klog.Infof("wrote %d results to %s", done, dir)
	return nil
}
