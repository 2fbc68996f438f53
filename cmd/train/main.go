// Command train trains a pts2face model.
//
//	train -dataroot ./datasets/faces -name faces -which_model_netG unet_128
//
// Checkpoints, opt.json, loss_log.txt and training visuals go to
// <checkpoints_dir>/<name>.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"pts2face/checkpoint"
	"pts2face/data"
	"pts2face/model"
	"pts2face/options"
	"pts2face/report"
)

func main() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	klog.InitFlags(fs)
	synthetic := fs.Int("synthetic", 0, "train on this many generated samples instead of dataroot")

	cfg := options.Default()
	if err := cfg.Parse(fs, os.Args[1:]); err != nil {
		klog.Exitf("options: %v", err)
	}
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *synthetic); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *options.Config, synthetic int) error {
	cfg.ResolveDevices()
	path, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	klog.Infof("options written to %s", path)

	dims := data.Dims{InputNC: cfg.InputNC, OutputNC: cfg.OutputNC, NumPts: cfg.NumPts, FineSize: cfg.FineSize}
	var src data.Source
	if synthetic > 0 {
		src = data.NewSynthetic(dims, synthetic, true)
	} else {
		ds, err := data.NewAlignedDataset(data.Options{
			Root:      cfg.DataRoot,
			Phase:     cfg.Phase,
			Dims:      dims,
			LoadSize:  cfg.LoadSize,
			Sigma:     cfg.PtsSigma,
			Normalize: cfg.Normalize,
			Train:     true,
		})
		if err != nil {
			return err
		}
		src = ds
	}
	loader := data.NewLoader(src, dims, cfg.BatchSize, !cfg.SerialBatches, cfg.NThreads, cfg.Seed)
	klog.Infof("#training images = %d", loader.Len())

	m, err := model.New(cfg, checkpoint.NewStore(cfg.ExperimentDir()))
	if err != nil {
		return err
	}
	defer m.Close()

	rep, err := report.New(cfg.ExperimentDir())
	if err != nil {
		return err
	}
	defer rep.Close()

	totalSteps := 0
	last := cfg.Niter + cfg.NiterDecay
	for epoch := cfg.EpochCount; epoch <= last; epoch++ {
		epochStart := time.Now()
		epochIter := 0

		err := loader.Epoch(ctx, func(i int, b *data.Batch) error {
			iterStart := time.Now()
			n := b.Size()
			totalSteps += n
			epochIter += n

			if err := m.SetInput(b); err != nil {
				return err
			}
			if err := m.OptimizeParameters(epoch); err != nil {
				return err
			}

			if totalSteps%cfg.DisplayFreq == 0 {
				tiles, err := m.GetCurrentVisuals()
				if err != nil {
					return err
				}
				if _, err := rep.SaveVisuals(epoch, strconv.Itoa(totalSteps), tiles); err != nil {
					return err
				}
			}
			errs := m.GetCurrentErrors(epoch)
			if totalSteps%cfg.PrintFreq == 0 {
				perSample := time.Since(iterStart) / time.Duration(n)
				return rep.PrintErrors(epoch, epochIter, perSample, errs)
			}
			rep.Record(errs)
			return nil
		})
		if err != nil {
			return err
		}

		rep.EndEpoch(epoch)
		if err := m.Save("latest"); err != nil {
			return err
		}
		if epoch%cfg.SaveEpochFreq == 0 {
			klog.Infof("saving the model at the end of epoch %d, iters %d", epoch, totalSteps)
			if err := m.Save(strconv.Itoa(epoch)); err != nil {
				return err
			}
		}
		klog.Infof("End of epoch %d / %d \t Time Taken: %d sec", epoch, last, int(time.Since(epochStart).Seconds()))

		if epoch > cfg.Niter {
			if err := m.UpdateLearningRate(); err != nil {
				return err
			}
		}
	}
	return nil
}
