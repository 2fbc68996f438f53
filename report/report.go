// Package report prints and logs training losses and writes visuals.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"pts2face/imageutil"
	"pts2face/model"
)

// Reporter appends loss lines to <dir>/loss_log.txt and keeps the losses of
// the running epoch for a summary at its end.
type Reporter struct {
	dir   string
	log   *os.File
	epoch map[string][]float64
	order []string
}

// New opens (or creates) the loss log under dir.
func New(dir string) (*Reporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "loss_log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open loss log")
	}
	fmt.Fprintf(f, "================ Training Loss (%s) ================\n", time.Now().Format(time.ANSIC))
	return &Reporter{dir: dir, log: f, epoch: make(map[string][]float64)}, nil
}

// FormatErrors renders losses as "(epoch: e, iters: i, time: t) name: v ...".
func FormatErrors(epoch, iters int, perSample time.Duration, errs model.Errors) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(epoch: %d, iters: %d, time: %.3f) ", epoch, iters, perSample.Seconds())
	for _, l := range errs {
		fmt.Fprintf(&sb, "%s: %.3f ", l.Name, l.Value)
	}
	return strings.TrimSpace(sb.String())
}

// PrintErrors logs the losses, appends them to the loss log and records them
// for the epoch summary.
func (r *Reporter) PrintErrors(epoch, iters int, perSample time.Duration, errs model.Errors) error {
	line := FormatErrors(epoch, iters, perSample, errs)
	klog.Info(line)
	if _, err := fmt.Fprintln(r.log, line); err != nil {
		return errors.Wrap(err, "write loss log")
	}
	r.Record(errs)
	return nil
}

// Record keeps errs for the epoch summary without printing them.
func (r *Reporter) Record(errs model.Errors) {
	for _, l := range errs {
		if _, ok := r.epoch[l.Name]; !ok {
			r.order = append(r.order, l.Name)
		}
		r.epoch[l.Name] = append(r.epoch[l.Name], float64(l.Value))
	}
}

// Summary is the mean and standard deviation of one loss over an epoch.
type Summary struct {
	Name      string
	Mean, Std float64
	N         int
}

// EndEpoch summarizes the recorded losses, logs the summary and starts a new
// epoch. Losses first seen mid-epoch are summarized over the iterations that
// reported them.
func (r *Reporter) EndEpoch(epoch int) []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, name := range r.order {
		vals := r.epoch[name]
		s := Summary{Name: name, N: len(vals)}
		if len(vals) > 1 {
			s.Mean, s.Std = stat.MeanStdDev(vals, nil)
		} else if len(vals) == 1 {
			s.Mean = vals[0]
		}
		out = append(out, s)
	}
	if len(out) > 0 {
		parts := make([]string, len(out))
		for i, s := range out {
			parts[i] = fmt.Sprintf("%s: %.3f±%.3f", s.Name, s.Mean, s.Std)
		}
		line := fmt.Sprintf("epoch %d summary: %s", epoch, strings.Join(parts, " "))
		klog.Info(line)
		fmt.Fprintln(r.log, line)
	}
	r.epoch = make(map[string][]float64)
	r.order = nil
	return out
}

// SaveVisuals writes the tiles side by side to <dir>/web/images/epoch%03d_<label>.png.
func (r *Reporter) SaveVisuals(epoch int, label string, tiles []imageutil.Labeled) (string, error) {
	path := filepath.Join(r.dir, "web", "images", fmt.Sprintf("epoch%03d_%s.png", epoch, label))
	return path, imageutil.SavePNG(path, imageutil.Grid(tiles))
}

// Close closes the loss log.
func (r *Reporter) Close() error {
	return r.log.Close()
}

// SaveResults writes each tile of a test visual set as
// <dir>/<base name of path>_<label>.png.
func SaveResults(dir, path string, tiles []imageutil.Labeled) error {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, t := range tiles {
		if err := imageutil.SavePNG(filepath.Join(dir, base+"_"+t.Label+".png"), t.Image); err != nil {
			return err
		}
	}
	return nil
}
