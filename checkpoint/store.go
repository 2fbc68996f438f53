// Package checkpoint persists network parameters. Checkpoints are numpy .npz
// archives holding one .npy array per parameter, so they can be inspected
// with numpy directly.
package checkpoint

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"pts2face/nn"
)

// Store reads and writes checkpoints under one directory, keyed by network
// role ("G", "D") and label ("latest", an epoch number, ...).
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Path is the checkpoint file for a role and label.
func (s *Store) Path(role, label string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_net_%s.npz", label, role))
}

// Save writes every parameter of ps.
func (s *Store) Save(ps *nn.Params, role, label string) (err error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	path := s.Path(role, label)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(f)
	for _, p := range ps.All() {
		w, err := zw.Create(p.Name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "add %s", p.Name)
		}
		if err := p.Value.WriteNpy(w); err != nil {
			return errors.Wrapf(err, "encode %s", p.Name)
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, "finish %s", path)
	}
	klog.V(1).Infof("saved %d parameters of net %s to %s", len(ps.All()), role, path)
	return nil
}

// Load reads a checkpoint into ps. The parameter sets must match exactly:
// a missing, unknown or differently shaped parameter is an error. Values are
// copied in place, so graphs already bound to ps see the loaded weights.
func (s *Store) Load(ps *nn.Params, role, label string) error {
	path := s.Path(role, label)
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(err, "open checkpoint for net %s", role)
	}
	defer zr.Close()

	seen := make(map[string]bool, len(ps.All()))
	for _, zf := range zr.File {
		name := strings.TrimSuffix(zf.Name, ".npy")
		p, ok := ps.Get(name)
		if !ok {
			return errors.Errorf("%s: unexpected parameter %s", path, name)
		}
		rc, err := zf.Open()
		if err != nil {
			return errors.Wrapf(err, "%s: open %s", path, name)
		}
		loaded := new(tensor.Dense)
		err = loaded.ReadNpy(rc)
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "%s: decode %s", path, name)
		}
		if err := assign(p, loaded); err != nil {
			return errors.Wrap(err, path)
		}
		seen[name] = true
	}
	for _, p := range ps.All() {
		if !seen[p.Name] {
			return errors.Errorf("%s: missing parameter %s", path, p.Name)
		}
	}
	return nil
}

func assign(p *nn.Param, src *tensor.Dense) error {
	if !src.Shape().Eq(p.Value.Shape()) {
		return errors.Errorf("parameter %s: shape %v does not match %v", p.Name, src.Shape(), p.Value.Shape())
	}
	data, ok := src.Data().([]float32)
	if !ok {
		return errors.Errorf("parameter %s: unsupported dtype %v", p.Name, src.Dtype())
	}
	copy(p.Value.Data().([]float32), data)
	return nil
}
