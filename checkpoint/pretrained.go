package checkpoint

import (
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pts2face/nn"
)

// RenameRule rewrites a key prefix of a foreign state dict.
type RenameRule struct {
	From, To string
}

// LightCNNRules maps keys saved from a DataParallel-wrapped LightCNN
// ("module.features.0.filter.weight") onto the feature extractor parameters
// ("F.features.0.filter.weight").
var LightCNNRules = []RenameRule{
	{From: "module.", To: ""},
	{From: "", To: "F."},
}

// Rename applies the rules in order; each rule rewrites the key when it starts
// with From.
func Rename(key string, rules []RenameRule) string {
	for _, r := range rules {
		if strings.HasPrefix(key, r.From) {
			key = r.To + strings.TrimPrefix(key, r.From)
		}
	}
	return key
}

// LoadReport summarizes a pretrained load.
type LoadReport struct {
	Loaded     int
	Unexpected []string
	Mismatched []string
	Missing    []string
}

// LoadPretrained reads a PyTorch checkpoint (a state dict, or a dict holding
// one under "state_dict"), renames its keys and copies every tensor that
// matches a parameter of ps by name and shape. Anything else is reported and
// skipped, so architectures that differ in a few layers still load.
func LoadPretrained(path string, ps *nn.Params, rules []RenameRule) (*LoadReport, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	report, err := LoadStateDict(obj, ps, rules)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return report, nil
}

// LoadStateDict copies an unpickled state dict into ps, the same way
// LoadPretrained does for a file.
func LoadStateDict(obj interface{}, ps *nn.Params, rules []RenameRule) (*LoadReport, error) {
	if sd, ok := dictGet(obj, "state_dict"); ok {
		obj = sd
	}
	entries, err := dictEntries(obj)
	if err != nil {
		return nil, err
	}

	report := &LoadReport{}
	seen := make(map[string]bool)
	for _, e := range entries {
		name := Rename(e.key, rules)
		p, ok := ps.Get(name)
		if !ok {
			report.Unexpected = append(report.Unexpected, e.key)
			continue
		}
		t, ok := e.value.(*pytorch.Tensor)
		if !ok {
			report.Unexpected = append(report.Unexpected, e.key)
			continue
		}
		data, err := tensorData(t)
		if err != nil {
			return nil, errors.Wrap(err, e.key)
		}
		if !sameShape(t.Size, p.Value.Shape()) {
			report.Mismatched = append(report.Mismatched, e.key)
			klog.Warningf("pretrained %s has shape %v, %s wants %v; skipped", e.key, t.Size, name, p.Value.Shape())
			continue
		}
		copy(p.Value.Data().([]float32), data)
		seen[name] = true
		report.Loaded++
	}
	for _, p := range ps.All() {
		if !seen[p.Name] {
			report.Missing = append(report.Missing, p.Name)
		}
	}
	return report, nil
}

type dictEntry struct {
	key   string
	value interface{}
}

func dictGet(obj interface{}, key string) (interface{}, bool) {
	switch d := obj.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		return d.Get(key)
	}
	return nil, false
}

func dictEntries(obj interface{}) ([]dictEntry, error) {
	var out []dictEntry
	switch d := obj.(type) {
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*types.OrderedDictEntry)
			key, ok := entry.Key.(string)
			if !ok {
				return nil, errors.Errorf("state dict key %v is not a string", entry.Key)
			}
			out = append(out, dictEntry{key: key, value: entry.Value})
		}
	case *types.Dict:
		for _, e := range *d {
			key, ok := e.Key.(string)
			if !ok {
				return nil, errors.Errorf("state dict key %v is not a string", e.Key)
			}
			out = append(out, dictEntry{key: key, value: e.Value})
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint object %T", obj)
	}
	return out, nil
}

// tensorData returns the contiguous float32 elements of t.
func tensorData(t *pytorch.Tensor) ([]float32, error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, errors.Errorf("unsupported storage %T", t.Source)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, errors.Errorf("non-contiguous tensor (size %v, stride %v)", t.Size, t.Stride)
	}
	end := t.StorageOffset + n
	if end > len(storage.Data) {
		return nil, errors.Errorf("tensor exceeds its storage (%d > %d)", end, len(storage.Data))
	}
	return storage.Data[t.StorageOffset:end], nil
}

func contiguous(size, stride []int) bool {
	expected := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expected {
			return false
		}
		expected *= size[i]
	}
	return true
}

func sameShape(size []int, shape []int) bool {
	if len(size) != len(shape) {
		return false
	}
	for i := range size {
		if size[i] != shape[i] {
			return false
		}
	}
	return true
}
