package options

import (
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// ResolveDevices logs where the graphs will run. Graph execution is CPU only;
// requested GPU ids are reported and otherwise ignored.
func (c *Config) ResolveDevices() {
	ids, err := c.Devices()
	if err != nil {
		klog.Warningf("ignoring gpu_ids: %v", err)
	}
	if len(ids) > 0 {
		klog.Warningf("gpu_ids %v requested; running on CPU", ids)
	}
	klog.Infof("device: %s, %d physical cores, %d logical, AVX2=%t",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2))
}
