package networks

import (
	"k8s.io/klog/v2"
)

// PrintNetwork logs the layer listing and parameter count of a network.
func PrintNetwork(name string, n Network) {
	klog.Infof("%s:", name)
	for _, line := range n.Describe() {
		klog.Infof("  %s", line)
	}
	klog.Infof("Total number of parameters: %d", n.Params().Count())
}
