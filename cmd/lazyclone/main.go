// Command lazyclone lists the devices of a runtime context and walks through
// copy-on-write lazy clones across them.
//
// Usage:
//
//	lazyclone devices --config lazyclone.yaml
//	lazyclone demo -v=2
package main

import (
	"os"

	"k8s.io/klog/v2"
)

const version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
