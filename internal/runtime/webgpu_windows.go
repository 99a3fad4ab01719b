//go:build windows

package runtime

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/backend/webgpu"
)

func registerWebGPU(c *Context) error {
	if !webgpu.IsAvailable() {
		return errors.New("no WebGPU adapter")
	}
	b, err := webgpu.New()
	if err != nil {
		return err
	}
	b.Register(c.hooks, c.allocators)
	c.closers = append(c.closers, b.Release)
	klog.V(1).Infof("registered %s", b.Name())
	return nil
}
