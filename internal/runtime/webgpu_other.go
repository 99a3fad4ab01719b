//go:build !windows

package runtime

import "github.com/pkg/errors"

func registerWebGPU(*Context) error {
	return errors.New("webgpu backend is only built on windows")
}
