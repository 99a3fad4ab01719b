// Package optim implements optimizers updating tensors in place from the
// gradients of an autodiff backward pass.
//
// Updates write through the parameters' storages, so a parameter that was
// lazily cloned (for example by Snapshot) forks a private copy on its first
// update and the clone keeps the old values.
//
// Example usage:
//
//	opt := optim.NewSGD(ctx, []*tensor.RawTensor{w}, optim.SGDConfig{LR: 0.01})
//	defer opt.Release()
//
//	engine.Tape().StartRecording()
//	loss, _ := engine.Mul(w, w)
//	grads, _ := engine.Backward(loss)
//	if err := opt.Step(grads); err != nil {
//	    return err
//	}
package optim

import "github.com/born-ml/lazyclone/internal/tensor"

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters in place.
	// Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor) error

	// GetLR returns the current learning rate.
	GetLR() float32
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32 // Learning rate
}
