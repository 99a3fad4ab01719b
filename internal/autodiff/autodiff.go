// Package autodiff implements reverse-mode automatic differentiation over a
// gradient tape and forward-mode differentiation over dual levels.
//
// Engine is the entry point: its operations compute with the tensor package,
// record themselves on the tape while it is recording, and propagate tangents
// at every active dual level.
//
// Usage:
//
//	engine := autodiff.New(ctx)
//	engine.Tape().StartRecording()
//	y, _ := engine.Mul(x, x) // y = x²
//	grads, _ := engine.Backward(y)
//	grad := grads[x] // dy/dx = 2x
package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/autodiff/ops"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// Engine records differentiable operations on a GradientTape and tracks
// forward-mode tangents.
type Engine struct {
	env  tensor.Env
	tape *GradientTape
	fw   *ForwardAD
}

// New creates an engine computing in env.
func New(env tensor.Env) *Engine {
	return &Engine{
		env:  env,
		tape: NewGradientTape(),
		fw:   NewForwardAD(env),
	}
}

// Tape returns the gradient tape for manual control.
// Useful for:
//   - Starting/stopping recording
//   - Clearing tape between iterations
//   - Inspecting recorded operations
func (e *Engine) Tape() *GradientTape {
	return e.tape
}

// Forward returns the forward AD state.
func (e *Engine) Forward() *ForwardAD {
	return e.fw
}

// Env returns the environment tensors are created in.
func (e *Engine) Env() tensor.Env {
	return e.env
}

// Add performs element-wise addition and records the operation.
func (e *Engine) Add(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	result, err := tensor.Add(e.env, a, b)
	if err != nil {
		return nil, err
	}
	if e.tape.IsRecording() {
		e.tape.Record(ops.NewAddOp(a, b, result))
	}

	// d(a+b) = da + db
	err = e.propagate(result, a, b, func(ta, tb *tensor.RawTensor) (*tensor.RawTensor, error) {
		return tensor.Add(e.env, ta, tb)
	})
	if err != nil {
		result.Release()
		return nil, err
	}
	return result, nil
}

// Mul performs element-wise multiplication and records the operation.
func (e *Engine) Mul(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	result, err := tensor.Mul(e.env, a, b)
	if err != nil {
		return nil, err
	}
	if e.tape.IsRecording() {
		e.tape.Record(ops.NewMulOp(a, b, result))
	}

	// d(a*b) = da*b + a*db
	err = e.propagate(result, a, b, func(ta, tb *tensor.RawTensor) (*tensor.RawTensor, error) {
		left, err := tensor.Mul(e.env, ta, b)
		if err != nil {
			return nil, err
		}
		defer left.Release()
		right, err := tensor.Mul(e.env, a, tb)
		if err != nil {
			return nil, err
		}
		defer right.Release()
		return tensor.Add(e.env, left, right)
	})
	if err != nil {
		result.Release()
		return nil, err
	}
	return result, nil
}

// Alias returns a view of t sharing its storage and records the operation.
// The alias carries t's tangents.
func (e *Engine) Alias(t *tensor.RawTensor) (*tensor.RawTensor, error) {
	result := t.Alias()
	if e.tape.IsRecording() {
		e.tape.Record(ops.NewAliasOp(t, result))
	}
	for _, l := range e.fw.ActiveLevels() {
		tan, err := e.fw.FwGrad(t, l)
		if err != nil {
			result.Release()
			return nil, err
		}
		if tan == nil {
			continue
		}
		if err := e.fw.SetFwGrad(result, tan, l); err != nil {
			result.Release()
			return nil, err
		}
	}
	return result, nil
}

// MakeDual returns a dual tensor: a view of primal whose tangent at level is
// tangent.
//
// In inference mode with inference tensors on both sides the view comes from
// MakePrimalTangentPair and nothing is recorded. Otherwise the pairing is
// recorded on the tape and the tangent itself is differentiable.
func (e *Engine) MakeDual(primal, tangent *tensor.RawTensor, level Level) (*tensor.RawTensor, error) {
	existing, err := e.fw.FwGrad(primal, level)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Errorf("making a dual tensor from a tensor that already has a tangent at level %d", level)
	}
	if !primal.Shape().Equal(tangent.Shape()) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "tangent of shape %v for a primal of shape %v", tangent.Shape(), primal.Shape())
	}

	if e.env.InferenceModeEnabled() && primal.IsInference() && tangent.IsInference() {
		dual := MakePrimalTangentPair(e.env, primal, tangent, level)
		if err := e.fw.SetFwGrad(dual, tangent, level); err != nil {
			dual.Release()
			return nil, err
		}
		return dual, nil
	}

	dual := primal.Alias()
	if err := e.fw.SetFwGrad(dual, tangent, level); err != nil {
		dual.Release()
		return nil, err
	}
	if e.tape.IsRecording() {
		stored, err := e.fw.FwGrad(dual, level)
		if err != nil {
			dual.Release()
			return nil, err
		}
		e.tape.Record(ops.NewMakeDualOp(primal, tangent, dual))
		e.tape.Record(ops.NewAliasOp(tangent, stored))
	}
	return dual, nil
}

// UnpackDual returns a view of t without tangent at level and the tangent
// of t at level, or nil when t has none. Both results are differentiable.
func (e *Engine) UnpackDual(t *tensor.RawTensor, level Level) (primal, tangent *tensor.RawTensor, err error) {
	primal, tangent, stored, err := e.fw.unpack(t, level)
	if err != nil {
		return nil, nil, err
	}
	if e.tape.IsRecording() {
		e.tape.Record(ops.NewUnpackDualOp(t, stored, primal, tangent))
	}
	return primal, tangent, nil
}

// propagate computes result's tangent at every active level where a or b
// has one. A missing input tangent counts as zeros.
func (e *Engine) propagate(result, a, b *tensor.RawTensor, jvp func(ta, tb *tensor.RawTensor) (*tensor.RawTensor, error)) error {
	for _, l := range e.fw.ActiveLevels() {
		ta, err := e.fw.FwGrad(a, l)
		if err != nil {
			return err
		}
		tb, err := e.fw.FwGrad(b, l)
		if err != nil {
			return err
		}
		if ta == nil && tb == nil {
			continue
		}

		var zeros *tensor.RawTensor
		if ta == nil || tb == nil {
			zeros, err = tensor.Zeros(e.env, result.Shape(), result.DType(), result.Device())
			if err != nil {
				return err
			}
			if ta == nil {
				ta = zeros
			} else {
				tb = zeros
			}
		}

		tan, err := jvp(ta, tb)
		if zeros != nil {
			zeros.Release()
		}
		if err != nil {
			return errors.Wrapf(err, "tangent at level %d", l)
		}
		err = e.fw.SetFwGrad(result, tan, l)
		tan.Release()
		if err != nil {
			return err
		}
	}
	return nil
}
