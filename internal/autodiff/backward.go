package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// Backward computes gradients of out with respect to every tensor recorded
// on the tape, seeding the output gradient with ones.
//
// Example:
//
//	engine.Tape().StartRecording()
//	y, _ := engine.Mul(x, x) // y = x²
//	gradients, _ := engine.Backward(y)
//	grad := gradients[x] // Get gradient for x
func (e *Engine) Backward(out *tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	if e.tape.NumOps() == 0 {
		return nil, errors.New("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}
	if !out.DType().IsFloat() {
		return nil, errors.Errorf("backward: unsupported dtype %s (only floating point supported)", out.DType())
	}

	outputGrad, err := tensor.Full(e.env, out.Shape(), out.DType(), 1, out.Device())
	if err != nil {
		return nil, errors.Wrap(err, "backward: failed to create output gradient")
	}
	return e.tape.BackwardFrom(out, outputGrad, e.env)
}
