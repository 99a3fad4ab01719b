package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/autodiff/ops"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic differentiation.
//
// Usage:
//
//	tape := NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	gradients, err := tape.Backward(outputGrad, env)
type GradientTape struct {
	operations []ops.Operation // Recorded operations (in execution order)
	recording  bool            // Whether tape is currently recording
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64), // Pre-allocate for common case
		recording:  false,
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear resets the tape, removing all recorded operations.
// Recording state is preserved.
func (t *GradientTape) Clear() {
	t.operations = t.operations[:0]
}

// Backward computes gradients for all inputs by walking the tape in reverse,
// starting from the output of the last recorded operation.
//
// Algorithm:
//  1. Start with the output gradient (typically ones for scalar loss)
//  2. Walk operations in reverse order
//  3. For each operation, compute input gradients using chain rule
//  4. Accumulate gradients when the same tensor is used multiple times
//
// Returns a map from RawTensor to its accumulated gradient.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor, env tensor.Env) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	if len(t.operations) == 0 {
		return make(map[*tensor.RawTensor]*tensor.RawTensor), nil
	}
	return t.BackwardFrom(t.operations[len(t.operations)-1].Output(), outputGrad, env)
}

// BackwardFrom is Backward seeded at output instead of the last recorded
// operation's output.
func (t *GradientTape) BackwardFrom(output, outputGrad *tensor.RawTensor, env tensor.Env) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	if len(t.operations) == 0 {
		return grads, nil
	}

	// Stop recording during backward pass to prevent recording gradient operations
	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	grads[output] = outputGrad

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		inputGrads, err := t.computeInputGrads(op, grads, env)
		if err != nil {
			return nil, errors.Wrapf(err, "backward through %T", op)
		}
		if inputGrads == nil {
			continue
		}
		if err := t.accumulateGrads(op, inputGrads, grads, outputGrad, env); err != nil {
			return nil, errors.Wrapf(err, "accumulating gradients of %T", op)
		}
	}

	return grads, nil
}

// computeInputGrads computes gradients for an operation's inputs.
// Returns nil if no gradient flows to this operation.
func (t *GradientTape) computeInputGrads(
	op ops.Operation,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	env tensor.Env,
) ([]*tensor.RawTensor, error) {
	if multiOp, isMulti := op.(ops.MultiOutputOperation); isMulti {
		return t.computeMultiOutputGrads(multiOp, grads, env)
	}
	opOutputGrad, hasGrad := grads[op.Output()]
	if !hasGrad {
		return nil, nil
	}
	return op.Backward(opOutputGrad, env)
}

// computeMultiOutputGrads handles backward pass for multi-output operations.
func (t *GradientTape) computeMultiOutputGrads(
	multiOp ops.MultiOutputOperation,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	env tensor.Env,
) ([]*tensor.RawTensor, error) {
	outputs := multiOp.Outputs()
	outputGrads := make([]*tensor.RawTensor, len(outputs))
	hasAnyGrad := false
	for j, out := range outputs {
		if out == nil {
			continue
		}
		if grad, exists := grads[out]; exists {
			outputGrads[j] = grad
			hasAnyGrad = true
		}
	}
	if !hasAnyGrad {
		return nil, nil
	}

	// Outputs without a gradient contribute zeros.
	var zeros []*tensor.RawTensor
	defer func() {
		for _, z := range zeros {
			z.Release()
		}
	}()
	for j, out := range outputs {
		if outputGrads[j] != nil || out == nil {
			continue
		}
		zeroGrad, err := tensor.Zeros(env, out.Shape(), out.DType(), out.Device())
		if err != nil {
			return nil, err
		}
		zeros = append(zeros, zeroGrad)
		outputGrads[j] = zeroGrad
	}
	return multiOp.BackwardMulti(outputGrads, env)
}

// accumulateGrads accumulates gradients for each input tensor. Partial
// gradients replaced by their sum are released, except seed, which the
// caller owns.
func (t *GradientTape) accumulateGrads(
	op ops.Operation,
	inputGrads []*tensor.RawTensor,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	seed *tensor.RawTensor,
	env tensor.Env,
) error {
	for j, input := range op.Inputs() {
		if j >= len(inputGrads) {
			break
		}
		inputGrad := inputGrads[j]
		if input == nil || inputGrad == nil {
			continue
		}
		existing, ok := grads[input]
		if !ok {
			grads[input] = inputGrad
			continue
		}
		sum, err := tensor.Add(env, existing, inputGrad)
		inputGrad.Release()
		if err != nil {
			return err
		}
		if existing != seed {
			existing.Release()
		}
		grads[input] = sum
	}
	return nil
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}
