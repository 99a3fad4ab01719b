package ops

import "github.com/born-ml/lazyclone/internal/tensor"

// AddOp represents an element-wise addition operation: output = a + b.
//
// Backward pass:
//   - d(a+b)/da = 1, so grad_a = outputGrad
//   - d(a+b)/db = 1, so grad_b = outputGrad
type AddOp struct {
	inputs []*tensor.RawTensor // [a, b]
	output *tensor.RawTensor   // a + b
}

// NewAddOp creates a new AddOp.
func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{
		inputs: []*tensor.RawTensor{a, b},
		output: output,
	}
}

// Backward computes input gradients for addition.
// Both inputs receive a lazy clone of the output gradient.
func (op *AddOp) Backward(outputGrad *tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error) {
	gradA, err := passThrough(outputGrad, env)
	if err != nil {
		return nil, err
	}
	gradB, err := passThrough(outputGrad, env)
	if err != nil {
		gradA.Release()
		return nil, err
	}
	return []*tensor.RawTensor{gradA, gradB}, nil
}

// Inputs returns the input tensors [a, b].
func (op *AddOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the output tensor a + b.
func (op *AddOp) Output() *tensor.RawTensor {
	return op.output
}
