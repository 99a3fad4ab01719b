// Package ops defines operation interfaces and implementations for automatic differentiation.
//
// Each operation implements the Operation interface, which provides:
//   - Forward pass: computed by the caller with the tensor package
//   - Backward pass: computes gradients for inputs given output gradient
//
// Supported operations:
//   - AddOp: element-wise addition (d(a+b)/da = 1, d(a+b)/db = 1)
//   - MulOp: element-wise multiplication (d(a*b)/da = b, d(a*b)/db = a)
//   - AliasOp: a view sharing the input's storage (gradient passes through)
//   - MakeDualOp: pairs a primal with a tangent (gradient flows to the primal)
//   - UnpackDualOp: splits a dual tensor into its primal view and tangent
package ops

import "github.com/born-ml/lazyclone/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
// Each operation records its inputs and output during the forward pass,
// and computes input gradients during the backward pass.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor; a nil
	// entry means no gradient flows to that input.
	//
	// Example for AddOp:
	//   inputs: [a, b]
	//   outputGrad: dL/d(a+b)
	//   returns: [dL/d(a+b), dL/d(a+b)] (gradient flows equally to both inputs)
	Backward(outputGrad *tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error)

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}

// MultiOutputOperation represents an operation that produces multiple outputs.
// Example: UnpackDual (splits a dual tensor into primal and tangent).
//
// The tape handles these specially by collecting gradients for ALL outputs
// before calling BackwardMulti.
type MultiOutputOperation interface {
	Operation

	// Outputs returns all output tensors produced by this operation.
	Outputs() []*tensor.RawTensor

	// BackwardMulti computes gradients for inputs given gradients for ALL outputs.
	// This is used instead of Backward for multi-output operations.
	BackwardMulti(outputGrads []*tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error)
}

// passThrough returns a copy-on-write clone of grad, so accumulating into
// one input's gradient never writes through to another's.
func passThrough(grad *tensor.RawTensor, env tensor.Env) (*tensor.RawTensor, error) {
	if grad == nil {
		return nil, nil
	}
	return tensor.LazyClone(env, grad, nil)
}
