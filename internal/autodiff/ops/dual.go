package ops

import "github.com/born-ml/lazyclone/internal/tensor"

// MakeDualOp records the pairing of a primal with a tangent. The dual is a
// view of the primal, so the gradient flows to the primal only.
type MakeDualOp struct {
	inputs []*tensor.RawTensor // [primal, tangent]
	output *tensor.RawTensor   // dual
}

// NewMakeDualOp creates a new MakeDualOp.
func NewMakeDualOp(primal, tangent, dual *tensor.RawTensor) *MakeDualOp {
	return &MakeDualOp{
		inputs: []*tensor.RawTensor{primal, tangent},
		output: dual,
	}
}

// Backward implements Operation. The tangent receives no gradient.
func (op *MakeDualOp) Backward(outputGrad *tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error) {
	grad, err := passThrough(outputGrad, env)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{grad, nil}, nil
}

// Inputs returns [primal, tangent].
func (op *MakeDualOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the dual tensor.
func (op *MakeDualOp) Output() *tensor.RawTensor {
	return op.output
}

// UnpackDualOp records the split of a dual tensor into its primal view and
// its tangent.
//
// Backward pass:
//   - the primal view aliases the dual, so grad_dual = grad_primal
//   - the tangent is returned as is, so grad_tangent = grad_tangent_out
type UnpackDualOp struct {
	inputs  []*tensor.RawTensor // [dual, tangent]
	outputs []*tensor.RawTensor // [primal view, tangent]
}

// NewUnpackDualOp creates a new UnpackDualOp.
func NewUnpackDualOp(dual, tangent, primal, tangentOut *tensor.RawTensor) *UnpackDualOp {
	return &UnpackDualOp{
		inputs:  []*tensor.RawTensor{dual, tangent},
		outputs: []*tensor.RawTensor{primal, tangentOut},
	}
}

// Backward implements Operation for the primal output alone.
func (op *UnpackDualOp) Backward(outputGrad *tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error) {
	return op.BackwardMulti([]*tensor.RawTensor{outputGrad, nil}, env)
}

// BackwardMulti implements MultiOutputOperation.
func (op *UnpackDualOp) BackwardMulti(outputGrads []*tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error) {
	gradDual, err := passThrough(outputGrads[0], env)
	if err != nil {
		return nil, err
	}
	gradTangent, err := passThrough(outputGrads[1], env)
	if err != nil {
		if gradDual != nil {
			gradDual.Release()
		}
		return nil, err
	}
	return []*tensor.RawTensor{gradDual, gradTangent}, nil
}

// Inputs returns [dual, tangent].
func (op *UnpackDualOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the primal view.
func (op *UnpackDualOp) Output() *tensor.RawTensor {
	return op.outputs[0]
}

// Outputs returns [primal view, tangent].
func (op *UnpackDualOp) Outputs() []*tensor.RawTensor {
	return op.outputs
}
