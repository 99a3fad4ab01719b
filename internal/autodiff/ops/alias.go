package ops

import "github.com/born-ml/lazyclone/internal/tensor"

// AliasOp records a view sharing its input's storage and layout.
// The gradient passes through unchanged.
type AliasOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewAliasOp creates a new AliasOp.
func NewAliasOp(input, output *tensor.RawTensor) *AliasOp {
	return &AliasOp{input: input, output: output}
}

// Backward implements Operation.
func (op *AliasOp) Backward(outputGrad *tensor.RawTensor, env tensor.Env) ([]*tensor.RawTensor, error) {
	grad, err := passThrough(outputGrad, env)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{grad}, nil
}

// Inputs returns [input].
func (op *AliasOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the alias.
func (op *AliasOp) Output() *tensor.RawTensor {
	return op.output
}
