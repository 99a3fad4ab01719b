package autodiff

import (
	"fmt"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// MakePrimalTangentPair returns a view of primal sharing its storage and
// layout. The tangent is not embedded in the view: callers attach it through
// ForwardAD.SetFwGrad.
//
// It is only reachable in inference mode with inference tensors on both
// sides and panics otherwise. Use Engine.MakeDual, which routes here.
func MakePrimalTangentPair(env tensor.Env, primal, tangent *tensor.RawTensor, level Level) *tensor.RawTensor {
	if !env.InferenceModeEnabled() || !primal.IsInference() || !tangent.IsInference() {
		panic(fmt.Sprintf(
			"autodiff: MakePrimalTangentPair at level %d reached outside inference mode or with non-inference "+
				"inputs (inference mode %t, primal inference %t, tangent inference %t); use Engine.MakeDual",
			level, env.InferenceModeEnabled(), primal.IsInference(), tangent.IsInference()))
	}
	return primal.Alias()
}

// UnpackPrimalTangent returns a view of t and the tangent attached to t at
// level, or nil when t has none. The caller owns both results.
func (f *ForwardAD) UnpackPrimalTangent(t *tensor.RawTensor, level Level) (primal, tangent *tensor.RawTensor, err error) {
	primal, tangent, _, err = f.unpack(t, level)
	return primal, tangent, err
}

// unpack is UnpackPrimalTangent that also returns the stored tangent the
// returned one aliases.
func (f *ForwardAD) unpack(t *tensor.RawTensor, level Level) (primal, tangent, stored *tensor.RawTensor, err error) {
	stored, err = f.FwGrad(t, level)
	if err != nil {
		return nil, nil, nil, err
	}
	primal = t.Alias()
	if stored != nil {
		tangent = stored.Alias()
	}
	return primal, tangent, stored, nil
}

// SameStorageFootprint reports whether a and b have storages of equal
// element capacity, as a cheap check that they could alias. Layouts are not
// compared.
func SameStorageFootprint(a, b *tensor.RawTensor) bool {
	return tensor.SameStorageExtent(a, b)
}
