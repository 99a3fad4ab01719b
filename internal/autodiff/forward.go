package autodiff

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// ErrInvalidLevel is returned for forward AD levels that are not active.
var ErrInvalidLevel = errors.New("invalid forward AD level")

// Level identifies a forward AD dual level.
type Level int

// ForwardAD holds the dual levels and, per level, the tangents attached to
// tensors.
//
// Levels nest: EnterDualLevel pushes a level and ExitDualLevel pops the
// innermost one, dropping every tangent attached at it. Tangents are looked
// up by tensor identity.
type ForwardAD struct {
	env tensor.Env

	mu       sync.Mutex
	levels   []Level
	tangents map[Level]map[*tensor.RawTensor]*tensor.RawTensor
}

// NewForwardAD creates forward AD state with no active level.
func NewForwardAD(env tensor.Env) *ForwardAD {
	return &ForwardAD{
		env:      env,
		tangents: make(map[Level]map[*tensor.RawTensor]*tensor.RawTensor),
	}
}

// EnterDualLevel activates and returns a new innermost level.
//
// Example:
//
//	level := fw.EnterDualLevel()
//	defer fw.ExitDualLevel(level)
func (f *ForwardAD) EnterDualLevel() Level {
	f.mu.Lock()
	defer f.mu.Unlock()

	l := Level(len(f.levels))
	f.levels = append(f.levels, l)
	f.tangents[l] = make(map[*tensor.RawTensor]*tensor.RawTensor)
	klog.V(3).Infof("forward AD: entered level %d", l)
	return l
}

// ExitDualLevel deactivates l, which must be the innermost level, and
// releases the tangents attached at it.
func (f *ForwardAD) ExitDualLevel(l Level) error {
	f.mu.Lock()
	n := len(f.levels)
	if n == 0 || f.levels[n-1] != l {
		f.mu.Unlock()
		return errors.Wrapf(ErrInvalidLevel, "exiting level %d, innermost active level is %s", l, f.innermostLocked())
	}
	f.levels = f.levels[:n-1]
	tangents := f.tangents[l]
	delete(f.tangents, l)
	f.mu.Unlock()

	for _, tan := range tangents {
		tan.Release()
	}
	klog.V(3).Infof("forward AD: exited level %d, dropped %d tangent(s)", l, len(tangents))
	return nil
}

func (f *ForwardAD) innermostLocked() string {
	if len(f.levels) == 0 {
		return "none"
	}
	return strconv.Itoa(int(f.levels[len(f.levels)-1]))
}

// ActiveLevels returns the active levels, outermost first.
func (f *ForwardAD) ActiveLevels() []Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Level(nil), f.levels...)
}

// IsActive reports whether l is an active level.
func (f *ForwardAD) IsActive(l Level) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tangents[l]
	return ok
}

// FwGrad returns the tangent of t at level l, or nil if t has none. The
// tangent stays owned by f.
func (f *ForwardAD) FwGrad(t *tensor.RawTensor, l Level) (*tensor.RawTensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table, ok := f.tangents[l]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidLevel, "level %d is not active", l)
	}
	return table[t], nil
}

// SetFwGrad attaches tangent to t at level l, replacing any previous
// tangent. The tangent must have t's shape, dtype and device.
//
// A tangent laid out exactly like t is attached as an alias. Otherwise its
// values are copied into a fresh tensor laid out like t, so strided writes
// valid for t are valid for its tangent.
func (f *ForwardAD) SetFwGrad(t, tangent *tensor.RawTensor, l Level) error {
	if !f.IsActive(l) {
		return errors.Wrapf(ErrInvalidLevel, "level %d is not active", l)
	}
	if !t.Shape().Equal(tangent.Shape()) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "tangent of shape %v for a tensor of shape %v", tangent.Shape(), t.Shape())
	}
	if t.DType() != tangent.DType() {
		return errors.Errorf("tangent of dtype %s for a tensor of dtype %s", tangent.DType(), t.DType())
	}
	if t.Device() != tangent.Device() {
		return errors.Errorf("tangent on %s for a tensor on %s", tangent.Device(), t.Device())
	}

	var stored *tensor.RawTensor
	if tangent.View().Equal(t.View()) && tensor.SameStorageExtent(tangent, t) {
		stored = tangent.Alias()
	} else {
		z, err := tensor.NewZerosWithSameFeatureMeta(f.env, tangent, t, 0)
		if err != nil {
			return err
		}
		if err := z.CopyFrom(tangent); err != nil {
			z.Release()
			return err
		}
		stored = z
	}

	f.mu.Lock()
	table, ok := f.tangents[l]
	if !ok {
		f.mu.Unlock()
		stored.Release()
		return errors.Wrapf(ErrInvalidLevel, "level %d exited concurrently", l)
	}
	prev := table[t]
	table[t] = stored
	f.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return nil
}
