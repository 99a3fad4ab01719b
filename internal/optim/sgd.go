package optim

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	env        tensor.Env
	params     []*tensor.RawTensor
	lr         float32
	momentum   float32
	velocities map[*tensor.RawTensor]*tensor.RawTensor
}

var _ Optimizer = (*SGD)(nil)

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates an SGD optimizer over params. The optimizer does not take
// ownership of params.
func NewSGD(env tensor.Env, params []*tensor.RawTensor, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		env:        env,
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*tensor.RawTensor]*tensor.RawTensor),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) error {
	for i, param := range s.params {
		grad := grads[param]
		if grad == nil {
			continue
		}
		direction := grad
		if s.momentum != 0 {
			v, err := s.updateVelocity(param, grad)
			if err != nil {
				return errors.WithMessagef(err, "sgd: velocity of parameter %d", i)
			}
			direction = v
		}
		if err := s.apply(param, direction); err != nil {
			return errors.WithMessagef(err, "sgd: parameter %d", i)
		}
	}
	return nil
}

// updateVelocity sets velocity = momentum * velocity + grad and returns it.
func (s *SGD) updateVelocity(param, grad *tensor.RawTensor) (*tensor.RawTensor, error) {
	v, ok := s.velocities[param]
	if !ok {
		var err error
		if v, err = tensor.Zeros(s.env, param.Shape(), param.DType(), param.Device()); err != nil {
			return nil, err
		}
		s.velocities[param] = v
	}
	scaled, err := s.scale(v, s.momentum)
	if err != nil {
		return nil, err
	}
	defer scaled.Release()
	next, err := tensor.Add(s.env, scaled, grad)
	if err != nil {
		return nil, err
	}
	defer next.Release()
	return v, v.CopyFrom(next)
}

// apply sets param = param - lr * direction in place.
func (s *SGD) apply(param, direction *tensor.RawTensor) error {
	update, err := s.scale(direction, -s.lr)
	if err != nil {
		return err
	}
	defer update.Release()
	next, err := tensor.Add(s.env, param, update)
	if err != nil {
		return err
	}
	defer next.Release()
	if param.IsCOW() {
		klog.V(3).Infof("sgd: updating a shared parameter, forking its storage")
	}
	return param.CopyFrom(next)
}

func (s *SGD) scale(t *tensor.RawTensor, factor float32) (*tensor.RawTensor, error) {
	f, err := tensor.Full(s.env, t.Shape(), t.DType(), float64(factor), t.Device())
	if err != nil {
		return nil, err
	}
	defer f.Release()
	return tensor.Mul(s.env, t, f)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}

// Snapshot returns lazy clones of the parameters and velocity buffers under
// "param.{i}" and "velocity.{i}". The clones share bytes with the live
// tensors until either side is written. The caller releases them.
func (s *SGD) Snapshot() (map[string]*tensor.RawTensor, error) {
	state := make(map[string]*tensor.RawTensor)
	release := func() {
		for _, t := range state {
			t.Release()
		}
	}
	for i, param := range s.params {
		c, err := tensor.LazyClone(s.env, param, nil)
		if err != nil {
			release()
			return nil, err
		}
		state[fmt.Sprintf("param.%d", i)] = c

		v, ok := s.velocities[param]
		if !ok {
			continue
		}
		if c, err = tensor.LazyClone(s.env, v, nil); err != nil {
			release()
			return nil, err
		}
		state[fmt.Sprintf("velocity.%d", i)] = c
	}
	return state, nil
}

// Restore copies the values of a Snapshot back into the parameters and
// velocity buffers. Missing velocities are dropped.
func (s *SGD) Restore(state map[string]*tensor.RawTensor) error {
	for i, param := range s.params {
		p, ok := state[fmt.Sprintf("param.%d", i)]
		if !ok {
			return errors.Errorf("sgd: snapshot has no param.%d", i)
		}
		if err := param.CopyFrom(p); err != nil {
			return errors.WithMessagef(err, "sgd: restoring parameter %d", i)
		}

		saved, ok := state[fmt.Sprintf("velocity.%d", i)]
		if !ok {
			if v, had := s.velocities[param]; had {
				v.Release()
				delete(s.velocities, param)
			}
			continue
		}
		v, had := s.velocities[param]
		if !had {
			var err error
			if v, err = tensor.Zeros(s.env, param.Shape(), param.DType(), param.Device()); err != nil {
				return err
			}
			s.velocities[param] = v
		}
		if err := v.CopyFrom(saved); err != nil {
			return errors.WithMessagef(err, "sgd: restoring velocity %d", i)
		}
	}
	return nil
}

// Release frees the velocity buffers.
func (s *SGD) Release() {
	for p, v := range s.velocities {
		v.Release()
		delete(s.velocities, p)
	}
}
