// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides automatic differentiation capabilities.
//
// Reverse mode records operations on a gradient tape. Forward mode attaches
// tangents to tensors at nested dual levels; dual tensors are views sharing
// their primal's storage.
//
// Example:
//
//	engine := autodiff.New(ctx)
//	level := engine.Forward().EnterDualLevel()
//	defer engine.Forward().ExitDualLevel(level)
//
//	dual, _ := engine.MakeDual(x, v, level)
//	y, _ := engine.Mul(dual, dual)
//	_, dy, _ := engine.UnpackDual(y, level) // dy = 2*x*v
package autodiff

import (
	"github.com/born-ml/lazyclone/internal/autodiff"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// Engine records differentiable operations and tracks tangents.
type Engine = autodiff.Engine

// GradientTape records operations for automatic differentiation.
type GradientTape = autodiff.GradientTape

// ForwardAD holds the active dual levels and their tangents.
type ForwardAD = autodiff.ForwardAD

// Level identifies a forward AD dual level.
type Level = autodiff.Level

// ErrInvalidLevel is returned for levels that are not active.
var ErrInvalidLevel = autodiff.ErrInvalidLevel

// New creates an engine computing in env.
//
// Example:
//
//	engine := autodiff.New(ctx)
//	engine.Tape().StartRecording()
func New(env tensor.Env) *Engine {
	return autodiff.New(env)
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return autodiff.NewGradientTape()
}

// NewForwardAD creates forward AD state with no active level.
func NewForwardAD(env tensor.Env) *ForwardAD {
	return autodiff.NewForwardAD(env)
}

// MakePrimalTangentPair returns a view of primal for pairing with tangent.
// It requires inference mode with inference tensors and panics otherwise.
func MakePrimalTangentPair(env tensor.Env, primal, tangent *tensor.RawTensor, level Level) *tensor.RawTensor {
	return autodiff.MakePrimalTangentPair(env, primal, tangent, level)
}

// SameStorageFootprint reports whether a and b have storages of equal
// element capacity.
func SameStorageFootprint(a, b *tensor.RawTensor) bool {
	return autodiff.SameStorageFootprint(a, b)
}
