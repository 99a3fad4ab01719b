// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides strided tensor views over reference-counted,
// copy-on-write storages.
//
// # Overview
//
// A tensor is a View (sizes, strides, offset) over a Storage. Several tensors
// can view one storage (aliases, AsStrided) and several storages can share
// one block of bytes through lazy clones. The first in-place write to a
// shared storage materializes it into a private copy; the last sharer takes
// the bytes back without copying.
//
// # Basic Usage
//
//	ctx, err := tensor.NewContext(tensor.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer ctx.Close()
//
//	x, _ := tensor.FromSlice(ctx, []float32{1, 2, 3}, tensor.Shape{3}, device.Host)
//	y, _ := tensor.LazyClone(ctx, x, nil) // shares x's bytes
//	_ = y.Fill(0)                          // y gets its own copy, x is untouched
//
// # Devices
//
// Clones may target another device. Same-type and host<->accelerator clones
// are supported; between the host and a unified-memory accelerator the
// bytes stay shared when the host side is pinned, other pairs copy eagerly.
//
//	dst := device.New(device.Metal, 0)
//	z, err := tensor.LazyClone(ctx, pinned, &dst)
//
// # Memory Management
//
// Every tensor holds one reference on its storage. Call Release when done;
// the bytes are freed once no tensor or clone references them.
package tensor
