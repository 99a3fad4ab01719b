// Package serialization saves and loads named tensors in the SafeTensors
// format:
//
//	[8 bytes: header size (uint64 LE)]
//	[header: JSON, tensor entries plus an optional "__metadata__" map]
//	[tensor data: raw little-endian elements, row-major]
//
// Tensors on any device are written through a lazy clone onto the host, so
// device work queued on them is synchronized first and host tensors are
// not copied before their bytes are gathered. The SHA-256 of the data
// section is stored in the metadata under "sha256" and checked on load.
//
// Example usage:
//
//	err := serialization.SaveFile(ctx, "snapshot.safetensors", map[string]*tensor.RawTensor{
//	    "weights": w,
//	}, map[string]string{"step": "10"})
//
//	snap, err := serialization.LoadFile(ctx, "snapshot.safetensors", device.Host)
//	defer snap.Release()
package serialization
