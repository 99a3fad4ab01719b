package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// headerAlignment pads the JSON header so the data section starts 8-byte
// aligned.
const headerAlignment = 8

// Write encodes tensors and metadata to w in SafeTensors format, tensors in
// name order. The data checksum is added to the metadata under
// ChecksumMetadataKey, replacing any caller value.
func Write(env tensor.Env, w io.Writer, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	h := Header{
		Metadata: make(map[string]string, len(metadata)+1),
		Tensors:  make(map[string]Entry, len(tensors)),
	}
	maps.Copy(h.Metadata, metadata)

	var data bytes.Buffer
	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		t := tensors[name]
		dt, err := dtypeName(t.DType())
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		b, err := hostElements(env, t)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		start := int64(data.Len())
		data.Write(b)
		h.Tensors[name] = Entry{
			DType:       dt,
			Shape:       slices.Clone(t.Shape()),
			DataOffsets: [2]int64{start, int64(data.Len())},
		}
	}
	h.Metadata[ChecksumMetadataKey] = ComputeChecksum(data.Bytes())

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encoding header")
	}
	if pad := len(headerJSON) % headerAlignment; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, headerAlignment-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "writing header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "writing header")
	}
	if _, err := w.Write(data.Bytes()); err != nil {
		return errors.Wrap(err, "writing tensor data")
	}
	klog.V(2).Infof("serialization: wrote %d tensor(s), %d data bytes", len(tensors), data.Len())
	return nil
}

// hostElements gathers t's elements through a lazy clone onto the host. The
// clone synchronizes pending device work and shares host bytes.
func hostElements(env tensor.Env, t *tensor.RawTensor) ([]byte, error) {
	host := device.Host
	c, err := tensor.LazyClone(env, t, &host)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	return c.ContiguousBytes()
}

// SaveFile writes tensors and metadata to path.
func SaveFile(env tensor.Env, path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) (err error) {
	f, err := os.Create(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		return errors.Wrap(err, "creating snapshot")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "closing snapshot")
		}
	}()
	return Write(env, f, tensors, metadata)
}
