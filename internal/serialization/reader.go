package serialization

import (
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

// Snapshot holds loaded tensors and the file metadata. The snapshot owns
// the tensors until Release.
type Snapshot struct {
	Tensors  map[string]*tensor.RawTensor
	Metadata map[string]string
}

// Names returns the tensor names in sorted order.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.Tensors))
}

// Release releases every tensor of the snapshot.
func (s *Snapshot) Release() {
	for _, t := range s.Tensors {
		t.Release()
	}
	s.Tensors = nil
}

// Read decodes a SafeTensors stream and creates its tensors on dev.
//
// Unless level is ValidationNone the header is validated and, when the
// metadata carries one, the data checksum is verified.
func Read(env tensor.Env, r io.Reader, dev device.Device, level ValidationLevel) (*Snapshot, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "reading header size")
	}
	if headerSize > MaxHeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading tensor data")
	}
	if err := ValidateHeader(&h, int64(len(data)), level); err != nil {
		return nil, err
	}
	if sum, ok := h.Metadata[ChecksumMetadataKey]; ok && level != ValidationNone {
		if err := ValidateChecksum(data, sum); err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{
		Tensors:  make(map[string]*tensor.RawTensor, len(h.Tensors)),
		Metadata: h.Metadata,
	}
	for name, e := range h.Tensors {
		t, err := newTensor(env, name, e, data, dev)
		if err != nil {
			snap.Release()
			return nil, err
		}
		snap.Tensors[name] = t
	}
	klog.V(2).Infof("serialization: read %d tensor(s) onto %s", len(snap.Tensors), dev)
	return snap, nil
}

func newTensor(env tensor.Env, name string, e Entry, data []byte, dev device.Device) (*tensor.RawTensor, error) {
	start, end := e.DataOffsets[0], e.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, &ValidationError{Type: "out_of_bounds", Tensor: name, Details: "data_offsets outside the data section"}
	}
	dt, err := parseDType(e.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	t, err := tensor.FromBytes(env, data[start:end], tensor.Shape(e.Shape), dt, dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	return t, nil
}

// LoadFile reads the snapshot at path with strict validation.
func LoadFile(env tensor.Env, path string, dev device.Device) (*Snapshot, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is chosen by the caller
	if err != nil {
		return nil, errors.Wrap(err, "opening snapshot")
	}
	defer f.Close()
	return Read(env, f, dev, ValidationStrict)
}
