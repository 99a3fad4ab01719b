package serialization

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// Header keys.
const (
	MetadataKey         = "__metadata__"
	ChecksumMetadataKey = "sha256"
)

// SafeTensors dtype names.
const (
	DTypeF16  = "F16"
	DTypeF32  = "F32"
	DTypeF64  = "F64"
	DTypeI32  = "I32"
	DTypeI64  = "I64"
	DTypeU8   = "U8"
	DTypeBool = "BOOL"
)

// Entry describes one tensor in the header.
type Entry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) within the data section
}

// Size returns the byte size of the entry's data.
func (e Entry) Size() int64 {
	return e.DataOffsets[1] - e.DataOffsets[0]
}

// Header is the decoded JSON header.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]Entry
}

// MarshalJSON implements json.Marshaler.
func (h Header) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Tensors)+1)
	for name, e := range h.Tensors {
		out[name] = e
	}
	if len(h.Metadata) > 0 {
		out[MetadataKey] = h.Metadata
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Tensors = make(map[string]Entry, len(raw))
	for key, value := range raw {
		if key == MetadataKey {
			if err := json.Unmarshal(value, &h.Metadata); err != nil {
				return errors.Wrap(err, "decoding metadata")
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return errors.Wrapf(err, "decoding tensor %q", key)
		}
		h.Tensors[key] = e
	}
	return nil
}

// dtypeName converts a tensor.DataType to its SafeTensors name.
func dtypeName(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float16:
		return DTypeF16, nil
	case tensor.Float32:
		return DTypeF32, nil
	case tensor.Float64:
		return DTypeF64, nil
	case tensor.Int32:
		return DTypeI32, nil
	case tensor.Int64:
		return DTypeI64, nil
	case tensor.Uint8:
		return DTypeU8, nil
	case tensor.Bool:
		return DTypeBool, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDType, "%s", dt)
	}
}

// parseDType converts a SafeTensors name to a tensor.DataType.
func parseDType(s string) (tensor.DataType, error) {
	switch s {
	case DTypeF16:
		return tensor.Float16, nil
	case DTypeF32:
		return tensor.Float32, nil
	case DTypeF64:
		return tensor.Float64, nil
	case DTypeI32:
		return tensor.Int32, nil
	case DTypeI64:
		return tensor.Int64, nil
	case DTypeU8:
		return tensor.Uint8, nil
	case DTypeBool:
		return tensor.Bool, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedDType, "%q", s)
	}
}
