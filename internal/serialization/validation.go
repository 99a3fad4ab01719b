package serialization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/lazyclone/internal/tensor"
)

// Validation limits.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidationLevel controls the strictness of header validation.
type ValidationLevel int

const (
	// ValidationStrict checks names, dtypes, sizes and offsets.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names, dtypes and sizes but not overlaps.
	ValidationNormal
	// ValidationNone skips validation. Use only with trusted input.
	ValidationNone
)

type span struct {
	name  string
	start int64
	end   int64
}

// ValidateTensorOffsets checks that every entry lies within dataSize and
// that no two entries overlap.
func ValidateTensorOffsets(h *Header, dataSize int64) error {
	spans := make([]span, 0, len(h.Tensors))
	for name, e := range h.Tensors {
		spans = append(spans, span{name: name, start: e.DataOffsets[0], end: e.DataOffsets[1]})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].name < spans[j].name
	})

	for i, s := range spans {
		if s.start < 0 || s.end < s.start {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  s.name,
				Details: fmt.Sprintf("data_offsets [%d, %d]", s.start, s.end),
			}
		}
		if s.end > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  s.name,
				Details: fmt.Sprintf("end %d > data_size %d", s.end, dataSize),
			}
		}
		if i+1 < len(spans) && s.end > spans[i+1].start {
			next := spans[i+1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  s.name,
				Tensor2: next.name,
				Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap", s.start, s.end, next.start, next.end),
			}
		}
	}
	return nil
}

// ValidateTensorName rejects empty, oversized and path-like names.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case name == MetadataKey:
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "reserved for metadata"}
	case strings.Contains(name, ".."):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains '..'"}
	case strings.ContainsAny(name, "/\\"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains path separator (/ or \\)"}
	case strings.Contains(name, "\x00"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte"}
	}
	return nil
}

// ValidateEntry checks that e's dtype is known and its byte size matches
// its shape.
func ValidateEntry(name string, e Entry) error {
	dt, err := parseDType(e.DType)
	if err != nil {
		return &ValidationError{Type: "invalid_dtype", Tensor: name, Details: err.Error()}
	}
	shape := tensor.Shape(e.Shape)
	if err := shape.Validate(); err != nil {
		return &ValidationError{Type: "invalid_shape", Tensor: name, Details: err.Error()}
	}
	if want := int64(shape.NumElements() * dt.Size()); e.Size() != want {
		return &ValidationError{
			Type:    "size_mismatch",
			Tensor:  name,
			Details: fmt.Sprintf("%d bytes for shape %v of %s, want %d", e.Size(), e.Shape, dt, want),
		}
	}
	return nil
}

// ValidateHeader validates h against a data section of dataSize bytes.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}
	for name, e := range h.Tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		if err := ValidateEntry(name, e); err != nil {
			return err
		}
	}
	if level == ValidationStrict {
		return ValidateTensorOffsets(h, dataSize)
	}
	return nil
}
