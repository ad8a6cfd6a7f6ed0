// Package qds implements the Quant Dataset File format.
//
// QDS is a single-file, memory-mappable container for the named sample
// tensors fed to quantization calibration runs.  It stores a JSON dataset
// descriptor, a JSON tensor index and a raw tensor data section, laid out
// behind a fixed binary header with an aligned section directory.
package qds

import "time"

const (
	// MagicQDS is the file magic for all QDS containers.
	MagicQDS = "QDS\x00"

	// CurrentMajor changes only on breaking format changes.
	CurrentMajor uint16 = 1

	// CurrentMinor may add new optional sections or fields.
	CurrentMinor uint16 = 0
)

type SectionType uint32

const (
	SectionDatasetInfo SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0002
	SectionTensorData  SectionType = 0x0003
)

// Header is the fixed-size file header, patched in during Finalise.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != MagicQDS {
		return false
	}
	return h.HeaderSize >= headerSize && h.SectionCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

// Section is one entry of the section directory.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

// DType identifies a tensor element encoding in the data section.
type DType string

const (
	DTypeF32 DType = "f32"
	DTypeF16 DType = "f16"
)

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16:
		return 2
	default:
		return 0
	}
}

// DatasetInfo describes a dataset; serialized as JSON in its own section.
type DatasetInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TensorRecord locates one named tensor inside the tensor data section.
// Offset is relative to the start of the section payload.
type TensorRecord struct {
	Name   string `json:"name"`
	DType  DType  `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// NumEl returns the element count implied by the record's shape.
func (r *TensorRecord) NumEl() int {
	n := 1
	for _, d := range r.Shape {
		n *= d
	}
	return n
}
