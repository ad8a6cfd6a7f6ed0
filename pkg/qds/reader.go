package qds

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// File is a validated, possibly memory-mapped QDS container.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

// Open maps a QDS file read-only and validates its structure.  If mmap is
// unavailable, it falls back to ReadAt-based loading.  The returned file
// must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		return nil, ErrCorruptFile
	}
	size := int(size64)

	// Prefer mmap where available for zero-copy section slices.
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		qf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return qf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a QDS file from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptFile
	}
	hdr, ok := decodeHeader(data[:headerSize])
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*sectionSize
		sec, ok := decodeSection(data[start : start+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		sections[i] = sec
	}

	for i := range sections {
		s := &sections[i]
		end := s.Offset + s.Size
		if end < s.Offset || end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptFile, i)
		}
		if s.Offset < uint64(hdr.HeaderSize) {
			return nil, fmt.Errorf("%w: section %d overlaps header", ErrCorruptFile, i)
		}
		if s.Offset%fileAlign != 0 {
			return nil, fmt.Errorf("%w: section %d offset not %d-byte aligned", ErrCorruptFile, i, fileAlign)
		}
	}

	return &File{
		Data:     data,
		Header:   &hdr,
		Sections: sections,
		mmapped:  mmapped,
	}, nil
}

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}

// Section returns the first section matching the given type, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice covering the section payload.
// The caller must not retain this slice after File.Close().
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[int(s.Offset):int(end)]
}

// Dataset is a parsed view over a QDS file: descriptor, tensor index and
// decoded tensor access.
type Dataset struct {
	file   *File
	info   DatasetInfo
	index  []TensorRecord
	byName map[string]int
}

// OpenDataset opens and fully indexes a QDS dataset.
func OpenDataset(path string) (*Dataset, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	ds, err := newDataset(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return ds, nil
}

func newDataset(f *File) (*Dataset, error) {
	infoSec := f.Section(SectionDatasetInfo)
	idxSec := f.Section(SectionTensorIndex)
	dataSec := f.Section(SectionTensorData)
	if infoSec == nil || idxSec == nil || dataSec == nil {
		return nil, fmt.Errorf("%w: missing required section", ErrCorruptFile)
	}

	ds := &Dataset{file: f, byName: make(map[string]int)}
	if err := json.Unmarshal(f.SectionData(infoSec), &ds.info); err != nil {
		return nil, fmt.Errorf("%w: dataset info: %v", ErrCorruptFile, err)
	}
	if err := json.Unmarshal(f.SectionData(idxSec), &ds.index); err != nil {
		return nil, fmt.Errorf("%w: tensor index: %v", ErrCorruptFile, err)
	}

	for i := range ds.index {
		r := &ds.index[i]
		elem := r.DType.ElemSize()
		if elem == 0 {
			return nil, fmt.Errorf("%w: tensor %q has unknown dtype %q", ErrCorruptFile, r.Name, r.DType)
		}
		if want := uint64(r.NumEl()) * uint64(elem); want != r.Size {
			return nil, fmt.Errorf("%w: tensor %q size %d does not match shape %v", ErrCorruptFile, r.Name, r.Size, r.Shape)
		}
		end := r.Offset + r.Size
		if end < r.Offset || end > dataSec.Size {
			return nil, fmt.Errorf("%w: tensor %q out of bounds", ErrCorruptFile, r.Name)
		}
		if _, dup := ds.byName[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrCorruptFile, r.Name)
		}
		ds.byName[r.Name] = i
	}
	return ds, nil
}

// Close releases the underlying file.
func (d *Dataset) Close() error { return d.file.Close() }

// Info returns the dataset descriptor.
func (d *Dataset) Info() DatasetInfo { return d.info }

// Records returns the tensor index in file order.
func (d *Dataset) Records() []TensorRecord { return d.index }

// Len returns the number of tensors in the dataset.
func (d *Dataset) Len() int { return len(d.index) }

// Tensor decodes the named tensor into a freshly allocated float32 tensor.
func (d *Dataset) Tensor(name string) (*tensor.Tensor, error) {
	i, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return d.TensorAt(i)
}

// TensorAt decodes the i-th tensor of the index.
func (d *Dataset) TensorAt(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(d.index) {
		return nil, fmt.Errorf("%w: index %d", ErrTensorNotFound, i)
	}
	r := &d.index[i]
	payload := d.file.SectionData(d.file.Section(SectionTensorData))
	raw := payload[r.Offset : r.Offset+r.Size]

	out := tensor.New(r.Shape...)
	switch r.DType {
	case DTypeF32:
		for j := range out.Data {
			out.Data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}
	case DTypeF16:
		for j := range out.Data {
			out.Data[j] = float16.Frombits(binary.LittleEndian.Uint16(raw[j*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("%w: tensor %q has unknown dtype %q", ErrCorruptFile, r.Name, r.DType)
	}
	return out, nil
}
