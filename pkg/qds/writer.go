package qds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/lowbitml/quantsim/internal/tensor"
)

// Writer builds a QDS file section by section.  Space for the header is
// reserved up front and patched during Finalise.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	closed   bool
}

// NewWriter creates a writer targeting the given file.  It truncates the
// file and reserves the header bytes.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("qds: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, seen: make(map[SectionType]struct{})}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload and records it in the section
// directory.  A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if w.closed {
		return errors.New("qds: writer already finalised")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("qds: duplicate section type")
	}
	if err := w.alignTo(fileAlign); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.f.Write(data); err != nil {
			return err
		}
	}
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// Finalise writes the section directory and patches the header.  After
// Finalise the writer must not be used again.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("qds: writer already finalised")
	}
	w.closed = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(fileAlign); err != nil {
		return err
	}
	dirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var secBuf [sectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("qds: encode section failed")
		}
		if _, err := w.f.Write(secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header Header
	copy(header.Magic[:], MagicQDS)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = headerSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(dirOffset)
	header.FileSize = uint64(fileSize)

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("qds: encode header failed")
	}
	if _, err := w.f.Write(hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if mod := pos % n; mod != 0 {
		return w.writeZeros(int(n - mod))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	if n <= 0 {
		return nil
	}
	_, err := w.f.Write(make([]byte, n))
	return err
}

// Builder assembles a dataset in memory and writes it as one QDS file.
// Tensor payloads are aligned within the data section so a reader can
// slice them straight out of the mmap.
type Builder struct {
	info  DatasetInfo
	index []TensorRecord
	data  []byte
	names map[string]struct{}
}

// NewBuilder creates a dataset builder.  A zero CreatedAt is stamped with
// the current time.
func NewBuilder(info DatasetInfo) *Builder {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	return &Builder{info: info, names: make(map[string]struct{})}
}

// Add appends a named tensor encoded with the given dtype.
func (b *Builder) Add(name string, t *tensor.Tensor, dtype DType) error {
	if name == "" {
		return errors.New("qds: empty tensor name")
	}
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("qds: duplicate tensor %q", name)
	}
	elem := dtype.ElemSize()
	if elem == 0 {
		return fmt.Errorf("qds: unknown dtype %q", dtype)
	}

	// Keep every payload 8-byte aligned within the section.
	if pad := len(b.data) % fileAlign; pad != 0 {
		b.data = append(b.data, make([]byte, fileAlign-pad)...)
	}
	offset := uint64(len(b.data))

	switch dtype {
	case DTypeF32:
		var buf [4]byte
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			b.data = append(b.data, buf[:]...)
		}
	case DTypeF16:
		var buf [2]byte
		for _, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[:], float16.Fromfloat32(v).Bits())
			b.data = append(b.data, buf[:]...)
		}
	}

	b.index = append(b.index, TensorRecord{
		Name:   name,
		DType:  dtype,
		Shape:  append([]int(nil), t.Shape...),
		Offset: offset,
		Size:   uint64(t.NumEl() * elem),
	})
	b.names[name] = struct{}{}
	return nil
}

// WriteFile writes the assembled dataset to path.
func (b *Builder) WriteFile(path string) error {
	infoJSON, err := json.Marshal(b.info)
	if err != nil {
		return err
	}
	indexJSON, err := json.Marshal(b.index)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := w.WriteSection(SectionDatasetInfo, 1, infoJSON); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, 1, indexJSON); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.WriteSection(SectionTensorData, 1, b.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Finalise(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
