// Package pex parses Portable Executable images by direct byte-offset
// reads, without debug/pe. Every read is bounds-checked and returns a
// (value, ok) pair so malformed images degrade to partial results
// instead of panicking.
package pex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	peOffsetAt       = 0x3C
	peSignature      = 0x00004550 // "PE\0\0"
	optMagicPE32     = 0x10B
	optMagicPE32Plus = 0x20B

	sectionHeaderSize = 40

	// DirImport is the data directory index of the import table.
	DirImport = 1

	// ImportDescSize is the size of one import directory entry.
	ImportDescSize = 20

	MachineI386  = 0x14C
	MachineAMD64 = 0x8664

	scnMemExecute = 0x20000000
)

var (
	ErrNotPE     = errors.New("missing PE signature")
	ErrTruncated = errors.New("image truncated")
	ErrBitness   = errors.New("optional header magic does not match requested bitness")
)

// Section is one entry of the section table.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// Image is a parsed PE file. The raw buffer stays accessible through the
// bounds-checked readers; nothing is copied out of it.
type Image struct {
	data []byte

	Is64      bool
	Machine   uint16
	ImageBase uint64
	EntryRVA  uint32
	Sections  []Section

	dirs [][2]uint32 // rva, size
}

// Parse reads the PE headers of data. is64 selects the expected optional
// header format; a mismatch is an error so the caller never walks 64-bit
// structures with 32-bit strides. A truncated section table is not an
// error, the sections read so far are kept.
func Parse(data []byte, is64 bool) (*Image, error) {
	img := &Image{data: data, Is64: is64}

	peOff32, ok := img.U32(peOffsetAt)
	if !ok {
		return nil, fmt.Errorf("pe offset at 0x3c: %w", ErrTruncated)
	}
	peOff := uint64(peOff32)
	sig, ok := img.U32(peOff)
	if !ok || sig != peSignature {
		return nil, ErrNotPE
	}

	img.Machine, _ = img.U16(peOff + 4)
	numSections, ok := img.U16(peOff + 6)
	if !ok {
		return nil, fmt.Errorf("coff header: %w", ErrTruncated)
	}
	optSize, ok := img.U16(peOff + 20)
	if !ok {
		return nil, fmt.Errorf("coff header: %w", ErrTruncated)
	}

	optOff := peOff + 24
	magic, ok := img.U16(optOff)
	if !ok {
		return nil, fmt.Errorf("optional header: %w", ErrTruncated)
	}
	if is64 && magic != optMagicPE32Plus || !is64 && magic != optMagicPE32 {
		return nil, fmt.Errorf("magic %#x: %w", magic, ErrBitness)
	}
	img.EntryRVA, _ = img.U32(optOff + 16)
	if is64 {
		base, ok := img.U64(optOff + 24)
		if !ok {
			return nil, fmt.Errorf("image base: %w", ErrTruncated)
		}
		img.ImageBase = base
	} else {
		base, ok := img.U32(optOff + 28)
		if !ok {
			return nil, fmt.Errorf("image base: %w", ErrTruncated)
		}
		img.ImageBase = uint64(base)
	}

	// Data directories follow the fixed optional header fields.
	countOff, dirOff := optOff+92, optOff+96
	if is64 {
		countOff, dirOff = optOff+108, optOff+112
	}
	numDirs, _ := img.U32(countOff)
	if numDirs > 16 {
		numDirs = 16
	}
	for i := uint64(0); i < uint64(numDirs); i++ {
		rva, ok1 := img.U32(dirOff + i*8)
		size, ok2 := img.U32(dirOff + i*8 + 4)
		if !ok1 || !ok2 {
			break
		}
		img.dirs = append(img.dirs, [2]uint32{rva, size})
	}

	secOff := peOff + 24 + uint64(optSize)
	for i := uint64(0); i < uint64(numSections); i++ {
		base := secOff + i*sectionHeaderSize
		name, ok0 := img.Bytes(base, 8)
		vs, ok1 := img.U32(base + 8)
		va, ok2 := img.U32(base + 12)
		raw, ok3 := img.U32(base + 16)
		ptr, ok4 := img.U32(base + 20)
		chars, ok5 := img.U32(base + 36)
		if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			break
		}
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		img.Sections = append(img.Sections, Section{
			Name:             string(name),
			VirtualSize:      vs,
			VirtualAddress:   va,
			SizeOfRawData:    raw,
			PointerToRawData: ptr,
			Characteristics:  chars,
		})
	}
	return img, nil
}

// Probe inspects the optional header magic and reports whether the image
// is PE32+ without committing to a full parse.
func Probe(data []byte) (is64 bool, err error) {
	img := &Image{data: data}
	peOff32, ok := img.U32(peOffsetAt)
	if !ok {
		return false, fmt.Errorf("pe offset at 0x3c: %w", ErrTruncated)
	}
	peOff := uint64(peOff32)
	if sig, ok := img.U32(peOff); !ok || sig != peSignature {
		return false, ErrNotPE
	}
	magic, ok := img.U16(peOff + 24)
	if !ok {
		return false, fmt.Errorf("optional header: %w", ErrTruncated)
	}
	switch magic {
	case optMagicPE32:
		return false, nil
	case optMagicPE32Plus:
		return true, nil
	}
	return false, fmt.Errorf("magic %#x: %w", magic, ErrBitness)
}

// U16 reads a little-endian uint16 at off.
func (img *Image) U16(off uint64) (uint16, bool) {
	if off >= uint64(len(img.data)) || uint64(len(img.data))-off < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(img.data[off:]), true
}

// U32 reads a little-endian uint32 at off.
func (img *Image) U32(off uint64) (uint32, bool) {
	if off >= uint64(len(img.data)) || uint64(len(img.data))-off < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(img.data[off:]), true
}

// U64 reads a little-endian uint64 at off.
func (img *Image) U64(off uint64) (uint64, bool) {
	if off >= uint64(len(img.data)) || uint64(len(img.data))-off < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(img.data[off:]), true
}

// Bytes returns the n bytes at off. It returns false if the range runs
// past the end of the image.
func (img *Image) Bytes(off, n uint64) ([]byte, bool) {
	if off > uint64(len(img.data)) || uint64(len(img.data))-off < n {
		return nil, false
	}
	return img.data[off : off+n], true
}

// CString reads a NUL-terminated string at off, stopping after max bytes
// if no terminator shows up first.
func (img *Image) CString(off uint64, max int) (string, bool) {
	if off >= uint64(len(img.data)) {
		return "", false
	}
	end := off + uint64(max)
	if end > uint64(len(img.data)) {
		end = uint64(len(img.data))
	}
	b := img.data[off:end]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// DataDirectory returns the RVA and size of directory index i.
func (img *Image) DataDirectory(i int) (rva, size uint32, ok bool) {
	if i < 0 || i >= len(img.dirs) {
		return 0, 0, false
	}
	return img.dirs[i][0], img.dirs[i][1], true
}

// RVAToOffset translates a relative virtual address into a file offset
// using the section table. It returns false if rva is unmapped. A section
// spans max(VirtualSize, SizeOfRawData) so both packed and padded images
// map.
func (img *Image) RVAToOffset(rva uint32) (uint64, bool) {
	for _, s := range img.Sections {
		size := s.VirtualSize
		if s.SizeOfRawData > size {
			size = s.SizeOfRawData
		}
		if uint64(rva) >= uint64(s.VirtualAddress) && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			return uint64(s.PointerToRawData) + uint64(rva-s.VirtualAddress), true
		}
	}
	return 0, false
}

// SectionForRVA returns the section containing rva.
func (img *Image) SectionForRVA(rva uint32) (Section, bool) {
	for _, s := range img.Sections {
		size := s.VirtualSize
		if s.SizeOfRawData > size {
			size = s.SizeOfRawData
		}
		if uint64(rva) >= uint64(s.VirtualAddress) && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			return s, true
		}
	}
	return Section{}, false
}

// SectionForOffset returns the section whose raw data range contains the
// file offset.
func (img *Image) SectionForOffset(off uint64) (Section, bool) {
	for _, s := range img.Sections {
		if off >= uint64(s.PointerToRawData) && off < uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) {
			return s, true
		}
	}
	return Section{}, false
}

// TextRegion returns the raw bytes and load address of the code section:
// ".text" when present, otherwise the first executable section.
func (img *Image) TextRegion() (code []byte, va uint64, ok bool) {
	pick := -1
	for i, s := range img.Sections {
		if s.Name == ".text" {
			pick = i
			break
		}
	}
	if pick < 0 {
		for i, s := range img.Sections {
			if s.Characteristics&scnMemExecute != 0 {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		return nil, 0, false
	}
	s := img.Sections[pick]
	off, n := uint64(s.PointerToRawData), uint64(s.SizeOfRawData)
	if off >= uint64(len(img.data)) || n == 0 {
		return nil, 0, false
	}
	if uint64(len(img.data))-off < n {
		n = uint64(len(img.data)) - off
	}
	return img.data[off : off+n], img.ImageBase + uint64(s.VirtualAddress), true
}

// EntryVA returns the absolute virtual address of the entry point.
func (img *Image) EntryVA() uint64 {
	return img.ImageBase + uint64(img.EntryRVA)
}

// Arch names the machine type for display.
func (img *Image) Arch() string {
	switch img.Machine {
	case MachineAMD64:
		return "x86-64"
	case MachineI386:
		return "x86"
	}
	if img.Is64 {
		return "x86-64"
	}
	return "x86"
}
