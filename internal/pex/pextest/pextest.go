// Package pextest builds small synthetic PE images for tests. The layout
// is fixed: headers in the first 0x200 bytes, .text raw data at 0x200,
// .idata raw data at 0x400, total size 0x600.
package pextest

import (
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	Base64 = 0x140000000
	Base32 = 0x400000

	TextRVA  = 0x1000
	IdataRVA = 0x2000

	textPtr  = 0x200
	idataPtr = 0x400

	// Offsets inside .idata. Room for up to seven import slots.
	iltOff     = 0x40
	iatOff     = 0x80
	dllNameOff = 0xC0
	hintOff    = 0xE0

	// IATRVA is where the import address table lands, for computing
	// expected import symbol addresses in tests.
	IATRVA = IdataRVA + iatOff
)

// Image64 returns a PE32+ image with code in .text and one import
// descriptor for dll naming funcs. Image base is Base64.
func Image64(code []byte, dll string, funcs ...string) []byte {
	return build(true, code, dll, funcs)
}

// Image32 is Image64 for PE32 with image base Base32.
func Image32(code []byte, dll string, funcs ...string) []byte {
	return build(false, code, dll, funcs)
}

func build(is64 bool, code []byte, dll string, funcs []string) []byte {
	img := make([]byte, 0x600)
	le := binary.LittleEndian

	optSize := uint16(0xE0) // 96 fixed + 16 directories
	if is64 {
		optSize = 0xF0 // 112 fixed + 16 directories
	}

	// DOS header: just the magic and e_lfanew.
	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3C:], 0x80)

	peOff := 0x80
	copy(img[peOff:], "PE\x00\x00")
	machine := uint16(0x14C)
	if is64 {
		machine = 0x8664
	}
	le.PutUint16(img[peOff+4:], machine)
	le.PutUint16(img[peOff+6:], 2) // sections
	le.PutUint16(img[peOff+20:], optSize)
	le.PutUint16(img[peOff+22:], 0x0022)

	opt := peOff + 24
	if is64 {
		le.PutUint16(img[opt:], 0x20B)
		le.PutUint32(img[opt+16:], TextRVA) // entry point
		le.PutUint64(img[opt+24:], Base64)
		le.PutUint32(img[opt+108:], 16) // directory count
		// directory 1: import table
		le.PutUint32(img[opt+112+8:], IdataRVA)
		le.PutUint32(img[opt+112+12:], 0x100)
	} else {
		le.PutUint16(img[opt:], 0x10B)
		le.PutUint32(img[opt+16:], TextRVA)
		le.PutUint32(img[opt+28:], Base32)
		le.PutUint32(img[opt+92:], 16)
		le.PutUint32(img[opt+96+8:], IdataRVA)
		le.PutUint32(img[opt+96+12:], 0x100)
	}

	sec := opt + int(optSize)
	putSection(img[sec:], ".text", uint32(len(code)), TextRVA, 0x200, textPtr, 0x60000020)
	putSection(img[sec+40:], ".idata", 0x200, IdataRVA, 0x200, idataPtr, 0xC0000040)

	copy(img[textPtr:idataPtr], code)

	// Import descriptor followed by an all-zero terminator.
	le.PutUint32(img[idataPtr:], IdataRVA+iltOff)
	le.PutUint32(img[idataPtr+12:], IdataRVA+dllNameOff)
	le.PutUint32(img[idataPtr+16:], IdataRVA+iatOff)

	copy(img[idataPtr+dllNameOff:], dll)

	// Hint/name entries, referenced from both the ILT and the IAT. A
	// name of the form "#N" produces an import-by-ordinal slot instead.
	off := hintOff
	for i, name := range funcs {
		var slot uint64
		if ord, ok := strings.CutPrefix(name, "#"); ok {
			n, _ := strconv.ParseUint(ord, 10, 16)
			if is64 {
				slot = 1<<63 | n
			} else {
				slot = 1<<31 | n
			}
		} else {
			slot = uint64(IdataRVA + off)
			le.PutUint16(img[idataPtr+off:], uint16(i))
			copy(img[idataPtr+off+2:], name)
			off += 2 + len(name) + 1
			if off%2 != 0 {
				off++
			}
		}
		if is64 {
			le.PutUint64(img[idataPtr+iltOff+i*8:], slot)
			le.PutUint64(img[idataPtr+iatOff+i*8:], slot)
		} else {
			le.PutUint32(img[idataPtr+iltOff+i*4:], uint32(slot))
			le.PutUint32(img[idataPtr+iatOff+i*4:], uint32(slot))
		}
	}
	return img
}

func putSection(b []byte, name string, vsize, va, raw, ptr, chars uint32) {
	le := binary.LittleEndian
	copy(b[:8], name)
	le.PutUint32(b[8:], vsize)
	le.PutUint32(b[12:], va)
	le.PutUint32(b[16:], raw)
	le.PutUint32(b[20:], ptr)
	le.PutUint32(b[36:], chars)
}
