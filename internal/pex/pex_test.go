package pex

import (
	"errors"
	"testing"

	"dissect/internal/pex/pextest"
)

func TestParse64(t *testing.T) {
	code := []byte{0x55, 0xC3}
	data := pextest.Image64(code, "KERNEL32.DLL", "ExitProcess")

	img, err := Parse(data, true)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if img.ImageBase != pextest.Base64 {
		t.Errorf("ImageBase = %#x, want %#x", img.ImageBase, uint64(pextest.Base64))
	}
	if img.EntryRVA != pextest.TextRVA {
		t.Errorf("EntryRVA = %#x, want %#x", img.EntryRVA, pextest.TextRVA)
	}
	if img.Machine != MachineAMD64 {
		t.Errorf("Machine = %#x, want %#x", img.Machine, MachineAMD64)
	}
	if got := img.Arch(); got != "x86-64" {
		t.Errorf("Arch() = %q, want %q", got, "x86-64")
	}
	if len(img.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(img.Sections))
	}
	if img.Sections[0].Name != ".text" || img.Sections[1].Name != ".idata" {
		t.Errorf("section names = %q, %q", img.Sections[0].Name, img.Sections[1].Name)
	}
	if img.EntryVA() != pextest.Base64+pextest.TextRVA {
		t.Errorf("EntryVA() = %#x", img.EntryVA())
	}
}

func TestParse32(t *testing.T) {
	data := pextest.Image32([]byte{0xC3}, "USER32.DLL", "MessageBoxA")
	img, err := Parse(data, false)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if img.ImageBase != pextest.Base32 {
		t.Errorf("ImageBase = %#x, want %#x", img.ImageBase, uint64(pextest.Base32))
	}
	if img.Machine != MachineI386 {
		t.Errorf("Machine = %#x, want %#x", img.Machine, MachineI386)
	}
}

func TestParseErrors(t *testing.T) {
	data64 := pextest.Image64(nil, "KERNEL32.DLL")

	tests := []struct {
		name string
		data []byte
		is64 bool
		want error
	}{
		{name: "bitness mismatch", data: data64, is64: false, want: ErrBitness},
		{name: "zeroed buffer", data: make([]byte, 0x100), is64: true, want: ErrNotPE},
		{name: "truncated", data: []byte{'M', 'Z', 0}, is64: true, want: ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, tt.is64)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRVAToOffset(t *testing.T) {
	img, err := Parse(pextest.Image64([]byte{0x90}, "KERNEL32.DLL"), true)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		rva  uint32
		off  uint64
		ok   bool
	}{
		{name: "text start", rva: 0x1000, off: 0x200, ok: true},
		{name: "text interior", rva: 0x1010, off: 0x210, ok: true},
		{name: "idata start", rva: 0x2000, off: 0x400, ok: true},
		{name: "unmapped", rva: 0x9000, ok: false},
		{name: "below sections", rva: 0x10, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off, ok := img.RVAToOffset(tt.rva)
			if ok != tt.ok || (ok && off != tt.off) {
				t.Errorf("RVAToOffset(%#x) = (%#x, %v), want (%#x, %v)", tt.rva, off, ok, tt.off, tt.ok)
			}
		})
	}
}

func TestImportDirectoryWalk(t *testing.T) {
	img, err := Parse(pextest.Image64(nil, "KERNEL32.DLL", "ExitProcess"), true)
	if err != nil {
		t.Fatal(err)
	}

	rva, size, ok := img.DataDirectory(DirImport)
	if !ok || rva != pextest.IdataRVA || size == 0 {
		t.Fatalf("DataDirectory(import) = (%#x, %#x, %v)", rva, size, ok)
	}
	descOff, ok := img.RVAToOffset(rva)
	if !ok {
		t.Fatal("import directory RVA did not map")
	}
	nameRVA, ok := img.U32(descOff + 12)
	if !ok || nameRVA == 0 {
		t.Fatalf("descriptor name RVA = (%#x, %v)", nameRVA, ok)
	}
	nameOff, ok := img.RVAToOffset(nameRVA)
	if !ok {
		t.Fatal("name RVA did not map")
	}
	dll, ok := img.CString(nameOff, 256)
	if !ok || dll != "KERNEL32.DLL" {
		t.Errorf("CString() = (%q, %v), want KERNEL32.DLL", dll, ok)
	}

	if _, _, ok := img.DataDirectory(30); ok {
		t.Error("DataDirectory(30) = ok, want miss")
	}
}

func TestTextRegion(t *testing.T) {
	code := []byte{0x55, 0x48, 0x89, 0xE5, 0xC3}
	img, err := Parse(pextest.Image64(code, "KERNEL32.DLL"), true)
	if err != nil {
		t.Fatal(err)
	}
	got, va, ok := img.TextRegion()
	if !ok {
		t.Fatal("TextRegion() not found")
	}
	if va != pextest.Base64+pextest.TextRVA {
		t.Errorf("va = %#x, want %#x", va, uint64(pextest.Base64+pextest.TextRVA))
	}
	for i, b := range code {
		if got[i] != b {
			t.Fatalf("code[%d] = %#x, want %#x", i, got[i], b)
		}
	}
}

func TestProbe(t *testing.T) {
	if is64, err := Probe(pextest.Image64(nil, "KERNEL32.DLL")); err != nil || !is64 {
		t.Errorf("Probe(pe32+) = (%v, %v), want (true, nil)", is64, err)
	}
	if is64, err := Probe(pextest.Image32(nil, "KERNEL32.DLL")); err != nil || is64 {
		t.Errorf("Probe(pe32) = (%v, %v), want (false, nil)", is64, err)
	}
	if _, err := Probe([]byte{0x4D}); err == nil {
		t.Error("Probe(short) succeeded, want error")
	}
}

func TestBoundsCheckedReads(t *testing.T) {
	img := &Image{data: []byte{1, 2, 3, 4}}
	if _, ok := img.U32(1); !ok {
		t.Error("U32(1) failed inside bounds")
	}
	if _, ok := img.U32(2); ok {
		t.Error("U32(2) succeeded past end")
	}
	if _, ok := img.U64(0); ok {
		t.Error("U64(0) succeeded on 4-byte buffer")
	}
	if _, ok := img.U16(^uint64(0)); ok {
		t.Error("U16(max) succeeded, want overflow-safe miss")
	}
	if b, ok := img.Bytes(4, 0); !ok || len(b) != 0 {
		t.Error("Bytes(len, 0) should succeed empty")
	}
}
