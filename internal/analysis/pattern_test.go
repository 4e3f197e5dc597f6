package analysis

import (
	"bytes"
	"testing"

	"dissect/internal/disasm"
)

func TestFindPattern(t *testing.T) {
	buf := []byte{0x55, 0x48, 0xE5, 0x55, 0x00, 0xE5, 0x55, 0xE5}

	tests := []struct {
		name    string
		pattern string
		offsets []uint64
	}{
		{name: "wildcard middle", pattern: "55 ?? E5", offsets: []uint64{0, 3}},
		{name: "exact", pattern: "55 48 E5", offsets: []uint64{0}},
		{name: "no hit", pattern: "FF FF", offsets: nil},
		{name: "single wildcard", pattern: "??", offsets: []uint64{0, 1, 2, 3, 4, 5, 6, 7}},
		{name: "lowercase hex", pattern: "e5 55", offsets: []uint64{2, 5}},
		{name: "malformed token", pattern: "55 G8 E5", offsets: nil},
		{name: "short token", pattern: "55 4 E5", offsets: nil},
		{name: "empty", pattern: "", offsets: nil},
		{name: "half wildcard", pattern: "5?", offsets: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := FindPattern(buf, tt.pattern)
			if len(matches) != len(tt.offsets) {
				t.Fatalf("got %d matches, want %d", len(matches), len(tt.offsets))
			}
			for i, m := range matches {
				if m.Offset != tt.offsets[i] {
					t.Errorf("match %d at %#x, want %#x", i, m.Offset, tt.offsets[i])
				}
			}
		})
	}
}

func TestFindPatternBytes(t *testing.T) {
	buf := []byte{0x55, 0x48, 0xE5}
	matches := FindPattern(buf, "55 ?? E5")
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if !bytes.Equal(matches[0].Bytes, buf) {
		t.Errorf("match bytes = % x, want the matched window", matches[0].Bytes)
	}
}

func TestFindNopSleds(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		minLen int
		want   []PatternMatch
	}{
		{
			name:   "run of four meets threshold",
			buf:    []byte{0x90, 0x90, 0x90, 0x90, 0x01},
			minLen: 4,
			want:   []PatternMatch{{Offset: 0, Bytes: []byte{0x90, 0x90, 0x90, 0x90}}},
		},
		{
			name:   "run of four below threshold five",
			buf:    []byte{0x90, 0x90, 0x90, 0x90, 0x01},
			minLen: 5,
			want:   nil,
		},
		{
			name:   "full run emitted once",
			buf:    []byte{0x01, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x02},
			minLen: 4,
			want:   []PatternMatch{{Offset: 1, Bytes: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}}},
		},
		{
			name:   "two separate runs",
			buf:    []byte{0x90, 0x90, 0x90, 0x90, 0x01, 0x90, 0x90, 0x90, 0x90},
			minLen: 4,
			want:   []PatternMatch{{Offset: 0}, {Offset: 5}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := FindNopSleds(tt.buf, tt.minLen)
			if len(matches) != len(tt.want) {
				t.Fatalf("got %d matches, want %d", len(matches), len(tt.want))
			}
			for i, m := range matches {
				if m.Offset != tt.want[i].Offset {
					t.Errorf("match %d at %#x, want %#x", i, m.Offset, tt.want[i].Offset)
				}
				if tt.want[i].Bytes != nil && !bytes.Equal(m.Bytes, tt.want[i].Bytes) {
					t.Errorf("match %d bytes = % x, want % x", i, m.Bytes, tt.want[i].Bytes)
				}
			}
		})
	}
}

func TestFindASCIIStrings(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, []byte("Hello")...) // offset 2
	buf = append(buf, 0x00)
	buf = append(buf, []byte("ab")...) // too short
	buf = append(buf, 0xFF)
	buf = append(buf, []byte("tab\tand\nnewline")...) // offset 11, runs to end

	matches := FindASCIIStrings(buf, 4)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Offset != 2 || string(matches[0].Bytes) != "Hello" {
		t.Errorf("first = offset %#x %q", matches[0].Offset, matches[0].Bytes)
	}
	if matches[1].Offset != 11 || string(matches[1].Bytes) != "tab\tand\nnewline" {
		t.Errorf("trailing = offset %#x %q", matches[1].Offset, matches[1].Bytes)
	}
}

func TestFindWideStrings(t *testing.T) {
	wide := func(s string) []byte {
		var out []byte
		for _, c := range []byte(s) {
			out = append(out, c, 0x00)
		}
		return out
	}

	var buf []byte
	buf = append(buf, wide("Wide")...) // offset 0, 4 chars
	buf = append(buf, 0x00, 0x00)      // null pair flushes
	buf = append(buf, wide("ab")...)   // too short
	buf = append(buf, 0xFF, 0xFF)
	buf = append(buf, wide("Tail")...) // trailing run

	matches := FindWideStrings(buf, 4)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Offset != 0 || string(matches[0].Bytes) != "Wide" {
		t.Errorf("first = offset %#x %q", matches[0].Offset, matches[0].Bytes)
	}
	if string(matches[1].Bytes) != "Tail" {
		t.Errorf("trailing = %q", matches[1].Bytes)
	}
}

func TestFindWideStringsHighByte(t *testing.T) {
	// High byte 0x1F is accepted, 0x20 is not.
	accepted := []byte{'A', 0x1F, 'B', 0x1F, 'C', 0x1F, 'D', 0x1F}
	if matches := FindWideStrings(accepted, 4); len(matches) != 1 {
		t.Errorf("high byte 0x1f: got %d matches, want 1", len(matches))
	}
	rejected := []byte{'A', 0x20, 'B', 0x20, 'C', 0x20, 'D', 0x20}
	if matches := FindWideStrings(rejected, 4); len(matches) != 0 {
		t.Errorf("high byte 0x20: got %d matches, want 0", len(matches))
	}
}

func TestFindAllStrings(t *testing.T) {
	wide := func(s string) []byte {
		var out []byte
		for _, c := range []byte(s) {
			out = append(out, c, 0x00)
		}
		return out
	}
	var buf []byte
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, wide("Wide") /* offset 2 */ ...)
	buf = append(buf, 0xFF, 0xFF)

	asciiAt := len(buf)
	buf = append(buf, []byte("Ascii")...)
	buf = append(buf, 0x00)

	matches := FindAllStrings(buf, 4)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i-1].Offset > matches[i].Offset {
			t.Fatal("matches not sorted by offset")
		}
	}
	if matches[0].Offset != 2 || string(matches[0].Bytes) != "Wide" {
		t.Errorf("first = offset %#x %q, want the wide run at 2", matches[0].Offset, matches[0].Bytes)
	}
	if matches[1].Offset != uint64(asciiAt) || string(matches[1].Bytes) != "Ascii" {
		t.Errorf("second = offset %#x %q, want the ascii run", matches[1].Offset, matches[1].Bytes)
	}
}

func TestFindInstructions(t *testing.T) {
	insns := []disasm.Instruction{
		ins(0x1000, "call", 5, branch(0x2000)),
		ins(0x1005, "mov", 3, reg("eax", 32), reg("ebx", 32)),
		ins(0x1008, "call", 5, branch(0x3000)),
	}
	matches := FindInstructions(insns, func(i disasm.Instruction) bool { return i.IsCall() })
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Offset != 0x1000 || matches[1].Offset != 0x1008 {
		t.Errorf("offsets = %#x, %#x", matches[0].Offset, matches[1].Offset)
	}
	if FindInstructions(insns, nil) != nil {
		t.Error("nil predicate should yield nil")
	}
}

func TestValidPattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    bool
	}{
		{"55 8B EC", true},
		{"55 ?? EC", true},
		{"??", true},
		{"ff 00", true},
		{"", false},
		{"5", false},
		{"GG", false},
		{"9?", false},
		{"90 9", false},
	}
	for _, tt := range tests {
		if got := ValidPattern(tt.pattern); got != tt.want {
			t.Errorf("ValidPattern(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}
