package analysis

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dissect/internal/disasm"
)

// PatternMatch is one hit of a byte-level scan. Offset is a flat buffer
// offset, not necessarily a decoded instruction address.
type PatternMatch struct {
	Offset      uint64
	Bytes       []byte
	Description string
}

type patternToken struct {
	value byte
	wild  bool
}

// parsePattern splits a whitespace-separated hex pattern into byte
// tokens, where "??" is a wildcard. A malformed token rejects the whole
// pattern.
func parsePattern(pattern string) ([]patternToken, bool) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return nil, false
	}
	tokens := make([]patternToken, 0, len(fields))
	for _, f := range fields {
		if f == "??" {
			tokens = append(tokens, patternToken{wild: true})
			continue
		}
		if len(f) != 2 {
			return nil, false
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, false
		}
		tokens = append(tokens, patternToken{value: byte(v)})
	}
	return tokens, true
}

// ValidPattern reports whether pattern parses under FindPattern's token
// rules.
func ValidPattern(pattern string) bool {
	_, ok := parsePattern(pattern)
	return ok
}

// FindPattern scans buf for a whitespace-separated hex pattern where
// "??" matches any byte, e.g. "55 ?? E5". A malformed token rejects the
// whole pattern and yields nil.
func FindPattern(buf []byte, pattern string) []PatternMatch {
	tokens, ok := parsePattern(pattern)
	if !ok {
		return nil
	}

	var matches []PatternMatch
	for i := 0; i+len(tokens) <= len(buf); i++ {
		hit := true
		for j, tk := range tokens {
			if !tk.wild && buf[i+j] != tk.value {
				hit = false
				break
			}
		}
		if hit {
			matches = append(matches, PatternMatch{
				Offset:      uint64(i),
				Bytes:       append([]byte(nil), buf[i:i+len(tokens)]...),
				Description: pattern,
			})
		}
	}
	return matches
}

// FindInstructions returns a match for every instruction satisfying
// pred, keyed by instruction address.
func FindInstructions(insns []disasm.Instruction, pred func(disasm.Instruction) bool) []PatternMatch {
	if pred == nil {
		return nil
	}
	var matches []PatternMatch
	for _, inst := range insns {
		if pred(inst) {
			matches = append(matches, PatternMatch{
				Offset:      inst.Address,
				Bytes:       inst.Bytes,
				Description: inst.Text(),
			})
		}
	}
	return matches
}

// FindNopSleds finds runs of 0x90 at least minLen long. Runs are
// non-overlapping and each match covers the whole run.
func FindNopSleds(buf []byte, minLen int) []PatternMatch {
	if minLen <= 0 {
		minLen = MinNopSledLength
	}
	var matches []PatternMatch
	i := 0
	for i < len(buf) {
		if buf[i] != 0x90 {
			i++
			continue
		}
		j := i
		for j < len(buf) && buf[j] == 0x90 {
			j++
		}
		if j-i >= minLen {
			matches = append(matches, PatternMatch{
				Offset:      uint64(i),
				Bytes:       append([]byte(nil), buf[i:j]...),
				Description: fmt.Sprintf("nop sled (%d bytes)", j-i),
			})
		}
		i = j
	}
	return matches
}

func printableASCII(b byte) bool {
	return (b >= 0x20 && b <= 0x7E) || b == '\t' || b == '\n' || b == '\r'
}

// FindASCIIStrings finds printable runs of at least minLen bytes,
// including a run that extends to the end of the buffer.
func FindASCIIStrings(buf []byte, minLen int) []PatternMatch {
	if minLen <= 0 {
		minLen = MinStringLength
	}
	var matches []PatternMatch
	emit := func(start, end int) {
		if end-start < minLen {
			return
		}
		matches = append(matches, PatternMatch{
			Offset:      uint64(start),
			Bytes:       append([]byte(nil), buf[start:end]...),
			Description: fmt.Sprintf("ascii string (%d bytes)", end-start),
		})
	}
	start := -1
	for i, b := range buf {
		if printableASCII(b) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			emit(start, i)
			start = -1
		}
	}
	if start >= 0 {
		emit(start, len(buf))
	}
	return matches
}

// FindWideStrings finds UTF-16LE-style runs: pairs with a printable low
// byte and a high byte below 0x20, walked in two-byte steps. A null pair
// or non-conforming pair flushes the run; minLen counts characters. The
// match bytes are the narrowed characters, so the raw span is twice as
// long.
func FindWideStrings(buf []byte, minLen int) []PatternMatch {
	if minLen <= 0 {
		minLen = MinStringLength
	}
	var matches []PatternMatch
	var run []byte
	start := 0
	flush := func() {
		if len(run) >= minLen {
			matches = append(matches, PatternMatch{
				Offset:      uint64(start),
				Bytes:       append([]byte(nil), run...),
				Description: fmt.Sprintf("wide string (%d chars)", len(run)),
			})
		}
		run = run[:0]
	}
	for i := 0; i+1 < len(buf); i += 2 {
		lo, hi := buf[i], buf[i+1]
		// A null pair fails the printable check and flushes like any
		// other non-conforming pair.
		if printableASCII(lo) && hi < 0x20 {
			if len(run) == 0 {
				start = i
			}
			run = append(run, lo)
			continue
		}
		flush()
	}
	flush()
	return matches
}

// FindAllStrings interleaves ASCII and wide scans sorted by offset.
func FindAllStrings(buf []byte, minLen int) []PatternMatch {
	matches := FindASCIIStrings(buf, minLen)
	matches = append(matches, FindWideStrings(buf, minLen)...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })
	return matches
}
