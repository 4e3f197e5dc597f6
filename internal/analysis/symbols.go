package analysis

import (
	"fmt"

	"dissect/internal/disasm"
	"dissect/internal/logging"
	"dissect/internal/pex"

	"github.com/ianlancetaylor/demangle"
)

// SymbolType classifies a resolved symbol.
type SymbolType int

const (
	SymFunction SymbolType = iota
	SymData
	SymImport
	SymExport
	SymString
)

func (t SymbolType) String() string {
	switch t {
	case SymFunction:
		return "function"
	case SymData:
		return "data"
	case SymImport:
		return "import"
	case SymExport:
		return "export"
	case SymString:
		return "string"
	}
	return "unknown"
}

// Symbol is a named address. Import symbols sit at their IAT slot
// address; string symbols are keyed by file offset rather than virtual
// address since they are found by raw buffer scan.
type Symbol struct {
	Address    uint64
	Name       string
	Type       SymbolType
	Section    string
	Size       uint64
	IsImported bool
	IsExported bool
	SourceDLL  string
}

// ResolveOptions toggles the symbol sources.
type ResolveOptions struct {
	Imports bool
	Exports bool
	Strings bool
}

// ResolveSymbols builds the symbol table for a binary. Sources apply in
// precedence order with first-write-wins per address: import table,
// export table, discovered functions, then strings when requested.
// A malformed binary aborts the affected sub-step and keeps whatever was
// gathered before it.
func ResolveSymbols(insns []disasm.Instruction, binary []byte, is64 bool, opts ResolveOptions) map[uint64]Symbol {
	symbols := make(map[uint64]Symbol)
	put := func(s Symbol) {
		if _, exists := symbols[s.Address]; !exists {
			symbols[s.Address] = s
		}
	}

	var img *pex.Image
	if binary != nil {
		parsed, err := pex.Parse(binary, is64)
		if err != nil {
			if logging.IsDebug() {
				lg := logging.NewLogger()
				lg.Debug("pe parse failed, continuing without image", "err", err)
			}
		} else {
			img = parsed
		}
	}

	if opts.Imports && img != nil {
		for _, imp := range walkImports(img) {
			put(Symbol{
				Address:    imp.VA,
				Name:       imp.Name,
				Type:       SymImport,
				Section:    imp.Section,
				IsImported: true,
				SourceDLL:  imp.DLL,
			})
		}
	}
	if opts.Exports && img != nil {
		for _, exp := range walkExports(img) {
			put(Symbol{
				Address:    exp.VA,
				Name:       exp.Name,
				Type:       SymExport,
				Section:    exp.Section,
				IsExported: true,
			})
		}
	}

	// Import and export tables were consumed above, so the function pass
	// runs with only the prologue and entry heuristics.
	for _, fn := range FindFunctions(insns, binary, is64, FindOptions{Prologues: true}) {
		sym := Symbol{
			Address: fn.Address,
			Name:    FuncName(fn),
			Type:    SymFunction,
			Size:    uint64(CalculateFunctionSize(insns, fn.Address)),
		}
		if img != nil && fn.Address >= img.ImageBase {
			if sec, ok := img.SectionForRVA(uint32(fn.Address - img.ImageBase)); ok {
				sym.Section = sec.Name
			}
		}
		put(sym)
	}

	if opts.Strings && binary != nil {
		for _, m := range FindASCIIStrings(binary, MinStringLength) {
			if m.Offset < StringSymbolSkip {
				continue
			}
			raw := m.Bytes
			if len(raw) > MaxStringLength {
				raw = raw[:MaxStringLength]
			}
			sym := Symbol{
				Address: m.Offset,
				Name:    EscapeUnprintable(raw),
				Type:    SymString,
				Size:    uint64(len(m.Bytes)),
			}
			if img != nil {
				if sec, ok := img.SectionForOffset(m.Offset); ok {
					sym.Section = sec.Name
				}
			}
			put(sym)
		}
	}

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("resolved symbols", "count", len(symbols))
	}
	return symbols
}

// importEntry is one resolved slot of the import address table.
type importEntry struct {
	VA      uint64
	Name    string
	DLL     string
	Section string
}

// walkImports parses the import directory table by raw byte offsets:
// 20-byte descriptors until a zero import lookup table RVA, each naming
// a DLL and pointing at an IAT whose slots are walked until zero. Every
// read is bounds-checked; a truncated structure ends the walk with the
// entries gathered so far.
func walkImports(img *pex.Image) []importEntry {
	impRVA, _, ok := img.DataDirectory(pex.DirImport)
	if !ok || impRVA == 0 {
		return nil
	}
	descOff, ok := img.RVAToOffset(impRVA)
	if !ok {
		return nil
	}

	slot := uint64(4)
	ordinalBit := uint64(1) << 31
	if img.Is64 {
		slot = 8
		ordinalBit = uint64(1) << 63
	}

	var entries []importEntry
	for d := uint64(0); ; d++ {
		base := descOff + d*pex.ImportDescSize
		ilt, ok := img.U32(base)
		if !ok || ilt == 0 {
			break
		}
		nameRVA, ok := img.U32(base + 12)
		if !ok {
			break
		}
		iatRVA, ok := img.U32(base + 16)
		if !ok {
			break
		}

		dll := ""
		if nameOff, ok := img.RVAToOffset(nameRVA); ok {
			if s, ok := img.CString(nameOff, MaxStringLength); ok {
				dll = s
			}
		}
		section := ""
		if sec, ok := img.SectionForRVA(iatRVA); ok {
			section = sec.Name
		}

		iatOff, ok := img.RVAToOffset(iatRVA)
		if !ok {
			continue
		}
		for i := uint64(0); ; i++ {
			var value uint64
			if img.Is64 {
				v, ok := img.U64(iatOff + i*slot)
				if !ok {
					break
				}
				value = v
			} else {
				v, ok := img.U32(iatOff + i*slot)
				if !ok {
					break
				}
				value = uint64(v)
			}
			if value == 0 {
				break
			}
			entries = append(entries, importEntry{
				VA:      img.ImageBase + uint64(iatRVA) + i*slot,
				Name:    importName(img, value, ordinalBit, dll, int(i)),
				DLL:     dll,
				Section: section,
			})
		}
	}

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("walked import table", "entries", len(entries))
	}
	return entries
}

// importName resolves one IAT slot to a display name. A set ordinal bit
// means import-by-ordinal; otherwise the slot value is the RVA of a
// hint/name entry and the name starts two bytes past the hint. Slots
// that map nowhere fall back to a positional name.
func importName(img *pex.Image, slotValue, ordinalBit uint64, dll string, index int) string {
	if slotValue&ordinalBit != 0 {
		return fmt.Sprintf("%s.ordinal_%d", dll, slotValue&0xFFFF)
	}
	if slotValue <= 0xFFFFFFFF {
		if off, ok := img.RVAToOffset(uint32(slotValue)); ok {
			if name, ok := img.CString(off+2, MaxStringLength); ok && name != "" {
				return demangledName(name)
			}
		}
	}
	return fmt.Sprintf("%s.import_%d", dll, index)
}

// walkExports would parse the export directory (data directory 0). The
// resolution order reserves a slot for exports, but extraction itself is
// a stub producing no symbols.
func walkExports(img *pex.Image) []importEntry {
	return nil
}

// importsFromBinary parses and walks in one step, for callers holding
// only the raw buffer.
func importsFromBinary(binary []byte, is64 bool) []importEntry {
	img, err := pex.Parse(binary, is64)
	if err != nil {
		if logging.IsDebug() {
			lg := logging.NewLogger()
			lg.Debug("pe parse failed, skipping imports", "err", err)
		}
		return nil
	}
	return walkImports(img)
}

func exportsFromBinary(binary []byte, is64 bool) []importEntry {
	img, err := pex.Parse(binary, is64)
	if err != nil {
		return nil
	}
	return walkExports(img)
}

// demangledName renders a possibly mangled name for display. Plain names
// pass through unchanged.
func demangledName(name string) string {
	return demangle.Filter(name, demangle.NoClones)
}
