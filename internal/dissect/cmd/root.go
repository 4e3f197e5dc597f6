package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	pathpkg "path/filepath"
	"runtime/pprof"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"github.com/zboralski/lattice/render"

	"dissect/internal/analysis"
	"dissect/internal/cache"
	"dissect/internal/callgraph"
	"dissect/internal/disasm"
	"dissect/internal/dissect/log"
	"dissect/internal/dissect/styles"
	"dissect/internal/pex"
	"dissect/internal/ui/colorize"
)

const (
	maxPreviewFuncs  = 8
	maxPreviewLines  = 16
	maxReportStrings = 32
	cacheMemEntries  = 64
)

// JSONOutput represents the JSON output structure for regression testing
type JSONOutput struct {
	Digest     string         `json:"digest"`
	Arch       string         `json:"arch"`
	EntryPoint string         `json:"entry_point"`
	Functions  []JSONFunction `json:"functions"`
	Imports    []JSONImport   `json:"imports"`
	Strings    []JSONString   `json:"strings,omitempty"`
	Counts     JSONCounts     `json:"counts"`
}

// JSONFunction represents one discovered function in JSON output
type JSONFunction struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Source       string `json:"source"`
	Instructions int    `json:"instructions"`
	Blocks       int    `json:"blocks,omitempty"`
}

// JSONImport represents one import table entry in JSON output
type JSONImport struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	DLL     string `json:"dll,omitempty"`
}

// JSONString represents one recovered string in JSON output
type JSONString struct {
	Offset string `json:"offset"`
	Text   string `json:"text"`
	Kind   string `json:"kind,omitempty"`
}

// JSONCounts summarizes the result sizes of every pipeline stage
type JSONCounts struct {
	Instructions int `json:"instructions"`
	EntryBlocks  int `json:"entry_blocks,omitempty"`
	Functions    int `json:"functions"`
	Xrefs        int `json:"xrefs"`
	Symbols      int `json:"symbols"`
	Strings      int `json:"strings"`
}

// sanitizeForJSON cleans a string to be valid UTF-8 and safe for JSON encoding
func sanitizeForJSON(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	// Convert invalid UTF-8 to valid UTF-8 by replacing invalid bytes
	return strings.ToValidUTF8(s, "�")
}

// analysisResult carries everything the pipeline produced for one binary.
type analysisResult struct {
	path    string
	digest  string
	img     *pex.Image
	insns   disasm.Stream
	entry   *analysis.ControlFlowGraph
	xrefs   map[uint64][]analysis.CrossReference
	funcs   []analysis.Function
	symbols map[uint64]analysis.Symbol
	strs    []analysis.PatternMatch
}

// cached fills out from the store when it holds this stage, otherwise
// computes and writes back. A nil store always computes.
func cached[T any](store *cache.Store, key, stage string, out *T, compute func() T) {
	if store != nil && store.Get(key, stage, out) {
		return
	}
	*out = compute()
	if store == nil {
		return
	}
	if err := store.Put(key, stage, *out); err != nil {
		slog.Debug("cache write failed", "stage", stage, "error", err)
	}
}

// analyze runs the full pipeline on one file. archFlag is "auto", "x86"
// or "x64"; auto probes the optional header magic.
func analyze(path string, store *cache.Store, archFlag string) (*analysisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}

	var is64 bool
	switch archFlag {
	case "x86":
		is64 = false
	case "x64":
		is64 = true
	default:
		is64, err = pex.Probe(data)
		if err != nil {
			return nil, fmt.Errorf("failed to probe architecture: %v", err)
		}
	}

	img, err := pex.Parse(data, is64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE: %v", err)
	}

	code, va, ok := img.TextRegion()
	if !ok {
		return nil, fmt.Errorf("no executable section in %s", pathpkg.Base(path))
	}

	mode := 32
	if is64 {
		mode = 64
	}

	res := &analysisResult{
		path:   path,
		digest: cache.Key(data),
		img:    img,
		insns:  disasm.Decode(code, va, mode),
	}

	// The entry CFG is best-effort. An entry point outside the decoded
	// stream leaves it nil.
	if entry := img.EntryVA(); entry != 0 {
		if cfg, err := analysis.BuildCFG(res.insns, entry); err == nil {
			res.entry = cfg
		}
	}

	cached(store, res.digest, cache.StageXrefs, &res.xrefs, func() map[uint64][]analysis.CrossReference {
		return analysis.BuildXrefs(res.insns, img.ImageBase)
	})
	cached(store, res.digest, cache.StageFunctions, &res.funcs, func() []analysis.Function {
		return analysis.FindFunctions(res.insns, data, is64, analysis.FindOptions{
			Exports:   true,
			Imports:   true,
			Prologues: true,
			CallGraph: true,
		})
	})
	cached(store, res.digest, cache.StageSymbols, &res.symbols, func() map[uint64]analysis.Symbol {
		return analysis.ResolveSymbols(res.insns, data, is64, analysis.ResolveOptions{
			Imports: true,
			Exports: true,
			Strings: true,
		})
	})
	cached(store, res.digest, cache.StageStrings, &res.strs, func() []analysis.PatternMatch {
		return analysis.FindAllStrings(data, analysis.MinStringLength)
	})

	return res, nil
}

// flatXrefs flattens the per-source map into a slice sorted by source
// address so downstream output stays deterministic.
func flatXrefs(xrefs map[uint64][]analysis.CrossReference) []analysis.CrossReference {
	flat := make([]analysis.CrossReference, 0, len(xrefs))
	for _, refs := range xrefs {
		flat = append(flat, refs...)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].SourceAddress < flat[j].SourceAddress })
	return flat
}

// importSymbols filters the symbol table down to imports, sorted by
// address.
func importSymbols(symbols map[uint64]analysis.Symbol) []analysis.Symbol {
	imports := make([]analysis.Symbol, 0)
	for _, sym := range symbols {
		if sym.Type == analysis.SymImport {
			imports = append(imports, sym)
		}
	}
	sort.Slice(imports, func(i, j int) bool { return imports[i].Address < imports[j].Address })
	return imports
}

func runJSON(res *analysisResult) error {
	output := JSONOutput{
		Digest:     res.digest,
		Arch:       res.img.Arch(),
		EntryPoint: fmt.Sprintf("0x%x", res.img.EntryVA()),
	}

	for _, f := range res.funcs {
		jf := JSONFunction{
			Address:      fmt.Sprintf("0x%x", f.Address),
			Name:         sanitizeForJSON(analysis.FuncName(f)),
			Source:       f.Source.String(),
			Instructions: f.InstructionCount,
		}
		if f.CFG != nil {
			jf.Blocks = len(f.CFG.Blocks)
		}
		output.Functions = append(output.Functions, jf)
	}

	for _, sym := range importSymbols(res.symbols) {
		output.Imports = append(output.Imports, JSONImport{
			Address: fmt.Sprintf("0x%x", sym.Address),
			Name:    sanitizeForJSON(sym.Name),
			DLL:     sanitizeForJSON(sym.SourceDLL),
		})
	}

	for _, m := range res.strs {
		output.Strings = append(output.Strings, JSONString{
			Offset: fmt.Sprintf("0x%x", m.Offset),
			Text:   sanitizeForJSON(analysis.EscapeUnprintable(m.Bytes)),
			Kind:   m.Description,
		})
	}

	xrefCount := 0
	for _, refs := range res.xrefs {
		xrefCount += len(refs)
	}
	output.Counts = JSONCounts{
		Instructions: len(res.insns),
		Functions:    len(res.funcs),
		Xrefs:        xrefCount,
		Symbols:      len(res.symbols),
		Strings:      len(res.strs),
	}
	if res.entry != nil {
		output.Counts.EntryBlocks = len(res.entry.Blocks)
	}

	// Marshal to JSON with indentation
	jsonData, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %v", err)
	}

	fmt.Println(string(jsonData))
	return nil
}

// buildReport assembles the markdown report for one analyzed binary.
func buildReport(res *analysisResult) string {
	var sb strings.Builder

	lines := []string{
		fmt.Sprintf("; %s", res.path),
		fmt.Sprintf("; %s (%s)", pathpkg.Base(res.path), res.img.Arch()),
		fmt.Sprintf("; %s", res.digest),
	}
	fmt.Fprintf(&sb, "# Dissect\n\n```\n%s\n```\n", strings.Join(lines, "\n"))

	xrefCount := 0
	for _, refs := range res.xrefs {
		xrefCount += len(refs)
	}

	sb.WriteString("\n## Summary\n\n")
	sb.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| image base | 0x%x |\n", res.img.ImageBase)
	fmt.Fprintf(&sb, "| entry point | 0x%x |\n", res.img.EntryVA())
	if res.entry != nil {
		fmt.Fprintf(&sb, "| entry blocks | %d |\n", len(res.entry.Blocks))
	}
	fmt.Fprintf(&sb, "| sections | %d |\n", len(res.img.Sections))
	fmt.Fprintf(&sb, "| instructions | %d |\n", len(res.insns))
	fmt.Fprintf(&sb, "| functions | %d |\n", len(res.funcs))
	fmt.Fprintf(&sb, "| cross-references | %d |\n", xrefCount)
	fmt.Fprintf(&sb, "| symbols | %d |\n", len(res.symbols))
	fmt.Fprintf(&sb, "| strings | %d |\n", len(res.strs))

	if len(res.funcs) > 0 {
		sb.WriteString("\n## Functions\n\n```\n")
		for _, f := range res.funcs {
			blocks := "-"
			if f.CFG != nil {
				blocks = fmt.Sprintf("%d", len(f.CFG.Blocks))
			}
			fmt.Fprintf(&sb, "%-10x %-28s %-12s %5d insns %4s blocks\n",
				f.Address, analysis.FuncName(f), f.Source, f.InstructionCount, blocks)
		}
		sb.WriteString("```\n")
	}

	imports := importSymbols(res.symbols)
	if len(imports) > 0 {
		sb.WriteString("\n## Imports\n\n")
		sb.WriteString("| address | name | dll |\n|---|---|---|\n")
		for _, sym := range imports {
			fmt.Fprintf(&sb, "| 0x%x | %s | %s |\n", sym.Address, sym.Name, sym.SourceDLL)
		}
	}

	if len(res.strs) > 0 {
		sb.WriteString("\n## Strings\n\n```\n")
		shown := len(res.strs)
		if shown > maxReportStrings {
			shown = maxReportStrings
		}
		for _, m := range res.strs[:shown] {
			text, _ := analysis.FormatRecovered(m.Bytes)
			fmt.Fprintf(&sb, "%8x  %s\n", m.Offset, text)
		}
		if len(res.strs) > shown {
			fmt.Fprintf(&sb, "... %d more\n", len(res.strs)-shown)
		}
		sb.WriteString("```\n")
	}

	return sb.String()
}

// printListings writes per-function disassembly previews below the
// rendered report. Colorization happens line by line and turns itself
// off when DISSECT_NO_COLOR is set, so piped output stays clean.
func printListings(res *analysisResult, showFull bool) {
	listing := analysis.Annotate(res.insns, res.xrefs, res.symbols)
	if len(listing) == 0 || len(res.funcs) == 0 {
		return
	}

	byVA := make(map[uint64]int, len(listing))
	for i, a := range listing {
		byVA[a.VA] = i
	}

	funcs := res.funcs
	if !showFull && len(funcs) > maxPreviewFuncs {
		funcs = funcs[:maxPreviewFuncs]
	}

	for _, f := range funcs {
		start, ok := byVA[f.Address]
		if !ok {
			continue
		}
		count := f.InstructionCount
		if !showFull && count > maxPreviewLines {
			count = maxPreviewLines
		}
		fmt.Println()
		fmt.Println(colorize.ColorizeInstructionLine(analysis.FuncName(f) + ":"))
		for i := start; i < len(listing) && i < start+count; i++ {
			fmt.Println(colorize.ColorizeInstructionLine("  " + listing[i].String()))
		}
		if !showFull && f.InstructionCount > count {
			fmt.Printf("  ... %d more instructions\n", f.InstructionCount-count)
		}
	}
}

func runReport(res *analysisResult, showFull bool) error {
	md := buildReport(res)

	if term.IsTerminal(os.Stdout.Fd()) {
		width, _, err := term.GetSize(os.Stdout.Fd())
		if err != nil || width <= 0 {
			width = 80
		}
		renderer := styles.GetMarkdownRenderer(width - 2)
		if rendered, err := renderer.Render(md); err == nil {
			fmt.Print(rendered)
		} else {
			fmt.Println(md)
		}
	} else {
		fmt.Println(md)
	}

	printListings(res, showFull)
	return nil
}

func runDOT(res *analysisResult, path string) error {
	g := callgraph.Build(res.funcs, flatXrefs(res.xrefs))
	if err := os.WriteFile(path, []byte(render.DOT(g, "callgraph")), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d nodes, %d edges)\n", path, len(g.Nodes), len(g.Edges))
	return nil
}

// openStore opens the analysis cache unless disabled. A cache that
// cannot be opened just disables caching for this run.
func openStore(cmd *cobra.Command) *cache.Store {
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		return nil
	}
	dir, _ := cmd.Flags().GetString("cache-dir")
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil
		}
		dir = pathpkg.Join(base, "dissect")
	}
	store, err := cache.New(dir, cacheMemEntries)
	if err != nil {
		slog.Debug("cache disabled", "error", err)
		return nil
	}
	return store
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("log-file", "", "Write debug log to file")
	rootCmd.PersistentFlags().String("cache-dir", "", "Custom cache directory")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().BoolP("json", "j", false, "Output results as JSON for regression testing")
	rootCmd.Flags().BoolP("full", "f", false, "Show full disassembly listings")
	rootCmd.Flags().String("arch", "auto", "Architecture override (auto, x86, x64)")
	rootCmd.Flags().String("dot", "", "Write call graph DOT to file")
	rootCmd.Flags().Bool("no-cache", false, "Disable the analysis cache")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "dissect [file]",
	Short: "Static analysis tool for PE binaries",
	Long: `Dissect is a static analysis tool for Windows PE binaries.
It decodes the executable section, recovers control flow, cross-references,
functions and symbols, and renders a report of what it found.`,
	Example: `
# Analyze a binary
dissect /path/to/binary.exe

# JSON output for regression testing
dissect -j /path/to/binary.exe

# Write the call graph as DOT
dissect --dot callgraph.dot /path/to/binary.exe
  `,
	Args: cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		if debug {
			os.Setenv("DISSECT_LOG_LEVEL", "debug")
		}
		logFile, _ := cmd.Flags().GetString("log-file")
		log.Setup(logFile, debug)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup CPU profiling if requested
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		// Setup memory profiling if requested
		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", args[0])
			}
			return fmt.Errorf("cannot access file: %v", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		showFull, _ := cmd.Flags().GetBool("full")
		dotPath, _ := cmd.Flags().GetString("dot")
		archFlag, _ := cmd.Flags().GetString("arch")

		// Disable coloring when the output is piped or parsed
		if jsonOutput || !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv("DISSECT_NO_COLOR", "1")
		}

		res, err := analyze(absPath, openStore(cmd), archFlag)
		if err != nil {
			return err
		}

		if dotPath != "" {
			return runDOT(res, dotPath)
		}
		if jsonOutput {
			return runJSON(res)
		}
		return runReport(res, showFull)
	},
}

func Execute() {
	// Check if --json or --full is present, or if output is being piped,
	// to bypass fang's automatic markdown rendering
	plain := false
	for _, arg := range os.Args[1:] {
		if arg == "--json" || arg == "-j" || arg == "--full" || arg == "-f" {
			plain = true
			break
		}
	}

	if !plain && !term.IsTerminal(os.Stdout.Fd()) {
		plain = true
	}

	if plain {
		// Use cobra directly to avoid fang's automatic markdown rendering
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
	} else {
		// Use fang for enhanced CLI experience with markdown rendering
		if err := fang.Execute(
			context.Background(),
			rootCmd,
			fang.WithNotifySignal(os.Interrupt),
		); err != nil {
			os.Exit(1)
		}
	}
}
