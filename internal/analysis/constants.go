// Package analysis derives structural knowledge from decoded x86/x64
// instruction streams: control-flow graphs, cross-references, function
// discovery, symbol resolution, and byte pattern matching.
package analysis

// Constants for analysis operations
const (
	// MaxStringLength is the maximum length for string extraction
	MaxStringLength = 256

	// MinStringLength is the default minimum run for string scans
	MinStringLength = 4

	// MinNopSledLength is the default minimum run of 0x90 bytes
	MinNopSledLength = 4

	// MaxFunctionSize caps forward size estimation at 64 KiB
	MaxFunctionSize = 0x10000

	// StringSymbolSkip excludes header bytes from string symbols
	StringSymbolSkip = 0x1000

	// MinDataRefTarget rejects null-page immediates in the
	// code-to-data heuristic
	MinDataRefTarget = 0x1000

	// DataRefWindow bounds the code-to-data immediate heuristic to
	// 4 GiB above the image base
	DataRefWindow = 0x1_0000_0000
)
