package cmd

import (
	"fmt"
	"os"
	pathpkg "path/filepath"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"dissect/internal/analysis"
	"dissect/internal/dissect/styles"
	"dissect/internal/sigdb"
)

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Scan a file for byte patterns, signatures and strings",
	Long: `Scan searches the raw bytes of a file without decoding it.
With no mode flag it runs the signature database. Hits print one per
line as offset, matched bytes and description.`,
	Example: `
# Run the built-in signature database
dissect scan /path/to/binary.exe

# Search for a byte pattern with wildcards
dissect scan --pattern "55 8B ?? EC" /path/to/binary.exe

# Recover ASCII and wide strings
dissect scan --strings --wide --min-length 6 /path/to/binary.exe
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", args[0])
			}
			return fmt.Errorf("failed to read file: %v", err)
		}

		pattern, _ := cmd.Flags().GetString("pattern")
		sigPath, _ := cmd.Flags().GetString("sigdb")
		nopSleds, _ := cmd.Flags().GetBool("nop-sleds")
		asciiStrings, _ := cmd.Flags().GetBool("strings")
		wide, _ := cmd.Flags().GetBool("wide")
		minLength, _ := cmd.Flags().GetInt("min-length")

		if !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv("DISSECT_NO_COLOR", "1")
		}

		var matches []analysis.PatternMatch
		var mode string
		asText := false

		switch {
		case pattern != "":
			if !analysis.ValidPattern(pattern) {
				return fmt.Errorf("malformed pattern %q", pattern)
			}
			mode = "pattern"
			matches = analysis.FindPattern(data, pattern)
		case nopSleds:
			mode = "nop sleds"
			matches = analysis.FindNopSleds(data, minLength)
		case asciiStrings && wide:
			mode = "strings"
			asText = true
			matches = analysis.FindAllStrings(data, minLength)
		case wide:
			mode = "wide strings"
			asText = true
			matches = analysis.FindWideStrings(data, minLength)
		case asciiStrings:
			mode = "ascii strings"
			asText = true
			matches = analysis.FindASCIIStrings(data, minLength)
		default:
			mode = "signatures"
			sigs, err := loadSignatures(sigPath)
			if err != nil {
				return err
			}
			for _, sig := range sigs {
				for _, m := range analysis.FindPattern(data, sig.Pattern) {
					m.Description = sig.Name
					if sig.Description != "" {
						m.Description = fmt.Sprintf("%s (%s)", sig.Name, sig.Description)
					}
					matches = append(matches, m)
				}
			}
		}

		printScanHeader(absPath, mode, len(matches))
		printMatches(matches, asText)
		return nil
	},
}

// loadSignatures reads a signature database file, or the built-in set
// when no path is given.
func loadSignatures(path string) ([]sigdb.Signature, error) {
	if path == "" {
		return sigdb.Default(), nil
	}
	return sigdb.LoadFile(path)
}

// printScanHeader renders the scan summary block, through glamour on a
// terminal and as plain markdown otherwise.
func printScanHeader(path, mode string, count int) {
	lines := []string{
		fmt.Sprintf("; %s", path),
		fmt.Sprintf("; %s, %d matches", mode, count),
	}
	md := fmt.Sprintf("# Scan\n\n```\n%s\n```\n", strings.Join(lines, "\n"))

	if term.IsTerminal(os.Stdout.Fd()) {
		width, _, err := term.GetSize(os.Stdout.Fd())
		if err != nil || width <= 0 {
			width = 80
		}
		renderer := styles.GetVSCodeDarkRenderer(width - 2)
		if rendered, err := renderer.Render(md); err == nil {
			fmt.Print(rendered)
			return
		}
	}
	fmt.Print(md)
}

// printMatches writes one line per hit. String recovery modes show the
// escaped text, everything else the matched bytes in hex.
func printMatches(matches []analysis.PatternMatch, asText bool) {
	for _, m := range matches {
		text, hexed := analysis.FormatRecovered(m.Bytes)
		col := hexed
		if len(col) > 32 {
			col = col[:32] + "..."
		}
		if asText {
			col = text
		}
		fmt.Printf("%8x  %-36s %s\n", m.Offset, col, m.Description)
	}
}

func init() {
	scanCmd.Flags().String("pattern", "", "Hex byte pattern with ?? wildcards")
	scanCmd.Flags().String("sigdb", "", "Signature database YAML file")
	scanCmd.Flags().Bool("nop-sleds", false, "Find NOP sleds")
	scanCmd.Flags().Bool("strings", false, "Recover ASCII strings")
	scanCmd.Flags().Bool("wide", false, "Recover UTF-16LE strings")
	scanCmd.Flags().Int("min-length", analysis.MinStringLength, "Minimum string or sled length")

	rootCmd.AddCommand(scanCmd)
}
