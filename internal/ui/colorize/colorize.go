package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	// Try lexers in order of preference (Intel syntax first)
	candidates := []string{"nasm", "gas", "GAS", "Gas"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	// Try our custom style first, then fallbacks
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	// Try high-color first, then fallback
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// ColorizeAssembly applies syntax highlighting to a block of x86 assembly
func ColorizeAssembly(code string) (string, error) {
	// Check if colors are disabled
	if os.Getenv("DISSECT_NO_COLOR") != "" {
		return code, nil
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		// Return plain text if no assembly lexer available
		return code, nil
	}

	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	// Tokenize the code
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}

	// Format the tokens
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code, err
	}

	return buf.String(), nil
}

// ColorizeInstructionLine colorizes a single instruction line while preserving formatting
func ColorizeInstructionLine(line string) string {
	// Check if colors are disabled
	if os.Getenv("DISSECT_NO_COLOR") != "" {
		return line
	}

	// The input line is already formatted with proper spacing from the listing
	// Format: "address  mnemonic operands                    ; comment"

	// Check if this is a comment-only line (starts with spaces and has semicolon)
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, ";") {
		return fmt.Sprintf("\033[38;2;235;194;237m%s\033[0m", line)
	}

	// Parse the address separately since we want it in gray
	// Address is hex digits (without 0x prefix)
	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 {
		// Not a valid instruction line, try full line colorization
		return colorizeFullLine(line)
	}

	// Check if the first part looks like an address (hex digits)
	for _, ch := range parts[0] {
		if !isHexChar(byte(ch)) {
			return colorizeFullLine(line)
		}
	}

	addr := parts[0]
	remaining := parts[1]

	// Color address in gray (79, 79, 79)
	addrColored := fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m", addr)

	// Use Chroma for the rest of the line
	colorized := colorizeFullLine(remaining)

	return fmt.Sprintf("%s %s", addrColored, colorized)
}

// isHexChar checks if a character is a hexadecimal digit
func isHexChar(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

// colorizeFullLine uses Chroma to colorize an assembly line
func colorizeFullLine(line string) string {
	// Check if colors are disabled
	if os.Getenv("DISSECT_NO_COLOR") != "" {
		return line
	}

	// Use nasm lexer which handles comments well
	lexer := getAssemblyLexer()
	if lexer == nil {
		// Return plain text if no lexer available
		return line
	}

	// Make sure our custom style is registered
	_ = DisasmDark // Force registration

	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	// Tokenize the line
	iterator, err := lexer.Tokenise(nil, line)
	if err != nil {
		return line
	}

	// Format the tokens
	var buf strings.Builder
	err = formatter.Format(&buf, style, iterator)
	if err != nil {
		return line
	}

	return buf.String()
}
