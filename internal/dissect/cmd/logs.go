package cmd

import (
	"fmt"
	"os"
	pathpkg "path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/term"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

// Level tokens of the text log format, colored like the live logger.
var logLevelStyles = map[string]lipgloss.Style{
	"DEBU": lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
	"INFO": lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("192")),
	"ERRO": lipgloss.NewStyle().Foreground(lipgloss.Color("204")),
}

var logsCmd = &cobra.Command{
	Use:   "logs [file]",
	Short: "Show a dissect debug log",
	Long: `Logs prints a dissect debug log file. Without an argument it picks
the newest dissect-*-debug.log in the current directory. Debug logs are
written when DISSECT_LOG_TO_FILE=1 is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) > 0 {
			path = args[0]
		} else {
			newest, err := newestDebugLog(".")
			if err != nil {
				return err
			}
			path = newest
		}

		if !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv("DISSECT_NO_COLOR", "1")
		}

		follow, _ := cmd.Flags().GetBool("follow")

		t, err := tail.TailFile(path, tail.Config{Follow: follow, ReOpen: follow})
		if err != nil {
			return fmt.Errorf("failed to tail %s: %v", path, err)
		}
		for line := range t.Lines {
			if line.Err != nil {
				return fmt.Errorf("failed to read %s: %v", path, line.Err)
			}
			fmt.Println(colorizeLogLine(line.Text))
		}
		return nil
	},
}

// newestDebugLog picks the most recent debug log in dir. The timestamp
// in the name sorts lexicographically, so the last glob entry wins.
func newestDebugLog(dir string) (string, error) {
	names, err := pathpkg.Glob(pathpkg.Join(dir, "dissect-*-debug.log"))
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no debug logs in %s (set DISSECT_LOG_TO_FILE=1 to write them)", dir)
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}

// colorizeLogLine highlights the level token of a text format log line.
func colorizeLogLine(line string) string {
	if os.Getenv("DISSECT_NO_COLOR") != "" {
		return line
	}
	for level, style := range logLevelStyles {
		if idx := strings.Index(line, " "+level+" "); idx >= 0 {
			return line[:idx+1] + style.Render(level) + line[idx+1+len(level):]
		}
	}
	return line
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep the log open and print new lines as they arrive")

	rootCmd.AddCommand(logsCmd)
}
