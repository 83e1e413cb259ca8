package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/mkarlsen/runex/engine"
	"github.com/mkarlsen/runex/security"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Definitions and assignments persist across inputs. Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Dot commands:
  .stats           Show execution statistics
  .undo            Revert the last completed execution
  .globals         List bound names
  .policy [level]  Show or change the security level

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.runex_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".runex_history")
	}

	_, eng, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer logger.Sync()

	session := eng.NewSession()
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "runex REPL, security level %s (type 'exit' to quit, Ctrl+D to exit)\n",
		eng.Policy().Level)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		// Multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if strings.HasPrefix(line, ".") {
			replCommand(eng, session, line)
			continue
		}

		result := session.Run(context.Background(), line)
		for _, msg := range result.Logs {
			fmt.Println(msg)
		}
		if result.Success && result.Value != "" {
			fmt.Println(result.Value)
		}
		if !result.Success {
			fmt.Fprintf(os.Stderr, "Error: %s\n", result.Error)
		}
	}
}

func replCommand(eng *engine.Engine, session *engine.Session, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".stats":
		s := eng.Statistics()
		fmt.Printf("executions: %d (ok %d, failed %d)\n", s.Total, s.Succeeded, s.Failed)
		fmt.Printf("violations: %d, compile errors: %d\n", s.Violations, s.CompileErrors)
		fmt.Printf("average duration: %s\n", s.AverageDuration)
	case ".undo":
		if name, ok := eng.Undo(); ok {
			fmt.Printf("reverted %s\n", name)
		} else {
			fmt.Println("nothing to undo")
		}
	case ".globals":
		names := session.Globals()
		if len(names) == 0 {
			fmt.Println("no globals bound")
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}
	case ".policy":
		if len(fields) == 1 {
			fmt.Println(eng.Policy().Level)
			return
		}
		level, err := security.ParseLevel(fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		policy := eng.Policy()
		policy.Level = level
		eng.SetPolicy(policy)
		fmt.Printf("security level set to %s\n", level)
	case ".help":
		fmt.Println(".stats .undo .globals .policy [level] .help")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try .help)\n", fields[0])
	}
}
