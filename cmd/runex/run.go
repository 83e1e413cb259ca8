package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/runex/engine"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a snippet (one-shot execution)",
	Long: `Compile and execute a code snippet.

Code can be provided via:
  - File argument: runex run script.star
  - Inline flag: runex run -c 'return 1+1'
  - Stdin: echo 'return 1+1' | runex run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("entry", "", "Entry point function name (default: main)")
	cmd.Flags().StringArrayP("param", "P", nil, "Entry point parameter key=value (repeatable)")
	cmd.Flags().Duration("run-timeout", 0, "Per-call timeout (default: policy maximum)")
	cmd.Flags().Bool("compile-only", false, "Validate and compile without executing")
	cmd.Flags().Bool("parallel", false, "Run on the parallel pool instead of the exclusive slot")
	cmd.Flags().Bool("stats", false, "Print execution statistics afterwards")
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return "", nil
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if source == "" {
		return cmd.Help()
	}

	_, eng, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer logger.Sync()

	entry, _ := cmd.Flags().GetString("entry")
	paramSpecs, _ := cmd.Flags().GetStringArray("param")
	timeout, _ := cmd.Flags().GetDuration("run-timeout")
	compileOnly, _ := cmd.Flags().GetBool("compile-only")
	parallel, _ := cmd.Flags().GetBool("parallel")
	showStats, _ := cmd.Flags().GetBool("stats")

	params, err := parseParams(paramSpecs)
	if err != nil {
		return err
	}

	var runOpts []engine.RunOption
	if entry != "" {
		runOpts = append(runOpts, engine.WithEntryPoint(entry))
	}
	if params != nil {
		runOpts = append(runOpts, engine.WithParams(params))
	}
	if timeout > 0 {
		runOpts = append(runOpts, engine.WithTimeout(timeout))
	}
	if compileOnly {
		runOpts = append(runOpts, engine.WithCompileOnly())
	}
	if parallel {
		runOpts = append(runOpts, engine.WithParallel())
	}

	// Ctrl+C cancels the execution rather than killing the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result := eng.Run(ctx, source, runOpts...)
	printResult(cmd, result)

	if showStats {
		printStats(cmd, eng)
	}

	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

func printResult(cmd *cobra.Command, result engine.Result) {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	for _, line := range result.Logs {
		fmt.Fprintln(out, line)
	}

	switch {
	case result.Success && result.CompileOnly:
		fmt.Fprintln(out, "ok (compile only)")
	case result.Success && result.Value != "":
		fmt.Fprintln(out, result.Value)
	case !result.Success:
		for _, d := range result.Diagnostics {
			fmt.Fprintf(errOut, "%s\n", d)
		}
		fmt.Fprintf(errOut, "Error: %s\n", result.Error)
	}
}

func printStats(cmd *cobra.Command, eng *engine.Engine) {
	s := eng.Statistics()
	fmt.Fprintf(cmd.ErrOrStderr(),
		"executions: %d (ok %d, failed %d), violations: %d, compile errors: %d, avg %s\n",
		s.Total, s.Succeeded, s.Failed, s.Violations, s.CompileErrors,
		s.AverageDuration.Round(time.Microsecond))
}
