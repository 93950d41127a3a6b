package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <scenarios-dir>",
		Short: "Run scripted scenarios against a fresh runtime",
		Long: `Run YAML scenarios, each against its own scratch database, checking
every step's expected outcome and the scenario's assertions. When
<scenarios-dir>/golden/<name>.golden exists the run's trace, balances and
state digest must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  dan scenario ./scenarios
  dan scenario ./scenarios --filter "close_*"
  dan scenario ./scenarios --update
  dan scenario ./scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	summary := ScenarioSummary{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	if len(files) == 0 {
		return opts.formatter(cmd).Report(summary, nil, func(w io.Writer) {
			fmt.Fprintln(w, "No scenarios found.")
		})
	}

	goldenDir := filepath.Join(dir, "golden")
	for _, file := range files {
		res := runScenarioFile(opts, file, goldenDir, cmd)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	var failure *ResponseError
	if summary.Failed > 0 {
		failure = &ResponseError{
			Code:    "E_SCENARIO_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", summary.Failed),
		}
	}
	if err := opts.formatter(cmd).Report(summary, failure, func(w io.Writer) {
		writeScenarioSummary(w, summary)
	}); err != nil {
		return err
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

// runScenarioFile executes one scenario file and reports it in text mode
// as it finishes.
func runScenarioFile(opts *ScenarioOptions, file, goldenDir string, cmd *cobra.Command) ScenarioResult {
	res := evaluateScenario(opts, file, goldenDir, cmd)
	if opts.Format != "json" {
		printScenarioResult(cmd.OutOrStdout(), res, opts.Update)
	}
	return res
}

func evaluateScenario(opts *ScenarioOptions, file, goldenDir string, cmd *cobra.Command) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := harness.Run(commandContext(cmd), scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	goldenPath := filepath.Join(goldenDir, scenario.Name+harness.GoldenSuffix)
	if _, statErr := os.Stat(goldenPath); opts.Update || statErr == nil {
		data, err := harness.Snapshot(scenario, result)
		if err != nil {
			return ScenarioResult{
				Name:   scenario.Name,
				Errors: []string{fmt.Sprintf("snapshot failed: %v", err)},
			}
		}
		err = harness.CompareGolden(goldenDir, scenario.Name, data, opts.Update)
		switch {
		case errors.Is(err, harness.ErrGoldenMismatch):
			result.AddError("trace does not match golden file (run with --update to regenerate)")
		case err != nil:
			result.AddError(fmt.Sprintf("golden comparison failed: %v", err))
		}
	}

	return ScenarioResult{
		Name:   scenario.Name,
		Pass:   result.Pass,
		Errors: result.Errors,
	}
}

func printScenarioResult(w io.Writer, res ScenarioResult, updated bool) {
	if res.Pass {
		if updated {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", res.Name)
		} else {
			fmt.Fprintf(w, "✓ %s\n", res.Name)
		}
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// writeScenarioSummary writes the closing summary line for humans.
func writeScenarioSummary(w io.Writer, summary ScenarioSummary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	if summary.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
