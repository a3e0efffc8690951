package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/runbox/internal/client"
)

var (
	languageFlag string
	stdinFlag    string
	casesFlag    string
	runTimeout   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a source file once in a throwaway runtime",
	Long: `Run a source file in a network-isolated runtime that is removed afterwards.
With --cases the file is graded against a YAML list of test cases.

Examples:
  runbox run main.js
  runbox run solution.py --language python --stdin "3 4"
  runbox run solution.py --cases cases.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language (default: from the file extension)")
	runCmd.Flags().StringVar(&stdinFlag, "stdin", "", "Standard input for the program")
	runCmd.Flags().StringVar(&casesFlag, "cases", "", "YAML file of {input, expected_output} test cases to grade against")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-run timeout (server default when 0)")
	rootCmd.AddCommand(runCmd)
}

var extLanguages = map[string]string{
	".js":  "javascript",
	".mjs": "javascript",
	".py":  "python",
	".go":  "go",
}

type caseFile struct {
	Input          string `yaml:"input"`
	ExpectedOutput string `yaml:"expected_output"`
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	language := languageFlag
	if language == "" {
		language = extLanguages[strings.ToLower(filepath.Ext(args[0]))]
	}
	if language == "" {
		return fmt.Errorf("cannot infer language of %s; pass --language", args[0])
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	var cases []client.TestCase
	mode := "run"
	if casesFlag != "" {
		data, err := os.ReadFile(casesFlag)
		if err != nil {
			return err
		}
		var parsed []caseFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parsing %s: %w", casesFlag, err)
		}
		for _, tc := range parsed {
			cases = append(cases, client.TestCase{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
		}
		mode = "submit"
	} else if language == "javascript" {
		res, err := c.RunNode(cmd.Context(), string(code), stdinFlag, runTimeout)
		if err != nil {
			return err
		}
		fmt.Print(res.Output)
		if !res.Success {
			fmt.Fprintln(os.Stderr, res.Error)
			return fmt.Errorf("exit code %d after %dms", res.ExitCode, res.ExecutionTime)
		}
		return nil
	} else {
		// A single case with no expectation; the output is what matters.
		cases = []client.TestCase{{Input: stdinFlag}}
	}

	report, err := c.Grade(cmd.Context(), mode, string(code), language, cases, runTimeout)
	if err != nil {
		return err
	}

	if mode == "run" && len(report.Results) == 1 {
		r := report.Results[0]
		fmt.Print(r.ActualOutput)
		if r.ExitCode != 0 || r.Error != "" {
			fmt.Fprintln(os.Stderr, r.Error)
			return fmt.Errorf("exit code %d", r.ExitCode)
		}
		return nil
	}

	for _, r := range report.Results {
		mark := "\033[32mPASS\033[0m"
		if !r.Passed {
			mark = "\033[31mFAIL\033[0m"
		}
		fmt.Printf("case %d: %s\n", r.Index+1, mark)
		if !r.Passed {
			fmt.Printf("  expected: %q\n  got:      %q\n", r.ExpectedOutput, r.ActualOutput)
			if r.Error != "" {
				fmt.Printf("  error:    %s\n", r.Error)
			}
		}
	}
	md := report.Metadata
	fmt.Printf("\n%d/%d passed\n", md.Passed, md.TotalCases)
	if md.Failed > 0 {
		return fmt.Errorf("%d case(s) failed", md.Failed)
	}
	return nil
}
