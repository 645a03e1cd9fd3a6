package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/runner"
)

var langFlag string

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a source file in a sandbox",
	Long: `Run a single source file in a fresh sandbox and print its output.

The language is taken from --lang or inferred from the file extension.
With no file, source is read from stdin and --lang is required.

Examples:
  runbox run hello.py
  echo 'console.log(1)' | runbox run -l javascript`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "", "Language id or alias")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, _, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		code []byte
		lang = langFlag
	)
	if len(args) == 1 {
		code, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		if lang == "" {
			lang, err = languageForFile(a.Registry, args[0])
			if err != nil {
				return err
			}
		}
	} else {
		if lang == "" {
			return errors.New("--lang is required when reading from stdin")
		}
		code, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.Service.Run(ctx, runner.Request{Language: lang, Code: string(code), Caller: "cli"})
	return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, err)
}

// printResult writes a run's output and turns a failed program into its
// exit status.
func printResult(stdout, stderr io.Writer, res *runner.Result, err error) error {
	if err == nil {
		fmt.Fprint(stdout, res.Output)
		return nil
	}
	var rerr *runner.Error
	if !errors.As(err, &rerr) || rerr.Result == nil {
		return err
	}
	fmt.Fprint(stdout, rerr.Result.Output)
	fmt.Fprintln(stderr, rerr.Error())
	if code := rerr.Result.ExitCode; code > 0 {
		return exitCodeError{code: code}
	}
	return exitCodeError{code: 1}
}

// languageForFile matches the file extension against the registered languages.
func languageForFile(reg *language.Registry, path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "", fmt.Errorf("cannot infer language of %s, use --lang", path)
	}
	for _, c := range reg.List() {
		if c.Extension() == ext {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("no language registered for .%s files, use --lang", ext)
}
