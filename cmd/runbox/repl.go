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
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/app"
	"github.com/michaelbrown/runbox/internal/runner"
)

var replLangFlag string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Write and run snippets interactively",
	Long: `Start an interactive session. Lines you type are collected into a
buffer and /run executes the buffer in a fresh sandbox.

Examples:
  runbox repl
  runbox repl -l go`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVarP(&replLangFlag, "lang", "l", "python", "Language id or alias")
	rootCmd.AddCommand(replCmd)
}

// replSession is the state of an interactive session.
type replSession struct {
	app  *app.App
	lang string
	buf  []string
}

func runRepl(cmd *cobra.Command, args []string) error {
	a, _, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.Registry.Lookup(replLangFlag)
	if err != nil {
		return err
	}
	s := &replSession{app: a, lang: cfg.ID}

	fmt.Printf("runbox - interactive sandbox\n")
	fmt.Printf("Language: %s | Type /help for commands, /quit to exit\n\n", cfg.Name)

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     filepath.Join(home, ".runbox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C during a run cancels that run only.
	var (
		mu        sync.Mutex
		runCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if !strings.HasPrefix(strings.TrimSpace(line), "/") {
			s.buf = append(s.buf, line)
			continue
		}

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "/quit", "/exit", "/q":
			fmt.Println("Goodbye!")
			return nil
		case "/run", "/r":
			ctx, cancel := context.WithCancel(context.Background())
			mu.Lock()
			runCancel = cancel
			mu.Unlock()

			s.run(ctx)

			mu.Lock()
			runCancel = nil
			mu.Unlock()
			cancel()
		default:
			s.command(fields)
			rl.SetPrompt(s.prompt())
		}
	}
}

func (s *replSession) prompt() string {
	return fmt.Sprintf("\033[36m%s>\033[0m ", s.lang)
}

func (s *replSession) run(ctx context.Context) {
	code := strings.Join(s.buf, "\n")
	res, err := s.app.Service.Run(ctx, runner.Request{Language: s.lang, Code: code, Caller: "repl"})
	if ctx.Err() != nil {
		fmt.Println("(interrupted)")
		return
	}
	if err != nil {
		var rerr *runner.Error
		if errors.As(err, &rerr) && rerr.Result != nil {
			fmt.Print(rerr.Result.Output)
		}
		fmt.Printf("\033[31m%s\033[0m\n\n", err)
		return
	}
	fmt.Print(res.Output)
	fmt.Printf("\033[90m(exit %d in %s)\033[0m\n\n", res.ExitCode, res.Duration.Round(time.Millisecond))
}

func (s *replSession) command(fields []string) {
	switch strings.ToLower(fields[0]) {
	case "/lang", "/l":
		if len(fields) < 2 {
			fmt.Printf("Current language: %s\n\n", s.lang)
			return
		}
		cfg, err := s.app.Registry.Lookup(fields[1])
		if err != nil {
			fmt.Printf("%s\n\n", err)
			return
		}
		s.lang = cfg.ID
		fmt.Printf("Language: %s\n\n", cfg.Name)
	case "/clear", "/c":
		s.buf = nil
		fmt.Println("Buffer cleared.")
		fmt.Println()
	case "/show", "/s":
		for i, line := range s.buf {
			fmt.Printf("\033[90m%3d\033[0m %s\n", i+1, line)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /run      - Run the buffer")
		fmt.Println("  /lang ID  - Switch language")
		fmt.Println("  /show     - Print the buffer")
		fmt.Println("  /clear    - Empty the buffer")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", fields[0])
	}
}
