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
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/client"
)

var (
	sessionFlag string
	timeoutFlag time.Duration
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell in a session runtime",
	Long: `Open an interactive shell against a runbox server. Each line runs as a
command in the session's runtime; slash commands manage files and the
hosted server.

Examples:
  runbox shell
  runbox shell --session alice
  runbox shell --server http://sandbox:8080 --timeout 2m`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&sessionFlag, "session", "", "Session ID (default: a new random id)")
	shellCmd.Flags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Per-command timeout")
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Health(cmd.Context()); err != nil {
		return fmt.Errorf("server %s is not healthy: %w", c.BaseURL(), err)
	}

	sessionID := sessionFlag
	if sessionID == "" {
		sessionID = "shell-" + uuid.NewString()[:8]
	}

	fmt.Printf("runbox shell\n")
	fmt.Printf("Server: %s | Session: %s\n", c.BaseURL(), sessionID)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("\033[36m%s$\033[0m ", sessionID),
		HistoryFile:     filepath.Join(os.TempDir(), "runbox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running command, not the shell.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	sh := &shell{c: c, sessionID: sessionID, out: os.Stdout}
	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		quit, err := sh.handle(reqCtx, input)
		wasInterrupted := reqCtx.Err() != nil
		cancel()
		reqCancel = nil

		if err != nil {
			if wasInterrupted {
				fmt.Println("(interrupted)")
				continue
			}
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
		}
		if quit {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}

type shell struct {
	c         *client.Client
	sessionID string
	out       io.Writer
}

// handle runs one input line. It reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, input string) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return false, s.exec(ctx, input)
	}

	fields := strings.Fields(input)
	arg := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/ls":
		files, err := s.c.ListFiles(ctx, s.sessionID, arg)
		if err != nil {
			return false, err
		}
		for _, f := range files {
			if f.Type == "directory" {
				fmt.Fprintf(s.out, "\033[34m%s/\033[0m\n", f.Name)
			} else {
				fmt.Fprintln(s.out, f.Name)
			}
		}
	case "/cat":
		if arg == "" {
			return false, errors.New("usage: /cat <path>")
		}
		fc, err := s.c.ReadFile(ctx, s.sessionID, arg)
		if err != nil {
			return false, err
		}
		if fc.IsBinary {
			fmt.Fprintf(s.out, "(binary file, %d bytes)\n", fc.Length)
			return false, nil
		}
		fmt.Fprint(s.out, fc.Content)
		if !strings.HasSuffix(fc.Content, "\n") {
			fmt.Fprintln(s.out)
		}
	case "/put":
		// /put <local file> [remote path]
		if len(fields) < 2 {
			return false, errors.New("usage: /put <local file> [remote path]")
		}
		local := fields[1]
		remote := filepath.Base(local)
		if len(fields) > 2 {
			remote = fields[2]
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return false, err
		}
		if err := s.c.WriteFile(ctx, s.sessionID, remote, data); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "wrote %d bytes to %s\n", len(data), remote)
	case "/server":
		// /server <local file>: start it as the session's node server.
		if arg == "" {
			info, err := s.c.ServerStatus(ctx, s.sessionID)
			if err != nil {
				return false, err
			}
			if !info.Running {
				fmt.Fprintln(s.out, "no server running")
			} else {
				fmt.Fprintf(s.out, "server running on host port %d\n", info.Port)
			}
			return false, nil
		}
		code, err := os.ReadFile(arg)
		if err != nil {
			return false, err
		}
		info, err := s.c.StartServer(ctx, s.sessionID, string(code))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "server started on host port %d\n", info.Port)
	case "/stop":
		out, err := s.c.StopServer(ctx, s.sessionID)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, out)
	case "/help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  <command>                  - Run a shell command in /app")
		fmt.Fprintln(s.out, "  /ls [dir]                  - List files")
		fmt.Fprintln(s.out, "  /cat <path>                - Print a file")
		fmt.Fprintln(s.out, "  /put <local> [remote]      - Upload a local file")
		fmt.Fprintln(s.out, "  /server [local server.js]  - Start a node server, or show its status")
		fmt.Fprintln(s.out, "  /stop                      - Stop the node server")
		fmt.Fprintln(s.out, "  /quit                      - Exit")
	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", fields[0])
	}
	return false, nil
}

func (s *shell) exec(ctx context.Context, command string) error {
	res, err := s.c.Exec(ctx, s.sessionID, command, timeoutFlag)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, res.Output)
	if !res.Success {
		fmt.Fprintf(s.out, "\033[31m%s\033[0m\n", res.Error)
		if res.Code == "ExecutionTimeout" {
			fmt.Fprintf(s.out, "\033[90m(timed out after %s)\033[0m\n", timeoutFlag)
		} else {
			fmt.Fprintf(s.out, "\033[90m(exit %d)\033[0m\n", res.ExitCode)
		}
	}
	return nil
}
