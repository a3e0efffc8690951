package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var forceFlag bool

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect and clean up sessions on a runbox server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE:  runSessionsList,
}

var sessionsStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's runtime and server",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStatus,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup <session-id>",
	Short: "Destroy a session's runtime",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCleanup,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsStatusCmd, sessionsCleanupCmd)

	sessionsCleanupCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	sessions, err := c.Sessions(cmd.Context())
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	// Header
	fmt.Printf("%-24s %-14s %-10s %-8s %-10s %s\n", "SESSION", "RUNTIME", "STATE", "PORT", "SERVER", "LAST USED")
	fmt.Println(strings.Repeat("─", 85))

	for _, s := range sessions {
		port := "-"
		if s.Port > 0 {
			port = fmt.Sprint(s.Port)
		}
		fmt.Printf("%-24s %-14s %-10s %-8s %-10s %s\n",
			truncate(s.SessionID, 24), truncate(s.Runtime.ID, 12), s.Runtime.State, port, s.Server, timeAgo(s.LastUsedAt))
	}
	return nil
}

func runSessionsStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	sessions, err := c.Sessions(cmd.Context())
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if s.SessionID != args[0] {
			continue
		}
		fmt.Printf("Session:   %s\n", s.SessionID)
		fmt.Printf("Runtime:   %s (%s)\n", s.Runtime.ID, s.Runtime.Name)
		fmt.Printf("State:     %s\n", s.Runtime.State)
		fmt.Printf("Server:    %s\n", s.Server)
		if s.Port > 0 {
			fmt.Printf("Port:      %d\n", s.Port)
		}
		fmt.Printf("Created:   %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Last used: %s\n", s.LastUsedAt.Format(time.RFC3339))
		return nil
	}
	return fmt.Errorf("session %s not found", args[0])
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Destroy the runtime of session %s? [y/N] ", args[0])
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := c.Cleanup(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleaned up session %s\n", args[0])
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-2] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
