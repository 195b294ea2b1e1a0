package main

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/minutesd/minutesd/internal/config"
	"github.com/minutesd/minutesd/internal/store"
)

const (
	colID      = 38
	colUser    = 14
	colStatus  = 11
	colStarted = 20
	maxTitle   = 32
)

func newSessionsCommand() *cobra.Command {
	var dbPath string
	var userID string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List recorded sessions straight from the service database.

This reads the SQLite file directly, so run it on the host where the
service stores its data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			sessions, err := st.ListSessions(userID)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			fmt.Printf("%s %s %s %s %s\n",
				padRight("ID", colID),
				padRight("User", colUser),
				padRight("Status", colStatus),
				padRight("Started", colStarted),
				"Title")
			for _, s := range sessions {
				fmt.Printf("%s %s %s %s %s\n",
					padRight(s.ID, colID),
					padRight(truncate(s.UserID, colUser-1), colUser),
					padRight(string(s.Status), colStatus),
					padRight(s.StartedAt.Format("2006-01-02 15:04:05"), colStarted),
					truncate(s.Title, maxTitle))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", config.DefaultDBPath, "Path to the service SQLite database")
	cmd.Flags().StringVar(&userID, "user", "", "Only show sessions for this user")

	return cmd
}

// truncate shortens s to maxLen runes, replacing the last rune with
// "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}

// padRight pads s with spaces so its terminal display width reaches width.
func padRight(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	return s + strings.Repeat(" ", width-sw)
}
