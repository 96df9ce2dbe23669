package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bpowers/mcpd/internal/config"
	"github.com/bpowers/mcpd/persistence"
)

var journalFlags = map[string]string{
	"journal":     "journal.driver",
	"journal-dsn": "journal.dsn",
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the message journal",
		Long: `events reads the journal a server keeps when journal.driver is sqlite or
redis. Every message a session received or sent is recorded with its
direction, method, request id and event id.`,
	}
	cmd.PersistentFlags().String("journal", "", "journal driver: sqlite or redis")
	cmd.PersistentFlags().String("journal-dsn", "", "sqlite file or redis address")

	cmd.AddCommand(newEventsListCommand(root), newEventsShowCommand(root))
	return cmd
}

func newEventsListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List journaled session ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPersistentJournal(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range sessions {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func newEventsShowCommand(root *rootOptions) *cobra.Command {
	var (
		sessionID string
		format    string
		summary   bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the journal of one session",
		Example: `  mcpd events show --session 3f2a... --format jsonl | jq .
  mcpd events show --session 3f2a... --summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			if format != "json" && format != "jsonl" {
				return fmt.Errorf("--format must be 'json' or 'jsonl'")
			}

			store, err := openPersistentJournal(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if summary {
				s, err := store.LoadSummary(cmd.Context(), sessionID)
				if err != nil {
					return fmt.Errorf("load summary: %w", err)
				}
				return enc.Encode(s)
			}

			records, err := store.GetAllRecords(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("get records: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no records found for session: %s\n", sessionID)
				return nil
			}

			switch format {
			case "json":
				if err := enc.Encode(records); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			case "jsonl":
				enc.SetIndent("", "")
				for _, r := range records {
					if err := enc.Encode(r); err != nil {
						return fmt.Errorf("encode jsonl: %w", err)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID to display")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or jsonl")
	cmd.Flags().BoolVar(&summary, "summary", false, "print the session summary instead of its records")
	return cmd
}

// openPersistentJournal opens the configured journal, which must outlive
// the server process.
func openPersistentJournal(cmd *cobra.Command, root *rootOptions) (persistence.Store, error) {
	cfg, err := root.load(cmd, journalFlags)
	if err != nil {
		return nil, err
	}
	switch cfg.Journal.Driver {
	case config.JournalSQLite, config.JournalRedis:
	default:
		return nil, fmt.Errorf("events needs a sqlite or redis journal, not %q", cfg.Journal.Driver)
	}
	return openJournal(cfg.Journal)
}
