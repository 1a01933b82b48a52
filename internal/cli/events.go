package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/journal"
)

func newEventsCmd(e *env) *cobra.Command {
	var limit int
	var kind string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Long: `List journaled lifecycle events (launches, crashes, restarts, deploys),
newest first. Goes through the supervisor's admin API when it is running
and reads the journal on disk otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			cfg, err := e.load()
			if err != nil {
				return err
			}

			events, err := e.fetchEvents(ctx, limit, kind)
			if err != nil {
				// Supervisor down; the journal on disk has the same rows.
				j, jerr := journal.Open(cfg.DataDir)
				if jerr != nil {
					return fmt.Errorf("admin API unreachable (%v) and journal unreadable: %w", err, jerr)
				}
				defer j.Close()
				if kind != "" {
					events, jerr = j.ByKind(kind, limit)
				} else {
					events, jerr = j.Recent(limit)
				}
				if jerr != nil {
					return jerr
				}
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded yet.")
				return nil
			}
			fmt.Fprintln(out, eventsTable(events))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind (launch, crash, restart, deploy, state_change)")
	return cmd
}

// fetchEvents reads events through the admin API, filtering client-side
// when a kind is requested.
func (e *env) fetchEvents(ctx context.Context, limit int, kind string) ([]edgelens.Event, error) {
	admin, err := e.adminClient()
	if err != nil {
		return nil, err
	}
	events, err := admin.Events(ctx, limit)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return events, nil
	}
	filtered := events[:0]
	for _, ev := range events {
		if ev.Kind == kind {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}
