package command

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/audit"
)

// AuditCommand inspects the tool-call audit store.
func AuditCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect recorded tool calls",
		Long: `Audit reads the sqlite store written when audit.enabled is set in the config.
Only tool calls selected by audit.match are recorded.`,
	}
	cmd.AddCommand(auditListCommand(app))
	cmd.AddCommand(auditStatsCommand(app))
	cmd.AddCommand(auditPruneCommand(app))
	return cmd
}

func openAudit(app *App) (*audit.Store, error) {
	store, err := app.AuditStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("audit store is disabled; set audit.enabled in %s", app.cfg.ConfigFile)
	}
	return store, nil
}

func auditListCommand(app *App) *cobra.Command {
	var (
		streamID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tool calls, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAudit(app)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			records, err := store.ListToolCalls(streamID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tool calls recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSTREAM\tTOOL")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.CreatedAt.Local().Format(time.DateTime), r.StreamID, r.Tool)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "only calls of this stream")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of rows")
	return cmd
}

func auditStatsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count recorded tool calls per tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAudit(app)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			counts, err := store.CountByTool()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tCALLS")
			for _, c := range counts {
				fmt.Fprintf(w, "%s\t%d\n", c.Tool, c.Count)
			}
			return w.Flush()
		},
	}
}

func auditPruneCommand(app *App) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			store, err := openAudit(app)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			n, err := store.Prune(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d tool calls.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")
	return cmd
}
