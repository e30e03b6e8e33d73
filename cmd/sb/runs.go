package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
)

func newRunsCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent agent runs with token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			runs, err := db.ListRuns(gormDB, db.RunFilter{
				GroupID:   cfg.Group,
				SessionID: sessionID,
				Status:    status,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)

			if sessionID != "" {
				u, err := db.SessionUsage(gormDB, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nSession total: %d runs, %s tokens (~$%.2f)\n",
					u.Runs, formatTokenCount(u.TotalTokens), estimateCost(u.Model, u.InputTokens, u.OutputTokens))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only runs of this session")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, result, process_error, timeout, aborted)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func printRuns(out io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return
	}
	fmt.Fprintf(out, "%-36s %-14s %-5s %-10s %-10s %-16s %s\n", "RUN", "STATUS", "EXIT", "IN", "OUT", "STARTED", "PROMPT")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Fprintf(out, "%-36s %-14s %-5s %-10s %-10s %-16s %s\n",
			r.ID, r.Status, exit,
			formatTokenCount(int64(r.InputTokens)), formatTokenCount(int64(r.OutputTokens)),
			r.StartedAt.Format("2006-01-02 15:04"), truncate(r.Prompt, 40))
	}
}
