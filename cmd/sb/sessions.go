package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			defer store.Close()

			ids := make([]string, 0)
			list := store.List()
			for _, s := range list {
				ids = append(ids, s.ID)
			}
			usage, err := db.SessionUsageMap(gormDB, ids)
			if err != nil {
				return err
			}
			printSessionList(cmd.OutOrStdout(), list, store.Current(), usage, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func printSessionList(out io.Writer, list []session.Session, current string, usage map[string]db.TokenSummary, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	fmt.Fprintf(out, "  %-36s %-30s %-5s %-8s %-10s %s\n", "ID", "TITLE", "MSGS", "RUNS", "TOKENS", "UPDATED")
	for _, s := range list {
		mark := " "
		if s.ID == current {
			mark = "*"
		}
		u := usage[s.ID]
		title := s.Title
		if s.Busy {
			title = "[busy] " + title
		}
		fmt.Fprintf(out, "%s %-36s %-30s %-5d %-8d %-10s %s\n",
			mark, s.ID, truncate(title, 30), len(s.Messages), u.Runs,
			formatTokenCount(u.TotalTokens), timeAgo(s.UpdatedAt, now))
	}
}

func newSessionsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			printTranscript(cmd.OutOrStdout(), sess)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func printTranscript(out io.Writer, sess session.Session) {
	fmt.Fprintf(out, "Session %s", sess.ID)
	if sess.Title != "" {
		fmt.Fprintf(out, ": %s", sess.Title)
	}
	fmt.Fprintln(out)
	if p := sess.Provider(); p != "" {
		fmt.Fprintf(out, "Provider session: %s\n", p)
	}
	fmt.Fprintln(out)

	for _, m := range sess.Messages {
		fmt.Fprintf(out, "[%s %s] %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Text)
	}
	if sess.ToolCalls != nil && sess.ToolCalls.Len() > 0 {
		fmt.Fprintf(out, "\nTool calls: %d (%d pending)\n", sess.ToolCalls.Len(), sess.ToolCalls.Pending())
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}
