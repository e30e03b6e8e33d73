package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBGroupsCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Switchboard tables",
		Long:  "Connects to the configured SQLite or MySQL database and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newDBGroupsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List stored session groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			groups, err := db.NewGroupStore(gormDB).Groups()
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Fprintln(out, "No session groups.")
				return nil
			}
			fmt.Fprintf(out, "%-24s %-8s %s\n", "GROUP", "SESSIONS", "UPDATED")
			for _, g := range groups {
				fmt.Fprintf(out, "%-24s %-8d %s\n", g.GroupID, g.Sessions, g.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}
