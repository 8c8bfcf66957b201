package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/platform/db"
)

func migrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		a, closeApp, err := c.open(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		if a.pool == nil {
			closeApp()
			return nil, nil, fmt.Errorf("migrations need a PostgreSQL backend")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = a.cfg.MigrationsDir
		}
		return db.NewMigrator(a.pool, migrationsFS(dir)), closeApp, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeApp, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			target, _ := cmd.Flags().GetInt("to")
			var count int
			if target > 0 {
				count, err = migrator.UpTo(cmd.Context(), target)
			} else {
				count, err = migrator.Up(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			success(cmd.OutOrStdout(), "applied %d migration(s)", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeApp, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			return printMigrationStatus(cmd.Context(), cmd, migrator)
		},
	}
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(ctx context.Context, cmd *cobra.Command, migrator *db.Migrator) error {
	statuses, err := migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	t := newTable(cmd.OutOrStdout(), "Version", "Name", "Status", "Applied At")
	pending := 0
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		} else {
			pending++
		}
		t.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	t.Render()

	if pending > 0 {
		warning(cmd.OutOrStdout(), "%d migration(s) pending", pending)
	} else {
		success(cmd.OutOrStdout(), "schema is up to date")
	}
	return nil
}
