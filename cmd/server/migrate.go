package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ifcbdash/server/internal/config"
	"github.com/ifcbdash/server/internal/queue"
	"github.com/ifcbdash/server/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the bin and job database schemas",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	repo, err := repository.Open(cfg.Data.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to migrate bin database: %w", err)
	}
	repo.Close()
	log.Printf("Bin database ready: %s", cfg.Data.SQLitePath)

	jobs, err := queue.NewStore(cfg.Queue.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to migrate job database: %w", err)
	}
	jobs.Close()
	log.Printf("Job database ready: %s", cfg.Queue.SQLitePath)
	return nil
}
