/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/cliploop/internal/db"
	"github.com/friendsincode/cliploop/internal/models"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and re-create all database tables",
	Long: `Reset cliploop to a fresh state.

All clips and collections are deleted and empty tables are re-created. Media
files on disk are left untouched.

WARNING: this action is irreversible.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if !resetForce {
		fmt.Print("This deletes all clips and collections. Type 'reset' to continue: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(answer) != "reset" {
			fmt.Println("aborted")
			return nil
		}
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	if err := database.Migrator().DropTable(&models.Clip{}, &models.Collection{}); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("re-create tables: %w", err)
	}

	logger.Info().Msg("database reset complete")
	return nil
}
