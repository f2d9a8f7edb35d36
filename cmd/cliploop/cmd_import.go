/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/cliploop/internal/cliprepo"
	"github.com/friendsincode/cliploop/internal/db"
	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/models"
)

var importDryRun bool

// audioExtensions are the file types accepted by the importer.
var audioExtensions = map[string]bool{
	".opus": true,
	".ogg":  true,
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".m4a":  true,
	".aac":  true,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import audio files under the media root as clips",
	Long: `Scan the media root and append any audio file that is not yet part of the
collection. Files are matched by their fs: locator, so re-running the import
is safe.`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "List files that would be imported without writing")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	resolver, err := cliprepo.NewResolver(ctx, cfg.MediaRoot, cliprepo.S3Config{}, logger)
	if err != nil {
		return fmt.Errorf("initialize resolver: %w", err)
	}
	repo := cliprepo.New(database, events.NewBus(), nil, resolver, logger)
	if err := repo.EnsureCollection(ctx, cfg.CollectionID, "default"); err != nil {
		return err
	}

	existing, err := repo.ListClips(ctx, cfg.CollectionID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.Locator] = true
	}

	var imported, skipped int
	err = filepath.WalkDir(cfg.MediaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(cfg.MediaRoot, path)
		if err != nil {
			return err
		}
		locator := "fs:" + filepath.ToSlash(rel)
		if known[locator] {
			skipped++
			return nil
		}

		title := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if importDryRun {
			fmt.Printf("would import %s (%s)\n", title, locator)
			imported++
			return nil
		}

		clip := &models.Clip{
			CollectionID: cfg.CollectionID,
			Title:        title,
			Locator:      locator,
		}
		if err := repo.CreateClip(ctx, clip); err != nil {
			return fmt.Errorf("import %s: %w", locator, err)
		}
		imported++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan media root: %w", err)
	}

	logger.Info().
		Int("imported", imported).
		Int("skipped", skipped).
		Bool("dry_run", importDryRun).
		Msg("media import finished")
	return nil
}
