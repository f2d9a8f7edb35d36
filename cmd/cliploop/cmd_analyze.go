/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/cliploop/internal/analyzer"
	"github.com/friendsincode/cliploop/internal/cliprepo"
	"github.com/friendsincode/cliploop/internal/db"
	"github.com/friendsincode/cliploop/internal/events"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Measure loudness for all unmeasured clips and exit",
	Long: `Run one analyzer sweep over the configured collection.

Every clip without a stored loudness value is decoded to PCM and its RMS
level is written back. A running serve instance picks the measurements up on
its next refresh.`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
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

	resolver, err := cliprepo.NewResolver(ctx, cfg.MediaRoot, cliprepo.S3Config{
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3UsePathStyle,
		PresignTTL:      cfg.S3PresignTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize resolver: %w", err)
	}
	repo := cliprepo.New(database, events.NewBus(), nil, resolver, logger)

	before, err := repo.ListUnmeasured(ctx, cfg.CollectionID)
	if err != nil {
		return err
	}
	if len(before) == 0 {
		logger.Info().Msg("all clips already measured")
		return nil
	}
	logger.Info().Int("clips", len(before)).Msg("starting loudness sweep")

	svc := analyzer.New(analyzer.Config{
		CollectionID: cfg.CollectionID,
		GStreamerBin: cfg.GStreamerBin,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
	}, repo, logger)
	svc.SweepOnce(ctx)

	after, err := repo.ListUnmeasured(ctx, cfg.CollectionID)
	if err != nil {
		return err
	}
	logger.Info().
		Int("measured", len(before)-len(after)).
		Int("remaining", len(after)).
		Msg("loudness sweep finished")
	return nil
}
