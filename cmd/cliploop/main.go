/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/cliploop/internal/analyzer"
	"github.com/friendsincode/cliploop/internal/cliprepo"
	"github.com/friendsincode/cliploop/internal/config"
	"github.com/friendsincode/cliploop/internal/db"
	"github.com/friendsincode/cliploop/internal/dsp"
	"github.com/friendsincode/cliploop/internal/engine"
	"github.com/friendsincode/cliploop/internal/eventbus"
	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/logbuffer"
	"github.com/friendsincode/cliploop/internal/logging"
	"github.com/friendsincode/cliploop/internal/media"
	"github.com/friendsincode/cliploop/internal/server"
	"github.com/friendsincode/cliploop/internal/version"
)

var (
	logger    zerolog.Logger
	cfg       *config.Config
	logBuffer *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:     "cliploop",
	Short:   "Cliploop - continuous clip loop playout",
	Long:    "Cliploop plays an ordered clip collection as an endless loop, folding in edits, reorders and loudness measurements without interrupting playback.",
	Version: version.Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playout engine and control API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it).
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logBuffer = logbuffer.New(1000)
	logger = logging.SetupWithWriter(cfg.Environment, logBuffer)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger.Info().Str("version", version.Version).Msg("cliploop starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	bus := events.NewBus()

	var cache *cliprepo.Cache
	if cfg.CacheEnabled {
		cache = cliprepo.NewCache(cliprepo.CacheConfig{
			RedisAddr:      cfg.RedisAddr,
			RedisPassword:  cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DisableOnError: true,
		}, logger)
		defer func() { _ = cache.Close() }()
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

	repo := cliprepo.New(database, bus, cache, resolver, logger)
	if err := repo.EnsureCollection(ctx, cfg.CollectionID, "default"); err != nil {
		return err
	}

	if cfg.EventBridgeEnabled {
		bridgeCfg := eventbus.DefaultRedisConfig()
		bridgeCfg.Addr = cfg.RedisAddr
		bridgeCfg.Password = cfg.RedisPassword
		bridgeCfg.DB = cfg.RedisDB
		bridge, err := eventbus.NewBridge(bridgeCfg, bus, cfg.InstanceID, logger)
		if err != nil {
			return fmt.Errorf("initialize event bridge: %w", err)
		}
		defer func() { _ = bridge.Close() }()
	}

	player := media.NewGstPlayer(media.GstConfig{
		GStreamerBin: cfg.GStreamerBin,
		AudioSink:    cfg.AudioSink,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
	}, logger)
	router := media.NewRouter(player, logger)
	graph := dsp.NewGraph(cfg.TargetLoudness, logger)

	eng := engine.New(engine.Config{
		CollectionID:    cfg.CollectionID,
		RefreshInterval: cfg.RefreshInterval,
		ErrorSkipDelay:  cfg.ErrorSkipDelay,
		AutoStart:       cfg.AutoStart,
	}, repo, player, graph, router, bus, logger)
	defer func() { _ = eng.Close() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	if cfg.AnalyzerEnabled {
		svc := analyzer.New(analyzer.Config{
			CollectionID: cfg.CollectionID,
			Interval:     cfg.AnalyzerInterval,
			GStreamerBin: cfg.GStreamerBin,
			SampleRate:   cfg.SampleRate,
			Channels:     cfg.Channels,
		}, repo, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Run(ctx)
		}()
	}

	api := server.NewAPI(eng, repo, logBuffer, cfg.CollectionID, logger)
	srv := server.New(cfg, api, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		cancel()
		wg.Wait()
		if err := <-serveErr; err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	case err := <-serveErr:
		cancel()
		wg.Wait()
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("cliploop stopped")
	return nil
}
