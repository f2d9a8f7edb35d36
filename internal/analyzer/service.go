/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package analyzer measures clip loudness in the background. Clips without a
// measurement play at unity gain until a sweep catches up with them.
package analyzer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/models"
)

// Repo is the slice of the clip repository the analyzer needs.
type Repo interface {
	ListUnmeasured(ctx context.Context, collectionID string) ([]models.Clip, error)
	Resolve(ctx context.Context, locator string) (string, error)
	SetLoudness(ctx context.Context, id string, loudness float64) error
}

// Config tunes the analyzer service.
type Config struct {
	CollectionID  string
	Interval      time.Duration
	GStreamerBin  string
	SampleRate    int
	Channels      int
	DecodeTimeout time.Duration
}

// Service sweeps the collection for unmeasured clips, decodes them to PCM
// and stores an RMS loudness estimate.
type Service struct {
	cfg    Config
	repo   Repo
	logger zerolog.Logger
}

// New creates an analyzer service.
func New(cfg Config, repo Repo, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GStreamerBin == "" {
		cfg.GStreamerBin = "gst-launch-1.0"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.DecodeTimeout <= 0 {
		cfg.DecodeTimeout = 2 * time.Minute
	}
	return &Service{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With().Str("component", "analyzer").Logger(),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("analyzer started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("analyzer stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// SweepOnce runs a single sweep synchronously.
func (s *Service) SweepOnce(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Service) sweep(ctx context.Context) {
	clips, err := s.repo.ListUnmeasured(ctx, s.cfg.CollectionID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("unmeasured clip listing failed")
		return
	}
	for i := range clips {
		if ctx.Err() != nil {
			return
		}
		clip := &clips[i]
		loudness, err := s.measure(ctx, clip)
		if err != nil {
			s.logger.Warn().Err(err).Str("clip", clip.ID).Msg("loudness measurement failed")
			continue
		}
		if err := s.repo.SetLoudness(ctx, clip.ID, loudness); err != nil {
			s.logger.Warn().Err(err).Str("clip", clip.ID).Msg("storing loudness failed")
			continue
		}
		s.logger.Info().Str("clip", clip.ID).Float64("loudness", loudness).Msg("clip measured")
	}
}

// measure decodes the clip to S16LE PCM and returns its RMS level in dBFS.
func (s *Service) measure(ctx context.Context, clip *models.Clip) (float64, error) {
	url, err := s.repo.Resolve(ctx, clip.Locator)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", clip.Locator, err)
	}

	src := fmt.Sprintf("filesrc location=%q", url)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		src = fmt.Sprintf("souphttpsrc location=%q", url)
	}
	pipeline := fmt.Sprintf(
		`%s ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! fdsink fd=1`,
		src, s.cfg.SampleRate, s.cfg.Channels,
	)

	mctx, cancel := context.WithTimeout(ctx, s.cfg.DecodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(mctx, "sh", "-c", fmt.Sprintf("%s -q -e %s", s.cfg.GStreamerBin, pipeline))
	out, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start decoder: %w", err)
	}

	var m meter
	buf := make([]byte, 32768)
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			m.write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = cmd.Wait()
			return 0, fmt.Errorf("read pcm: %w", rerr)
		}
	}
	if err := cmd.Wait(); err != nil {
		return 0, fmt.Errorf("decoder exited: %w", err)
	}
	if m.samples == 0 {
		return 0, fmt.Errorf("clip %s decoded to no audio", clip.ID)
	}
	return m.dbfs(), nil
}

// noiseFloorDBFS is reported for digital silence so the stored value stays
// finite.
const noiseFloorDBFS = -96.0

// meter accumulates squared S16LE sample values.
type meter struct {
	sumSquares float64
	samples    int64
}

// write consumes interleaved S16LE frames. A trailing odd byte is dropped.
func (m *meter) write(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(buf[i:])))
		m.sumSquares += v * v
		m.samples++
	}
}

// dbfs returns the RMS level relative to full scale.
func (m *meter) dbfs() float64 {
	if m.samples == 0 {
		return noiseFloorDBFS
	}
	rms := math.Sqrt(m.sumSquares / float64(m.samples))
	if rms < 1 {
		return noiseFloorDBFS
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < noiseFloorDBFS {
		return noiseFloorDBFS
	}
	return db
}
