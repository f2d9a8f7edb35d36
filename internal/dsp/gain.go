/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dsp implements per-clip loudness correction.
package dsp

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// DefaultTargetLoudness is the reference loudness clips are corrected towards.
	DefaultTargetLoudness = -16.0

	minGain = 0.1
	maxGain = 3.0
)

// Gain maps a clip loudness measurement to a bounded playback gain multiplier.
// A clip without a measurement plays unmodified (gain 1.0).
func Gain(targetLoudness float64, clipLoudness *float64) float64 {
	if clipLoudness == nil {
		return 1.0
	}
	gain := math.Pow(10, (targetLoudness-*clipLoudness)/20)
	if gain < minGain {
		return minGain
	}
	if gain > maxGain {
		return maxGain
	}
	return gain
}

// GainSetter is the slice of a media handle the graph drives.
type GainSetter interface {
	ID() int64
	SetGain(gain float64)
}

// Graph tracks gain attachments per media handle.
//
// Attachment is one-way: once a handle is attached its entry lives until the
// handle is released. Re-attaching is idempotent and only updates the gain
// value in place.
type Graph struct {
	target float64
	logger zerolog.Logger

	mu       sync.Mutex
	attached map[int64]float64 // handle id -> applied gain
}

// NewGraph creates a gain graph correcting towards target loudness.
func NewGraph(target float64, logger zerolog.Logger) *Graph {
	return &Graph{
		target:   target,
		logger:   logger.With().Str("component", "dsp").Logger(),
		attached: make(map[int64]float64),
	}
}

// Attach wires loudness correction for the handle, or updates the existing
// gain node if the handle is already attached. Returns the applied gain.
func (g *Graph) Attach(h GainSetter, clipLoudness float64) float64 {
	gain := Gain(g.target, &clipLoudness)

	g.mu.Lock()
	_, existed := g.attached[h.ID()]
	g.attached[h.ID()] = gain
	g.mu.Unlock()

	h.SetGain(gain)

	g.logger.Debug().
		Int64("handle", h.ID()).
		Float64("loudness", clipLoudness).
		Float64("gain", gain).
		Bool("update", existed).
		Msg("gain attached")

	return gain
}

// Attached reports whether the handle has a live gain attachment.
func (g *Graph) Attached(handleID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.attached[handleID]
	return ok
}

// Release drops the entry for a handle that no longer exists.
func (g *Graph) Release(handleID int64) {
	g.mu.Lock()
	delete(g.attached, handleID)
	g.mu.Unlock()
}

// Size returns the number of live attachments.
func (g *Graph) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attached)
}
