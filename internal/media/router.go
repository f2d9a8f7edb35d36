/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Router remembers the operator's chosen output device and applies it to
// handles as they are created. Binding failures are never fatal: a handle
// whose processing graph is already live keeps the default path, and the
// next created handle picks the device up instead.
type Router struct {
	player Player
	logger zerolog.Logger

	mu       sync.Mutex
	deviceID string
}

// NewRouter creates an output router over the player.
func NewRouter(player Player, logger zerolog.Logger) *Router {
	return &Router{
		player: player,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Devices lists available output devices.
func (r *Router) Devices(ctx context.Context) ([]Device, error) {
	return r.player.Devices(ctx)
}

// Select remembers deviceID for all handles created from now on.
// An empty id reverts to the platform default output.
func (r *Router) Select(deviceID string) {
	r.mu.Lock()
	r.deviceID = deviceID
	r.mu.Unlock()
	r.logger.Info().Str("device", deviceID).Msg("output device selected")
}

// Current returns the remembered device id.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceID
}

// Apply binds the remembered device to the handle. graphAttached marks a
// handle whose gain graph is live; the platform cannot rebind those, so the
// bind is skipped silently and the caller carries on.
func (r *Router) Apply(h Handle, graphAttached bool) {
	r.mu.Lock()
	deviceID := r.deviceID
	r.mu.Unlock()

	if deviceID == "" {
		return
	}

	if graphAttached {
		r.logger.Debug().
			Int64("handle", h.ID()).
			Str("device", deviceID).
			Msg("skipping device bind for graph-attached handle")
		return
	}

	if err := h.BindDevice(deviceID); err != nil {
		if errors.Is(err, ErrDeviceBindingUnsupported) {
			r.logger.Debug().Int64("handle", h.ID()).Msg("device bind unsupported for live handle")
			return
		}
		r.logger.Warn().Err(err).Int64("handle", h.ID()).Msg("device bind failed")
	}
}
