/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media abstracts the platform audio layer: playable handles,
// decode/end events, and output device discovery.
package media

import (
	"context"
	"errors"
)

var (
	// ErrDeviceBindingUnsupported indicates a handle cannot be rebound to an
	// output device (its processing graph is already live).
	ErrDeviceBindingUnsupported = errors.New("device binding unsupported for handle")

	// ErrHandleReleased indicates an operation on a released handle.
	ErrHandleReleased = errors.New("handle released")
)

// EventKind classifies handle events.
type EventKind int

const (
	// EventEnded signals natural end of a clip.
	EventEnded EventKind = iota
	// EventError signals an unrecoverable decode or playback error.
	EventError
)

// Event is delivered to the engine's queue when a handle ends or fails.
type Event struct {
	HandleID int64
	Kind     EventKind
	Err      error
}

// Device is an available audio output device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Handle is one playable clip resource.
//
// Lifecycle: NewHandle -> BindDevice (optional, before Load) -> Load ->
// Play/Pause/Resume -> Release. Release is idempotent and must be called on
// every handle created, on every exit path.
type Handle interface {
	ID() int64
	Load(ctx context.Context) error
	Play() error
	Pause()
	Resume()
	SetGain(gain float64)
	BindDevice(deviceID string) error
	Release()
}

// Player creates handles and enumerates output devices.
type Player interface {
	// NewHandle creates an unloaded handle for a resolved URL or path.
	// End/error events for the handle are delivered to sink.
	NewHandle(url string, sink chan<- Event) Handle

	// Devices lists available output devices. Empty on platforms without
	// enumeration support; never an error for mere absence.
	Devices(ctx context.Context) ([]Device, error)
}
