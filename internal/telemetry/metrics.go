/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes prometheus metrics for the playout engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SwitchesTotal counts clip-to-clip advances.
	SwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliploop_switches_total",
		Help: "Number of clip advances (natural end or skip).",
	})

	// LoopsTotal counts completed loops over the collection.
	LoopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliploop_loops_total",
		Help: "Number of completed playback loops.",
	})

	// SkipsTotal counts clips skipped, by reason.
	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliploop_skips_total",
		Help: "Number of clips skipped instead of played to completion.",
	}, []string{"reason"})

	// RefreshFailuresTotal counts failed collection refreshes.
	RefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliploop_refresh_failures_total",
		Help: "Number of failed clip collection refreshes.",
	})

	// GainApplicationsTotal counts loudness gain attachments and updates.
	GainApplicationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliploop_gain_applications_total",
		Help: "Number of loudness gain attachments or in-place updates.",
	})

	// EngineUp reports whether the engine run loop is active.
	EngineUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cliploop_engine_up",
		Help: "1 while the engine run loop is active.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
