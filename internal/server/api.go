/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/cliprepo"
	"github.com/friendsincode/cliploop/internal/engine"
	"github.com/friendsincode/cliploop/internal/logbuffer"
	"github.com/friendsincode/cliploop/internal/models"
	"github.com/friendsincode/cliploop/internal/version"
)

// API exposes engine control and collection management over HTTP.
type API struct {
	engine       *engine.Engine
	repo         *cliprepo.Repository
	logBuffer    *logbuffer.Buffer
	collectionID string
	logger       zerolog.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(eng *engine.Engine, repo *cliprepo.Repository, logBuffer *logbuffer.Buffer, collectionID string, logger zerolog.Logger) *API {
	return &API{
		engine:       eng,
		repo:         repo,
		logBuffer:    logBuffer,
		collectionID: collectionID,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/engine", func(r chi.Router) {
			r.Get("/status", a.handleEngineStatus)
			r.Get("/devices", a.handleEngineDevices)
			r.Post("/start", a.handleEngineStart)
			r.Post("/pause", a.handleEnginePause)
			r.Post("/reset", a.handleEngineReset)
			r.Post("/refresh", a.handleEngineRefresh)
			r.Post("/device", a.handleEngineSelectDevice)
		})

		r.Route("/clips", func(r chi.Router) {
			r.Get("/", a.handleClipsList)
			r.Post("/", a.handleClipCreate)
			r.Post("/reorder", a.handleClipsReorder)
			r.Route("/{clipID}", func(r chi.Router) {
				r.Get("/", a.handleClipGet)
				r.Put("/", a.handleClipUpdate)
				r.Delete("/", a.handleClipDelete)
			})
		})

		r.Get("/logs", a.handleLogs)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// ---- engine ----

func (a *API) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleEngineDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.engine.Devices(r.Context())
	if err != nil {
		a.logger.Warn().Err(err).Msg("device enumeration failed")
		writeError(w, http.StatusInternalServerError, "device_enumeration_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Start(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("engine start failed")
		writeError(w, http.StatusConflict, "start_failed")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleEnginePause(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Pause(); err != nil {
		writeError(w, http.StatusConflict, "pause_failed")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleEngineReset(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Reset(); err != nil {
		writeError(w, http.StatusConflict, "reset_failed")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleEngineRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Refresh(); err != nil {
		writeError(w, http.StatusConflict, "refresh_failed")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

type selectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

func (a *API) handleEngineSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := a.engine.SelectOutputDevice(req.DeviceID); err != nil {
		writeError(w, http.StatusConflict, "device_select_failed")
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

// ---- clips ----

func (a *API) handleClipsList(w http.ResponseWriter, r *http.Request) {
	clips, err := a.repo.ListClips(r.Context(), a.collectionID)
	if err != nil {
		a.logger.Error().Err(err).Msg("clip listing failed")
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

type clipRequest struct {
	Title           string   `json:"title"`
	Locator         string   `json:"locator"`
	DurationSeconds float64  `json:"duration_seconds"`
	Loudness        *float64 `json:"loudness"`
}

func (a *API) handleClipCreate(w http.ResponseWriter, r *http.Request) {
	var req clipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Locator == "" {
		writeError(w, http.StatusBadRequest, "locator_required")
		return
	}

	clip := &models.Clip{
		CollectionID:    a.collectionID,
		Title:           req.Title,
		Locator:         req.Locator,
		DurationSeconds: req.DurationSeconds,
		Loudness:        req.Loudness,
	}
	if err := a.repo.CreateClip(r.Context(), clip); err != nil {
		a.logger.Error().Err(err).Msg("clip create failed")
		writeError(w, http.StatusInternalServerError, "create_failed")
		return
	}
	writeJSON(w, http.StatusCreated, clip)
}

func (a *API) handleClipGet(w http.ResponseWriter, r *http.Request) {
	clip, err := a.repo.GetClip(r.Context(), chi.URLParam(r, "clipID"))
	if errors.Is(err, cliprepo.ErrClipNotFound) {
		writeError(w, http.StatusNotFound, "clip_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed")
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (a *API) handleClipUpdate(w http.ResponseWriter, r *http.Request) {
	var req clipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	clip, err := a.repo.GetClip(r.Context(), chi.URLParam(r, "clipID"))
	if errors.Is(err, cliprepo.ErrClipNotFound) {
		writeError(w, http.StatusNotFound, "clip_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed")
		return
	}

	if req.Title != "" {
		clip.Title = req.Title
	}
	if req.Locator != "" {
		clip.Locator = req.Locator
	}
	if req.DurationSeconds > 0 {
		clip.DurationSeconds = req.DurationSeconds
	}
	if req.Loudness != nil {
		clip.Loudness = req.Loudness
	}

	if err := a.repo.UpdateClip(r.Context(), clip); err != nil {
		a.logger.Error().Err(err).Msg("clip update failed")
		writeError(w, http.StatusInternalServerError, "update_failed")
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (a *API) handleClipDelete(w http.ResponseWriter, r *http.Request) {
	err := a.repo.DeleteClip(r.Context(), chi.URLParam(r, "clipID"))
	if errors.Is(err, cliprepo.ErrClipNotFound) {
		writeError(w, http.StatusNotFound, "clip_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	ClipIDs []string `json:"clip_ids"`
}

func (a *API) handleClipsReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.ClipIDs) == 0 {
		writeError(w, http.StatusBadRequest, "clip_ids_required")
		return
	}
	if err := a.repo.Reorder(r.Context(), a.collectionID, req.ClipIDs); err != nil {
		a.logger.Warn().Err(err).Msg("reorder failed")
		writeError(w, http.StatusBadRequest, "reorder_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

// ---- logs ----

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries := a.logBuffer.Query(logbuffer.QueryParams{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Search:    r.URL.Query().Get("q"),
		Limit:     limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
