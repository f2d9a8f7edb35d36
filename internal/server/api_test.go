/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/friendsincode/cliploop/internal/cliprepo"
	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/logbuffer"
	"github.com/friendsincode/cliploop/internal/models"
)

const testCollection = "22222222-2222-2222-2222-222222222222"

// testAPI wires the API over an in-memory repository. Engine endpoints are
// not exercised here; they are covered by the engine package tests.
func testAPI(t *testing.T) (*API, *cliprepo.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Collection{}, &models.Clip{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	resolver, err := cliprepo.NewResolver(context.Background(), t.TempDir(), cliprepo.S3Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	repo := cliprepo.New(db, events.NewBus(), nil, resolver, zerolog.Nop())
	if err := repo.EnsureCollection(context.Background(), testCollection, "api test"); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}

	api := NewAPI(nil, repo, logbuffer.New(100), testCollection, zerolog.Nop())
	return api, repo
}

func testRouter(t *testing.T) (chi.Router, *cliprepo.Repository) {
	t.Helper()
	api, repo := testAPI(t)
	r := chi.NewRouter()
	r.Use(securityHeadersMiddleware)
	api.Routes(r)
	return r, repo
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("health = %v", resp)
	}
}

func TestClipLifecycleOverHTTP(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/clips/", map[string]any{
		"title":   "morning",
		"locator": "fs:morning.opus",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created models.Clip
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Position != 0 {
		t.Fatalf("created = %+v", created)
	}

	rec = doJSON(t, r, http.MethodPut, "/api/v1/clips/"+created.ID+"/", map[string]any{
		"title": "renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/clips/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Clips []models.Clip `json:"clips"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listing.Clips) != 1 || listing.Clips[0].Title != "renamed" {
		t.Fatalf("listing = %+v", listing.Clips)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/v1/clips/"+created.ID+"/", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/clips/"+created.ID+"/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestClipCreateRequiresLocator(t *testing.T) {
	r, _ := testRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/clips/", map[string]any{"title": "no locator"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReorderEndpoint(t *testing.T) {
	r, repo := testRouter(t)

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		clip := &models.Clip{CollectionID: testCollection, Title: title, Locator: "fs:" + title}
		if err := repo.CreateClip(context.Background(), clip); err != nil {
			t.Fatalf("seed clip: %v", err)
		}
		ids = append(ids, clip.ID)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/clips/reorder", map[string]any{
		"clip_ids": []string{ids[2], ids[0], ids[1]},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder status = %d body=%s", rec.Code, rec.Body.String())
	}

	clips, err := repo.ListClips(context.Background(), testCollection)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if clips[0].Title != "c" || clips[1].Title != "a" || clips[2].Title != "b" {
		t.Fatalf("order after reorder = %v", []string{clips[0].Title, clips[1].Title, clips[2].Title})
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/clips/reorder", map[string]any{
		"clip_ids": []string{ids[0]},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial reorder status = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r, _ := testRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/health", nil)

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS advertised on plain http")
	}
}
