/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cliprepo

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/models"
)

const testCollection = "11111111-1111-1111-1111-111111111111"

func testRepo(t *testing.T) (*Repository, *events.Bus) {
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

	bus := events.NewBus()
	resolver, err := NewResolver(context.Background(), t.TempDir(), S3Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	repo := New(db, bus, nil, resolver, zerolog.Nop())
	if err := repo.EnsureCollection(context.Background(), testCollection, "test loop"); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}
	return repo, bus
}

func addClip(t *testing.T, repo *Repository, title string) *models.Clip {
	t.Helper()
	clip := &models.Clip{
		CollectionID: testCollection,
		Title:        title,
		Locator:      "fs:" + title + ".opus",
	}
	if err := repo.CreateClip(context.Background(), clip); err != nil {
		t.Fatalf("create clip %s: %v", title, err)
	}
	return clip
}

func listTitles(t *testing.T, repo *Repository) []string {
	t.Helper()
	clips, err := repo.ListClips(context.Background(), testCollection)
	if err != nil {
		t.Fatalf("list clips: %v", err)
	}
	titles := make([]string, len(clips))
	for i, c := range clips {
		titles[i] = c.Title
	}
	return titles
}

func expectTitles(t *testing.T, repo *Repository, want ...string) {
	t.Helper()
	got := listTitles(t, repo)
	if len(got) != len(want) {
		t.Fatalf("titles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("titles = %v, want %v", got, want)
		}
	}
}

func TestCreateClipAssignsSequentialPositions(t *testing.T) {
	repo, _ := testRepo(t)

	a := addClip(t, repo, "a")
	b := addClip(t, repo, "b")
	c := addClip(t, repo, "c")

	if a.Position != 0 || b.Position != 1 || c.Position != 2 {
		t.Fatalf("positions = %d,%d,%d, want 0,1,2", a.Position, b.Position, c.Position)
	}
	if a.ID == "" {
		t.Fatal("missing id not generated")
	}
	expectTitles(t, repo, "a", "b", "c")
}

func TestDeleteClipClosesPositionGap(t *testing.T) {
	repo, _ := testRepo(t)
	addClip(t, repo, "a")
	b := addClip(t, repo, "b")
	addClip(t, repo, "c")

	if err := repo.DeleteClip(context.Background(), b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectTitles(t, repo, "a", "c")

	clips, _ := repo.ListClips(context.Background(), testCollection)
	for i, c := range clips {
		if c.Position != i {
			t.Fatalf("clip %s position = %d, want %d", c.Title, c.Position, i)
		}
	}

	if err := repo.DeleteClip(context.Background(), b.ID); !errors.Is(err, ErrClipNotFound) {
		t.Fatalf("double delete = %v, want ErrClipNotFound", err)
	}
}

func TestReorderRewritesServeOrder(t *testing.T) {
	repo, _ := testRepo(t)
	a := addClip(t, repo, "a")
	b := addClip(t, repo, "b")
	c := addClip(t, repo, "c")

	if err := repo.Reorder(context.Background(), testCollection, []string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	expectTitles(t, repo, "c", "a", "b")
}

func TestReorderRejectsIncompleteList(t *testing.T) {
	repo, _ := testRepo(t)
	a := addClip(t, repo, "a")
	addClip(t, repo, "b")

	if err := repo.Reorder(context.Background(), testCollection, []string{a.ID}); err == nil {
		t.Fatal("partial reorder accepted")
	}
	expectTitles(t, repo, "a", "b")
}

func TestSetLoudnessPublishesAnalysisEvent(t *testing.T) {
	repo, bus := testRepo(t)
	a := addClip(t, repo, "a")

	sub := bus.Subscribe(events.EventAnalysisComplete)
	defer bus.Unsubscribe(events.EventAnalysisComplete, sub)

	if err := repo.SetLoudness(context.Background(), a.ID, -21.5); err != nil {
		t.Fatalf("set loudness: %v", err)
	}

	select {
	case payload := <-sub:
		if payload["clip_id"] != a.ID {
			t.Fatalf("event clip_id = %v, want %s", payload["clip_id"], a.ID)
		}
	default:
		t.Fatal("no analysis event published")
	}

	got, err := repo.GetClip(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get clip: %v", err)
	}
	if got.Loudness == nil || *got.Loudness != -21.5 {
		t.Fatalf("loudness = %v, want -21.5", got.Loudness)
	}
}

func TestListUnmeasuredSkipsMeasuredClips(t *testing.T) {
	repo, _ := testRepo(t)
	a := addClip(t, repo, "a")
	b := addClip(t, repo, "b")

	if err := repo.SetLoudness(context.Background(), a.ID, -18); err != nil {
		t.Fatalf("set loudness: %v", err)
	}

	unmeasured, err := repo.ListUnmeasured(context.Background(), testCollection)
	if err != nil {
		t.Fatalf("list unmeasured: %v", err)
	}
	if len(unmeasured) != 1 || unmeasured[0].ID != b.ID {
		t.Fatalf("unmeasured = %v, want only %s", unmeasured, b.ID)
	}
}

func TestUpdateClipUnknownID(t *testing.T) {
	repo, _ := testRepo(t)
	err := repo.UpdateClip(context.Background(), &models.Clip{ID: "missing", CollectionID: testCollection})
	if !errors.Is(err, ErrClipNotFound) {
		t.Fatalf("update missing clip = %v, want ErrClipNotFound", err)
	}
}
