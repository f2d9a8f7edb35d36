/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/dsp"
	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/media"
	"github.com/friendsincode/cliploop/internal/models"
)

// ---- fakes ----

type fakeHandle struct {
	id     int64
	url    string
	sink   chan<- media.Event
	player *fakePlayer

	mu       sync.Mutex
	loaded   bool
	playing  bool
	paused   bool
	released bool
	gain     float64
	device   string
	loadErr  error
}

func (h *fakeHandle) ID() int64 { return h.id }

func (h *fakeHandle) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return h.loadErr
	}
	h.loaded = true
	return nil
}

func (h *fakeHandle) Play() error {
	h.mu.Lock()
	h.playing = true
	h.paused = false
	h.mu.Unlock()
	h.player.recordPlay(h.url)
	return nil
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
}

func (h *fakeHandle) SetGain(gain float64) {
	h.mu.Lock()
	h.gain = gain
	h.mu.Unlock()
}

func (h *fakeHandle) BindDevice(deviceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return media.ErrDeviceBindingUnsupported
	}
	h.device = deviceID
	return nil
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.released = true
	h.playing = false
	h.mu.Unlock()
}

func (h *fakeHandle) end() {
	h.sink <- media.Event{HandleID: h.id, Kind: media.EventEnded}
}

func (h *fakeHandle) fail(err error) {
	h.sink <- media.Event{HandleID: h.id, Kind: media.EventError, Err: err}
}

func (h *fakeHandle) snapshot() (playing, paused, released bool, gain float64, device string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing, h.paused, h.released, h.gain, h.device
}

type fakePlayer struct {
	mu      sync.Mutex
	nextID  int64
	handles []*fakeHandle
	playLog []string
	devices []media.Device
}

func (p *fakePlayer) NewHandle(url string, sink chan<- media.Event) media.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	h := &fakeHandle{id: p.nextID, url: url, sink: sink, player: p, gain: 1.0}
	p.handles = append(p.handles, h)
	return h
}

func (p *fakePlayer) Devices(ctx context.Context) ([]media.Device, error) {
	return p.devices, nil
}

func (p *fakePlayer) recordPlay(url string) {
	p.mu.Lock()
	p.playLog = append(p.playLog, url)
	p.mu.Unlock()
}

func (p *fakePlayer) plays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.playLog...)
}

// sounding returns the most recent handle that is playing and not released.
func (p *fakePlayer) sounding() *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.handles) - 1; i >= 0; i-- {
		playing, _, released, _, _ := p.handles[i].snapshot()
		if playing && !released {
			return p.handles[i]
		}
	}
	return nil
}

// latestFor returns the most recent handle built for url.
func (p *fakePlayer) latestFor(url string) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.handles) - 1; i >= 0; i-- {
		if p.handles[i].url == url {
			return p.handles[i]
		}
	}
	return nil
}

func (p *fakePlayer) handleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

type fakeRepo struct {
	mu         sync.Mutex
	clips      []models.Clip
	listErr    error
	resolveErr map[string]error
}

func (r *fakeRepo) ListClips(ctx context.Context, collectionID string) ([]models.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]models.Clip(nil), r.clips...), nil
}

func (r *fakeRepo) Resolve(ctx context.Context, locator string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.resolveErr[locator]; err != nil {
		return "", err
	}
	return "mem://" + locator, nil
}

func (r *fakeRepo) set(clips ...models.Clip) {
	r.mu.Lock()
	r.clips = append([]models.Clip(nil), clips...)
	r.mu.Unlock()
}

func (r *fakeRepo) failResolve(locator string, err error) {
	r.mu.Lock()
	r.resolveErr[locator] = err
	r.mu.Unlock()
}

// ---- harness ----

func clip(id string) models.Clip {
	return models.Clip{ID: id, Title: "clip " + id, Locator: "fs:" + id + ".opus"}
}

func measured(id string, loudness float64) models.Clip {
	c := clip(id)
	c.Loudness = &loudness
	return c
}

func urlFor(c models.Clip) string { return "mem://" + c.Locator }

type harness struct {
	t      *testing.T
	repo   *fakeRepo
	player *fakePlayer
	router *media.Router
	eng    *Engine
}

func newHarness(t *testing.T, clips ...models.Clip) *harness {
	t.Helper()
	logger := zerolog.Nop()
	repo := &fakeRepo{clips: clips, resolveErr: map[string]error{}}
	player := &fakePlayer{}
	router := media.NewRouter(player, logger)
	graph := dsp.NewGraph(-16, logger)

	eng := New(Config{
		CollectionID:    "col-1",
		RefreshInterval: time.Hour, // refreshes driven explicitly in tests
		ErrorSkipDelay:  5 * time.Millisecond,
		FetchTimeout:    time.Second,
	}, repo, player, graph, router, events.NewBus(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{t: t, repo: repo, player: player, router: router, eng: eng}
}

func (h *harness) waitFor(desc string, cond func(Status) bool) Status {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := h.eng.Status()
		if cond(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s, status %+v", desc, h.eng.Status())
	return Status{}
}

func (h *harness) waitPlaying(clipID string) *fakeHandle {
	h.t.Helper()
	h.waitFor("playing "+clipID, func(st Status) bool {
		return st.State == StatePlaying && st.CurrentClipID == clipID
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fh := h.player.sounding(); fh != nil {
			return fh
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("no sounding handle for %s", clipID)
	return nil
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.eng.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

func (h *harness) refresh() {
	h.t.Helper()
	if err := h.eng.Refresh(); err != nil {
		h.t.Fatalf("Refresh: %v", err)
	}
}

// ---- tests ----

func TestStartRequiresExplicitCall(t *testing.T) {
	h := newHarness(t, clip("c1"))

	st := h.eng.Status()
	if st.State != StateNeedsUserStart || !st.NeedsUserStart {
		t.Fatalf("initial state = %v, want %v", st.State, StateNeedsUserStart)
	}
	if n := h.player.handleCount(); n != 0 {
		t.Fatalf("handles created before start: %d", n)
	}

	h.start()
	h.waitPlaying("c1")
}

func TestLoopVisitsEachClipOnceThenRestarts(t *testing.T) {
	c1, c2, c3 := clip("c1"), clip("c2"), clip("c3")
	h := newHarness(t, c1, c2, c3)
	h.start()

	h.waitPlaying("c1").end()
	h.waitPlaying("c2").end()
	h.waitPlaying("c3").end()

	st := h.waitFor("loop restart", func(st Status) bool {
		return st.CurrentClipID == "c1" && st.LoopCount == 1
	})
	if st.CurrentIndex != 0 {
		t.Errorf("index after restart = %d, want 0", st.CurrentIndex)
	}

	want := []string{urlFor(c1), urlFor(c2), urlFor(c3), urlFor(c1)}
	got := h.player.plays()
	if len(got) != len(want) {
		t.Fatalf("play log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("play log = %v, want %v", got, want)
		}
	}
}

func TestEmptyCollectionAwaitsClips(t *testing.T) {
	h := newHarness(t)
	h.start()

	st := h.eng.Status()
	if st.State != StateIdle || !st.AwaitingClips {
		t.Fatalf("state = %v awaiting=%v, want idle awaiting", st.State, st.AwaitingClips)
	}
	if st.LastError != "" {
		t.Fatalf("empty collection reported as error: %q", st.LastError)
	}

	h.repo.set(clip("c1"))
	h.refresh()
	h.waitPlaying("c1")
}

func TestPauseResumeKeepsClipAndHandle(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()

	h.waitPlaying("c1").end()
	fh := h.waitPlaying("c2")

	if err := h.eng.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st := h.eng.Status()
	if st.State != StatePaused || st.IsPlaying {
		t.Fatalf("state after pause = %v", st.State)
	}
	if _, paused, _, _, _ := fh.snapshot(); !paused {
		t.Fatal("handle not paused")
	}
	built := h.player.handleCount()

	h.start() // resumes
	st = h.waitFor("resume", func(st Status) bool { return st.State == StatePlaying })
	if st.CurrentClipID != "c2" {
		t.Fatalf("resumed clip = %s, want c2", st.CurrentClipID)
	}
	if _, paused, _, _, _ := fh.snapshot(); paused {
		t.Fatal("handle still paused after resume")
	}
	if h.player.handleCount() != built {
		t.Fatal("resume rebuilt the handle")
	}
}

func TestDeletingPlayingClipAdvances(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"), clip("c3"))
	h.start()
	fh := h.waitPlaying("c1")

	h.repo.set(clip("c2"), clip("c3"))
	h.refresh()

	h.waitPlaying("c2")
	if _, _, released, _, _ := fh.snapshot(); !released {
		t.Fatal("deleted clip's handle not released")
	}
}

func TestDeletionBehindCursorKeepsCurrentClip(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"), clip("c3"))
	h.start()
	h.waitPlaying("c1").end()
	h.waitPlaying("c2")

	h.repo.set(clip("c2"), clip("c3"))
	h.refresh()

	st := h.waitFor("cursor shift", func(st Status) bool { return st.TotalCount == 2 })
	if st.CurrentClipID != "c2" {
		t.Fatalf("current = %s, want c2", st.CurrentClipID)
	}
	if st.CurrentIndex != 0 {
		t.Fatalf("index = %d, want 0 after deletion before cursor", st.CurrentIndex)
	}
}

func TestInsertionPlaysBeforeLoopRestarts(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	h.waitPlaying("c1").end()
	h.waitPlaying("c2")

	h.repo.set(clip("c1"), clip("c2"), clip("c3"))
	h.refresh()
	h.waitFor("grown loop", func(st Status) bool { return st.TotalCount == 3 })

	h.player.sounding().end()
	h.waitPlaying("c3") // inserted clip sounds before the loop wraps

	st := h.eng.Status()
	if st.LoopCount != 0 {
		t.Fatalf("loop completed early, count = %d", st.LoopCount)
	}
	h.player.sounding().end()
	h.waitFor("wrap", func(st Status) bool { return st.LoopCount == 1 && st.CurrentClipID == "c1" })
}

func TestReorderKeepsPlayingClip(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"), clip("c3"))
	h.start()
	h.waitPlaying("c1").end()
	h.waitPlaying("c2")

	h.repo.set(clip("c3"), clip("c1"), clip("c2"))
	h.refresh()
	st := h.waitFor("reorder", func(st Status) bool { return st.CurrentIndex == 2 })
	if st.CurrentClipID != "c2" {
		t.Fatalf("reorder moved playback off c2, got %s", st.CurrentClipID)
	}

	// c2 is now last; ending it wraps into the new order.
	h.player.sounding().end()
	h.waitFor("wrap to c3", func(st Status) bool {
		return st.LoopCount == 1 && st.CurrentClipID == "c3"
	})
}

func TestUnavailableClipSkippedAfterDelay(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.repo.failResolve("fs:c1.opus", errors.New("object missing"))
	h.start()

	st := h.waitFor("skip to c2", func(st Status) bool { return st.CurrentClipID == "c2" && st.State == StatePlaying })
	if st.LastError == "" {
		t.Fatal("resolve failure not surfaced in status")
	}
}

func TestPlaybackErrorSkipsAfterDelay(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()

	h.waitPlaying("c1").fail(errors.New("decode stalled"))
	h.waitPlaying("c2")
}

func TestPreloadedHandlePromotedGaplessly(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	first := h.waitPlaying("c1")

	// Both handles exist before the switch: one sounding, one preloaded.
	h.waitFor("preload", func(Status) bool { return h.player.handleCount() == 2 })
	preloaded := h.player.latestFor(urlFor(clip("c2")))

	first.end()
	second := h.waitPlaying("c2")
	if second.ID() != preloaded.ID() {
		t.Fatalf("switch built a fresh handle (%d) instead of promoting the preload (%d)", second.ID(), preloaded.ID())
	}
}

func TestNoPreloadAcrossLoopBoundary(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	h.waitPlaying("c1").end()
	h.waitPlaying("c2")

	// c2 is the final position; nothing may be preloaded for the next loop.
	time.Sleep(20 * time.Millisecond)
	if n := h.player.handleCount(); n != 2 {
		t.Fatalf("handles = %d, want 2 (no preload past the loop boundary)", n)
	}
}

func TestLoudnessGainAppliedAtBuild(t *testing.T) {
	h := newHarness(t, measured("c1", -22), clip("c2"))
	h.start()
	fh := h.waitPlaying("c1")

	_, _, _, gain, _ := fh.snapshot()
	want := math.Pow(10, (-16.0-(-22.0))/20)
	if math.Abs(gain-want) > 1e-9 {
		t.Fatalf("gain = %f, want %f", gain, want)
	}

	fh.end()
	unmeasured := h.waitPlaying("c2")
	if _, _, _, g, _ := unmeasured.snapshot(); g != 1.0 {
		t.Fatalf("unmeasured clip gain = %f, want 1.0", g)
	}
}

func TestLoudnessUpdateAdjustsLiveHandle(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	fh := h.waitPlaying("c1")

	h.repo.set(measured("c1", -22), clip("c2"))
	h.refresh()

	want := math.Pow(10, (-16.0-(-22.0))/20)
	h.waitFor("gain update", func(Status) bool {
		_, _, _, g, _ := fh.snapshot()
		return math.Abs(g-want) < 1e-9
	})
	if sounding := h.player.sounding(); sounding == nil || sounding.ID() != fh.ID() {
		t.Fatal("gain update restarted the clip")
	}
}

func TestDeviceSelectionSkipsAttachedHandles(t *testing.T) {
	h := newHarness(t, measured("c1", -20), clip("c2"))
	h.start()
	h.waitPlaying("c1")

	if err := h.eng.SelectOutputDevice("hw:1"); err != nil {
		t.Fatalf("SelectOutputDevice: %v", err)
	}
	if st := h.eng.Status(); st.OutputDevice != "hw:1" {
		t.Fatalf("device not remembered, got %q", st.OutputDevice)
	}

	// Run a full loop so both clips get rebuilt after the selection.
	h.player.sounding().end()
	h.waitPlaying("c2")
	h.player.sounding().end()
	h.waitFor("second loop", func(st Status) bool { return st.LoopCount == 1 && st.CurrentClipID == "c1" })
	h.waitFor("second loop preload", func(Status) bool {
		fh := h.player.latestFor(urlFor(clip("c2")))
		if fh == nil {
			return false
		}
		_, _, _, _, dev := fh.snapshot()
		return dev == "hw:1"
	})

	// The measured clip keeps the default path: its graph is live at build.
	_, _, _, _, dev := h.player.latestFor(urlFor(measured("c1", -20))).snapshot()
	if dev != "" {
		t.Fatalf("graph-attached handle got device %q, want default path", dev)
	}
}

func TestDrainedCollectionAwaitsThenResumes(t *testing.T) {
	h := newHarness(t, clip("c1"))
	h.start()
	fh := h.waitPlaying("c1")

	h.repo.set()
	h.refresh()
	st := h.waitFor("awaiting", func(st Status) bool { return st.State == StateIdle && st.AwaitingClips })
	if st.IsPlaying {
		t.Fatal("still reported playing with no clips")
	}
	if _, _, released, _, _ := fh.snapshot(); !released {
		t.Fatal("handle survived collection drain")
	}

	h.repo.set(clip("c2"))
	h.refresh()
	h.waitPlaying("c2")
}

func TestFetchFailureAtLoopBoundaryReusesSnapshot(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	h.waitPlaying("c1").end()
	h.waitPlaying("c2")

	h.repo.mu.Lock()
	h.repo.listErr = errors.New("database offline")
	h.repo.mu.Unlock()

	h.player.sounding().end()
	st := h.waitFor("loop on stale snapshot", func(st Status) bool {
		return st.LoopCount == 1 && st.CurrentClipID == "c1"
	})
	if st.LastError == "" {
		t.Fatal("fetch failure not surfaced")
	}
}

func TestResetReturnsToUserStart(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	fh := h.waitPlaying("c1")

	if err := h.eng.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st := h.eng.Status()
	if st.State != StateNeedsUserStart {
		t.Fatalf("state after reset = %v", st.State)
	}
	if _, _, released, _, _ := fh.snapshot(); !released {
		t.Fatal("reset left a live handle")
	}

	h.start()
	h.waitPlaying("c1")
}

func TestDeletingPausedClipResumesOnSuccessor(t *testing.T) {
	h := newHarness(t, clip("c1"), clip("c2"))
	h.start()
	h.waitPlaying("c1")

	if err := h.eng.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.repo.set(clip("c2"))
	h.refresh()

	if st := h.eng.Status(); st.State != StatePaused {
		t.Fatalf("deletion while paused changed state to %v", st.State)
	}

	h.start()
	h.waitPlaying("c2")
}

func TestCloseRejectsFurtherCommands(t *testing.T) {
	h := newHarness(t, clip("c1"))
	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.eng.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Start after close = %v, want ErrEngineClosed", err)
	}
}
