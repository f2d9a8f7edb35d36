/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine implements continuous, gapless playout of a clip collection
// that can mutate while it plays.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/dsp"
	"github.com/friendsincode/cliploop/internal/events"
	"github.com/friendsincode/cliploop/internal/media"
	"github.com/friendsincode/cliploop/internal/models"
	"github.com/friendsincode/cliploop/internal/telemetry"
)

// ClipRepository supplies the clip collection and resolves locators. It is an
// external collaborator; the engine only reads through it.
type ClipRepository interface {
	ListClips(ctx context.Context, collectionID string) ([]models.Clip, error)
	Resolve(ctx context.Context, locator string) (string, error)
}

// Config tunes one engine instance.
type Config struct {
	CollectionID    string
	RefreshInterval time.Duration
	ErrorSkipDelay  time.Duration
	FetchTimeout    time.Duration
	AutoStart       bool
}

// Status is the observable engine state exposed to the host.
type Status struct {
	State          State  `json:"state"`
	CurrentIndex   int    `json:"current_index"`
	TotalCount     int    `json:"total_count"`
	IsPlaying      bool   `json:"is_playing"`
	NeedsUserStart bool   `json:"needs_user_start"`
	AwaitingClips  bool   `json:"awaiting_clips"`
	LastError      string `json:"last_error,omitempty"`
	LoopCount      uint64 `json:"loop_count"`
	CurrentClipID  string `json:"current_clip_id,omitempty"`
	OutputDevice   string `json:"output_device,omitempty"`
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdReset
	cmdDevice
	cmdRefresh
	cmdSkip
)

type command struct {
	kind     cmdKind
	deviceID string
	clipID   string // cmdSkip: the clip the skip was scheduled for
	reply    chan error
}

// loadedHandle pairs a media handle with the clip it was built for.
type loadedHandle struct {
	handle   media.Handle
	clipID   string
	attached bool // gain graph attachment is one-way for the handle's lifetime
}

// Engine is the playback state machine. All mutable playback state (session,
// cursor, handles) is owned by the run loop goroutine; commands and media
// events arrive through an explicit queue, so every transition runs to
// completion before the next one starts.
type Engine struct {
	cfg    Config
	repo   ClipRepository
	player media.Player
	graph  *dsp.Graph
	router *media.Router
	bus    *events.Bus
	logger zerolog.Logger

	queue       chan command
	mediaEvents chan media.Event
	closed      chan struct{}
	closeOnce   sync.Once

	// Run-loop owned state.
	state     State
	sess      *session
	current   *loadedHandle
	next      *loadedHandle
	switching bool
	started   bool
	awaiting  bool
	loopCount uint64
	lastError string
	skipTimer *time.Timer
	candidate int // collection size last seen while no loop is in progress

	statusMu sync.RWMutex
	status   Status
}

// New creates a playback engine. Call Run to drive it.
func New(cfg Config, repo ClipRepository, player media.Player, graph *dsp.Graph, router *media.Router, bus *events.Bus, logger zerolog.Logger) *Engine {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.ErrorSkipDelay <= 0 {
		cfg.ErrorSkipDelay = 500 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	state := StateNeedsUserStart
	if cfg.AutoStart {
		state = StateIdle
	}
	e := &Engine{
		cfg:         cfg,
		repo:        repo,
		player:      player,
		graph:       graph,
		router:      router,
		bus:         bus,
		logger:      logger.With().Str("component", "engine").Str("collection", cfg.CollectionID).Logger(),
		queue:       make(chan command, 16),
		mediaEvents: make(chan media.Event, 16),
		closed:      make(chan struct{}),
		state:       state,
	}
	e.updateStatus()
	return e
}

// Run drives the engine until ctx is cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("playback engine started")
	telemetry.EngineUp.Set(1)
	defer telemetry.EngineUp.Set(0)

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	stopForward := e.forwardBusRefreshes()
	defer stopForward()

	if e.cfg.AutoStart {
		if err := e.startSession(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("initial collection fetch failed")
		}
	}
	e.updateStatus()

	for {
		select {
		case <-ctx.Done():
			e.teardownPlayback()
			e.updateStatus()
			e.logger.Info().Msg("playback engine stopped")
			return ctx.Err()
		case <-e.closed:
			e.teardownPlayback()
			e.updateStatus()
			e.logger.Info().Msg("playback engine closed")
			return nil
		case cmd := <-e.queue:
			e.handleCommand(ctx, cmd)
		case ev := <-e.mediaEvents:
			e.handleMediaEvent(ctx, ev)
		case <-ticker.C:
			e.refresh(ctx)
		}
		e.updateStatus()
	}
}

// Close disposes the engine. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Start transitions out of NeedsUserStart, or resumes from Paused.
func (e *Engine) Start(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdStart})
}

// Pause halts audible output, preserving clip, cursor and position.
func (e *Engine) Pause() error {
	return e.send(context.Background(), command{kind: cmdPause})
}

// Reset tears playback down to NeedsUserStart.
func (e *Engine) Reset() error {
	return e.send(context.Background(), command{kind: cmdReset})
}

// SelectOutputDevice remembers deviceID for new handles and re-applies to
// live ones best-effort.
func (e *Engine) SelectOutputDevice(deviceID string) error {
	return e.send(context.Background(), command{kind: cmdDevice, deviceID: deviceID})
}

// Refresh forces a collection refresh outside the regular interval.
func (e *Engine) Refresh() error {
	return e.send(context.Background(), command{kind: cmdRefresh})
}

// Devices enumerates output devices.
func (e *Engine) Devices(ctx context.Context) ([]media.Device, error) {
	return e.router.Devices(ctx)
}

// Status returns a copy of the observable state.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) send(ctx context.Context, cmd command) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}
	cmd.reply = make(chan error, 1)
	select {
	case e.queue <- cmd:
	case <-e.closed:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.closed:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue delivers internally generated commands (skip timers, bus-driven
// refreshes). It blocks until the run loop drains the queue; producers are
// dedicated goroutines, never the run loop itself.
func (e *Engine) enqueue(cmd command) {
	select {
	case e.queue <- cmd:
	case <-e.closed:
	}
}

// forwardBusRefreshes turns collection mutation events into refresh commands
// so the engine reacts faster than the polling interval.
func (e *Engine) forwardBusRefreshes() func() {
	if e.bus == nil {
		return func() {}
	}
	types := []events.EventType{
		events.EventClipCreated,
		events.EventClipUpdated,
		events.EventClipDeleted,
		events.EventClipReorder,
		events.EventAnalysisComplete,
	}
	subs := make([]events.Subscriber, len(types))
	for i, t := range types {
		subs[i] = e.bus.Subscribe(t)
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-e.closed:
				return
			case <-subs[0]:
			case <-subs[1]:
			case <-subs[2]:
			case <-subs[3]:
			case <-subs[4]:
			}
			e.enqueue(command{kind: cmdRefresh})
		}
	}()
	return func() {
		close(stop)
		for i, t := range types {
			e.bus.Unsubscribe(t, subs[i])
		}
	}
}

// ---- transition function ----

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = e.handleStart(ctx)
	case cmdPause:
		e.handlePause()
	case cmdReset:
		e.handleReset()
	case cmdDevice:
		e.handleSelectDevice(cmd.deviceID)
	case cmdRefresh:
		e.refresh(ctx)
	case cmdSkip:
		e.handleSkip(ctx, cmd.clipID)
	}
	// Publish status before unblocking the caller so a Status read right
	// after a command observes its effect.
	e.updateStatus()
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (e *Engine) handleStart(ctx context.Context) error {
	switch e.state {
	case StatePlaying, StateSwitching, StateLoopCompleting:
		return nil // already started
	case StatePaused:
		if e.current != nil {
			e.current.handle.Resume()
		} else {
			// Handle was released (e.g. the paused clip got deleted);
			// rebuild from the retained cursor.
			e.beginCurrent(ctx)
			e.preloadNext(ctx)
		}
		e.setState(StatePlaying)
		return nil
	default:
		return e.startSession(ctx)
	}
}

func (e *Engine) handlePause() {
	if e.state != StatePlaying {
		return
	}
	if e.current != nil {
		e.current.handle.Pause()
	}
	e.setState(StatePaused)
}

func (e *Engine) handleReset() {
	e.teardownPlayback()
	e.sess = nil
	e.awaiting = false
	e.started = false
	e.switching = false
	e.lastError = ""
	e.setState(StateNeedsUserStart)
	e.logger.Info().Msg("engine reset")
}

func (e *Engine) handleSelectDevice(deviceID string) {
	e.router.Select(deviceID)
	// Best-effort re-apply to live handles; graph-attached handles are
	// skipped and pick the device up on their next incarnation.
	if e.current != nil {
		e.router.Apply(e.current.handle, e.current.attached)
	}
	if e.next != nil {
		e.router.Apply(e.next.handle, e.next.attached)
	}
}

func (e *Engine) handleSkip(ctx context.Context, clipID string) {
	if e.sess == nil {
		return
	}
	cur := e.sess.currentClip()
	if cur == nil || cur.ID != clipID {
		return // collection moved on while the skip delay ran
	}
	e.advance(ctx)
}

func (e *Engine) handleMediaEvent(ctx context.Context, ev media.Event) {
	if e.current == nil || e.current.handle.ID() != ev.HandleID {
		return // stale event from a released handle
	}
	switch ev.Kind {
	case media.EventEnded:
		e.advance(ctx)
	case media.EventError:
		e.logger.Warn().Err(ev.Err).Str("clip", e.current.clipID).Msg("playback error, scheduling skip")
		e.failClip(e.current.clipID, ev.Err)
	}
}

// ---- playback mechanics ----

func (e *Engine) startSession(ctx context.Context) error {
	e.started = true
	clips, err := e.fetchClips(ctx)
	if err != nil {
		e.lastError = err.Error()
		return fmt.Errorf("fetch collection: %w", err)
	}
	e.lastError = ""
	if len(clips) == 0 {
		e.awaiting = true
		e.setState(StateIdle)
		e.logger.Info().Msg("collection empty, awaiting clips")
		return nil
	}
	e.awaiting = false
	e.sess = newSession(clips)
	e.beginCurrent(ctx)
	e.preloadNext(ctx)
	e.setState(StatePlaying)
	return nil
}

// advance moves exactly one position. Requests arriving while one advance is
// in flight are dropped, not queued.
func (e *Engine) advance(ctx context.Context) {
	if e.switching {
		e.logger.Debug().Msg("advance dropped, switch in flight")
		return
	}
	if e.sess == nil {
		return
	}
	e.switching = true
	defer func() { e.switching = false }()

	e.setState(StateSwitching)
	telemetry.SwitchesTotal.Inc()

	if e.current != nil {
		e.releaseLoaded(e.current)
		e.current = nil
	}
	e.sess.cursor++

	if e.sess.exhausted() {
		e.completeLoop(ctx)
		return
	}

	e.playAtCursor(ctx)
	e.preloadNext(ctx)
	e.setState(StatePlaying)
}

// playAtCursor makes the clip under the cursor audible, promoting the
// preloaded handle when it matches (the gapless path).
func (e *Engine) playAtCursor(ctx context.Context) {
	clip := e.sess.currentClip()
	if clip == nil {
		return
	}
	if e.next != nil && e.next.clipID == clip.ID {
		e.current, e.next = e.next, nil
		if err := e.current.handle.Play(); err != nil {
			e.failClip(clip.ID, err)
			return
		}
		e.publishNowPlaying(clip)
		return
	}
	e.discardNext()
	e.beginCurrent(ctx)
}

// beginCurrent builds, loads and plays a fresh handle for the cursor clip.
func (e *Engine) beginCurrent(ctx context.Context) {
	clip := e.sess.currentClip()
	if clip == nil {
		return
	}
	l, err := e.buildHandle(ctx, clip)
	if err != nil {
		e.logger.Warn().Err(err).Str("clip", clip.ID).Msg("clip unavailable, scheduling skip")
		e.failClip(clip.ID, err)
		return
	}
	e.current = l
	if err := l.handle.Play(); err != nil {
		e.failClip(clip.ID, err)
		return
	}
	e.publishNowPlaying(clip)
}

// preloadNext keeps exactly one handle ready for the position following the
// cursor. No preloading across the loop boundary: the next loop plays from a
// snapshot that does not exist yet.
func (e *Engine) preloadNext(ctx context.Context) {
	if e.sess == nil {
		return
	}
	follow := e.sess.followingClip()
	if follow == nil {
		e.discardNext()
		return
	}
	if e.next != nil {
		if e.next.clipID == follow.ID {
			return
		}
		e.discardNext()
	}
	l, err := e.buildHandle(ctx, follow)
	if err != nil {
		// Surface the failure when the clip becomes current.
		e.logger.Warn().Err(err).Str("clip", follow.ID).Msg("preload failed")
		return
	}
	e.next = l
}

func (e *Engine) completeLoop(ctx context.Context) {
	e.setState(StateLoopCompleting)

	// The preloaded handle belongs to the exhausted order; it must go before
	// the new snapshot is built.
	e.discardNext()

	e.loopCount++
	telemetry.LoopsTotal.Inc()
	e.publish(events.EventLoopComplete, events.Payload{
		"collection_id": e.cfg.CollectionID,
		"loop":          e.loopCount,
	})

	clips, err := e.fetchClips(ctx)
	if err != nil {
		// Keep looping over the clips we already have rather than stalling.
		e.lastError = err.Error()
		telemetry.RefreshFailuresTotal.Inc()
		e.logger.Warn().Err(err).Msg("refetch at loop boundary failed, reusing snapshot")
		clips = append([]models.Clip(nil), e.sess.clips...)
	}

	if len(clips) == 0 {
		e.enterAwaiting()
		return
	}

	e.sess = newSession(clips)
	e.beginCurrent(ctx)
	e.preloadNext(ctx)
	e.setState(StatePlaying)
}

// refresh polls the repository and reconciles mutations into the live
// session per the rules in session.reconcile.
func (e *Engine) refresh(ctx context.Context) {
	midLoop := e.state == StatePlaying || e.state == StatePaused || e.state == StateSwitching

	clips, err := e.fetchClips(ctx)
	if err != nil {
		e.lastError = fmt.Sprintf("collection refresh failed: %v", err)
		telemetry.RefreshFailuresTotal.Inc()
		e.logger.Warn().Err(err).Msg("collection refresh failed")
		return
	}
	e.lastError = ""
	e.candidate = len(clips)

	if !midLoop || e.sess == nil {
		if e.state == StateIdle && e.awaiting && e.started && len(clips) > 0 {
			e.logger.Info().Int("clips", len(clips)).Msg("collection populated, resuming playout")
			e.awaiting = false
			e.sess = newSession(clips)
			e.beginCurrent(ctx)
			e.preloadNext(ctx)
			e.setState(StatePlaying)
		}
		return
	}

	res := e.sess.reconcile(clips)

	// Metadata pass runs last and never touches the order; re-apply gain in
	// place for the sounding and preloaded handles.
	for i := range res.metaChanged {
		e.reapplyGain(&res.metaChanged[i])
	}

	if res.currentRemoved {
		telemetry.SkipsTotal.WithLabelValues("deleted").Inc()
		e.recoverFromDeletion(ctx)
		return
	}

	if e.sess.empty() {
		e.enterAwaiting()
		return
	}

	// Deletions, insertions or a reorder may have invalidated the preload.
	e.preloadNext(ctx)
}

// recoverFromDeletion stops the deleted clip and continues at the cursor,
// which already points at the entry that followed it.
func (e *Engine) recoverFromDeletion(ctx context.Context) {
	if e.switching {
		return
	}
	e.switching = true
	defer func() { e.switching = false }()

	if e.current != nil {
		e.releaseLoaded(e.current)
		e.current = nil
	}

	if e.sess.empty() {
		e.enterAwaiting()
		return
	}

	if e.state == StatePaused {
		// Stay paused; Start rebuilds from the retained cursor.
		e.preloadNext(ctx)
		return
	}

	e.setState(StateSwitching)
	telemetry.SwitchesTotal.Inc()

	if e.sess.exhausted() {
		e.completeLoop(ctx)
		return
	}

	e.playAtCursor(ctx)
	e.preloadNext(ctx)
	e.setState(StatePlaying)
}

// failClip records the error and schedules a skip after a fixed delay, so a
// bad resource cannot stall the loop. The failed clip is never retried.
func (e *Engine) failClip(clipID string, cause error) {
	e.lastError = cause.Error()
	telemetry.SkipsTotal.WithLabelValues("resource_unavailable").Inc()

	if e.current != nil && e.current.clipID == clipID {
		e.releaseLoaded(e.current)
		e.current = nil
	}

	if e.skipTimer != nil {
		e.skipTimer.Stop()
	}
	delay := e.cfg.ErrorSkipDelay
	e.skipTimer = time.AfterFunc(delay, func() {
		e.enqueue(command{kind: cmdSkip, clipID: clipID})
	})
}

func (e *Engine) enterAwaiting() {
	e.logger.Info().Msg("collection drained, awaiting clips")
	e.teardownPlayback()
	e.sess = nil
	e.awaiting = true
	e.setState(StateIdle)
}

func (e *Engine) buildHandle(ctx context.Context, clip *models.Clip) (*loadedHandle, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	url, err := e.repo.Resolve(fctx, clip.Locator)
	if err != nil {
		return nil, fmt.Errorf("resolve clip %s: %w", clip.ID, err)
	}

	h := e.player.NewHandle(url, e.mediaEvents)
	attached := clip.HasLoudness()

	// Device binding happens before load; loudness-corrected handles keep
	// the default path (the platform cannot bind graph-attached handles).
	e.router.Apply(h, attached)

	if err := h.Load(fctx); err != nil {
		h.Release()
		return nil, fmt.Errorf("load clip %s: %w", clip.ID, err)
	}

	if attached {
		e.graph.Attach(h, *clip.Loudness)
		telemetry.GainApplicationsTotal.Inc()
	}

	return &loadedHandle{handle: h, clipID: clip.ID, attached: attached}, nil
}

// reapplyGain updates the gain node in place for a live handle whose clip
// loudness changed. A handle whose clip just got its first measurement is
// attached now; attachment stays one-way, so a cleared measurement only
// resets the gain to unity.
func (e *Engine) reapplyGain(clip *models.Clip) {
	for _, l := range []*loadedHandle{e.current, e.next} {
		if l == nil || l.clipID != clip.ID {
			continue
		}
		switch {
		case clip.Loudness != nil:
			e.graph.Attach(l.handle, *clip.Loudness)
			l.attached = true
		case l.attached:
			l.handle.SetGain(1.0)
		default:
			continue
		}
		telemetry.GainApplicationsTotal.Inc()
		e.logger.Debug().Str("clip", clip.ID).Msg("gain re-applied in place")
	}
}

func (e *Engine) fetchClips(ctx context.Context) ([]models.Clip, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return e.repo.ListClips(fctx, e.cfg.CollectionID)
}

func (e *Engine) teardownPlayback() {
	if e.skipTimer != nil {
		e.skipTimer.Stop()
		e.skipTimer = nil
	}
	if e.current != nil {
		e.releaseLoaded(e.current)
		e.current = nil
	}
	e.discardNext()
}

func (e *Engine) releaseLoaded(l *loadedHandle) {
	if l == nil {
		return
	}
	e.graph.Release(l.handle.ID())
	l.handle.Release()
}

func (e *Engine) discardNext() {
	if e.next != nil {
		e.releaseLoaded(e.next)
		e.next = nil
	}
}

func (e *Engine) setState(to State) {
	if e.state == to {
		return
	}
	if !isValidTransition(e.state, to) {
		e.logger.Error().Str("from", string(e.state)).Str("to", string(to)).Msg("invalid state transition")
		return
	}
	e.logger.Debug().Str("from", string(e.state)).Str("to", string(to)).Msg("state transition")
	e.state = to
	e.publish(events.EventEngineState, events.Payload{
		"collection_id": e.cfg.CollectionID,
		"state":         string(to),
	})
}

func (e *Engine) publishNowPlaying(clip *models.Clip) {
	e.publish(events.EventNowPlaying, events.Payload{
		"collection_id": e.cfg.CollectionID,
		"clip_id":       clip.ID,
		"title":         clip.Title,
		"position":      e.sess.cursor,
		"total":         len(e.sess.order),
		"loop":          e.loopCount,
		"has_loudness":  clip.HasLoudness(),
	})
}

func (e *Engine) publish(t events.EventType, payload events.Payload) {
	if e.bus != nil {
		e.bus.Publish(t, payload)
	}
}

func (e *Engine) updateStatus() {
	st := Status{
		State:          e.state,
		IsPlaying:      e.state == StatePlaying || e.state == StateSwitching || e.state == StateLoopCompleting,
		NeedsUserStart: e.state == StateNeedsUserStart,
		AwaitingClips:  e.awaiting,
		LastError:      e.lastError,
		LoopCount:      e.loopCount,
		OutputDevice:   e.router.Current(),
	}
	if e.sess != nil {
		st.CurrentIndex = e.sess.cursor
		st.TotalCount = len(e.sess.order)
		if cur := e.sess.currentClip(); cur != nil {
			st.CurrentClipID = cur.ID
		}
	} else {
		st.TotalCount = e.candidate
	}

	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}
