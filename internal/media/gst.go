/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// GstConfig configures the GStreamer-backed player.
type GstConfig struct {
	GStreamerBin string
	AudioSink    string // sink element name (autoaudiosink, pulsesink, alsasink, ...)
	SampleRate   int
	Channels     int
}

// GstPlayer decodes media through GStreamer subprocesses and pumps raw PCM
// to an output sink pipeline. Gain is applied sample-wise in the pump, so it
// can be updated while a clip is sounding.
type GstPlayer struct {
	cfg    GstConfig
	logger zerolog.Logger
	nextID atomic.Int64
}

// NewGstPlayer creates a GStreamer player.
func NewGstPlayer(cfg GstConfig, logger zerolog.Logger) *GstPlayer {
	if cfg.GStreamerBin == "" {
		cfg.GStreamerBin = "gst-launch-1.0"
	}
	if cfg.AudioSink == "" {
		cfg.AudioSink = "autoaudiosink"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	return &GstPlayer{cfg: cfg, logger: logger.With().Str("component", "media").Logger()}
}

// NewHandle creates an unloaded handle for url.
func (p *GstPlayer) NewHandle(url string, sink chan<- Event) Handle {
	id := p.nextID.Add(1)
	h := &gstHandle{
		id:     id,
		url:    url,
		cfg:    p.cfg,
		events: sink,
		done:   make(chan struct{}),
		logger: p.logger.With().Int64("handle", id).Logger(),
	}
	h.gain.Store(math.Float64bits(1.0))
	return h
}

type procHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// stop kills the subprocess and reaps it, so released handles leave no
// zombies behind.
func (p *procHandle) stop() {
	if p == nil {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		cmd := p.cmd
		go func() { _ = cmd.Wait() }()
	}
}

// gstHandle is one clip resource: a decoder subprocess producing S16LE PCM,
// a sink subprocess bound to an output device, and a pump goroutine in
// between applying gain.
type gstHandle struct {
	id     int64
	url    string
	cfg    GstConfig
	events chan<- Event
	logger zerolog.Logger

	gain     atomic.Uint64 // float64 bits
	paused   atomic.Bool
	released atomic.Bool
	done     chan struct{}

	mu          sync.Mutex
	deviceID    string
	loaded      bool
	playing     bool
	decoder     *procHandle
	sinkProc    *procHandle
	pcmOut      io.ReadCloser
	sinkIn      io.WriteCloser
	releaseOnce sync.Once
}

func (h *gstHandle) ID() int64 { return h.id }

// Load starts the decoder and sink subprocesses. ctx gates setup only; both
// subprocesses live until Release, so a caller's fetch timeout never reaches
// a sounding clip. The sink is created here, which is why device binding
// must happen before Load.
func (h *gstHandle) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		return ErrHandleReleased
	}
	if h.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src := fmt.Sprintf("filesrc location=%q", h.url)
	if strings.HasPrefix(h.url, "http://") || strings.HasPrefix(h.url, "https://") {
		src = fmt.Sprintf("souphttpsrc location=%q", h.url)
	}

	decode := fmt.Sprintf(
		`%s ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! fdsink fd=1`,
		src, h.cfg.SampleRate, h.cfg.Channels,
	)

	sinkElem := h.cfg.AudioSink
	if h.deviceID != "" {
		sinkElem = fmt.Sprintf("%s device=%q", h.cfg.AudioSink, h.deviceID)
	}
	playback := fmt.Sprintf(
		`fdsrc fd=0 ! rawaudioparse use-sink-caps=false format=pcm pcm-format=s16le sample-rate=%d num-channels=%d ! audioconvert ! audioresample ! %s`,
		h.cfg.SampleRate, h.cfg.Channels, sinkElem,
	)

	decoderCtx, decoderCancel := context.WithCancel(context.Background())
	decCmd := exec.CommandContext(decoderCtx, "sh", "-c", fmt.Sprintf("%s -q -e %s", h.cfg.GStreamerBin, decode))
	decCmd.Stderr = nil
	pcmOut, err := decCmd.StdoutPipe()
	if err != nil {
		decoderCancel()
		return fmt.Errorf("decoder stdout pipe: %w", err)
	}
	if err := decCmd.Start(); err != nil {
		decoderCancel()
		return fmt.Errorf("start decoder: %w", err)
	}
	decoder := &procHandle{cmd: decCmd, cancel: decoderCancel}

	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	sinkCmd := exec.CommandContext(sinkCtx, "sh", "-c", fmt.Sprintf("%s -q -e %s", h.cfg.GStreamerBin, playback))
	sinkCmd.Stderr = nil
	sinkIn, err := sinkCmd.StdinPipe()
	if err != nil {
		sinkCancel()
		decoder.stop()
		return fmt.Errorf("sink stdin pipe: %w", err)
	}
	if err := sinkCmd.Start(); err != nil {
		sinkCancel()
		decoder.stop()
		return fmt.Errorf("start sink: %w", err)
	}

	h.decoder = decoder
	h.sinkProc = &procHandle{cmd: sinkCmd, cancel: sinkCancel}
	h.pcmOut = pcmOut
	h.sinkIn = sinkIn
	h.loaded = true

	h.logger.Debug().Str("url", h.url).Str("device", h.deviceID).Msg("handle loaded")
	return nil
}

// Play starts the pump. Decoding has already begun at Load; backpressure on
// the pipe keeps the position near the start until the pump drains it.
func (h *gstHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		return ErrHandleReleased
	}
	if !h.loaded {
		return fmt.Errorf("handle %d not loaded", h.id)
	}
	if h.playing {
		h.paused.Store(false)
		return nil
	}
	h.playing = true
	h.paused.Store(false)
	go h.pump()
	return nil
}

// Pause halts audible output without touching position; the decoder blocks
// on pipe backpressure, so Resume continues where the pump stopped.
func (h *gstHandle) Pause() { h.paused.Store(true) }

// Resume continues a paused handle.
func (h *gstHandle) Resume() { h.paused.Store(false) }

// SetGain updates the gain multiplier applied by the pump. Safe while playing.
func (h *gstHandle) SetGain(gain float64) {
	h.gain.Store(math.Float64bits(gain))
}

// BindDevice selects the output device for this handle. Only possible before
// Load, because the sink pipeline is created with the device property.
func (h *gstHandle) BindDevice(deviceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return ErrDeviceBindingUnsupported
	}
	h.deviceID = deviceID
	return nil
}

// Release tears down both subprocesses. Idempotent; every exit path in the
// engine calls it.
func (h *gstHandle) Release() {
	h.releaseOnce.Do(func() {
		h.released.Store(true)
		close(h.done)

		h.mu.Lock()
		decoder := h.decoder
		sinkProc := h.sinkProc
		pcmOut := h.pcmOut
		sinkIn := h.sinkIn
		h.decoder = nil
		h.sinkProc = nil
		h.mu.Unlock()

		if pcmOut != nil {
			_ = pcmOut.Close()
		}
		if sinkIn != nil {
			_ = sinkIn.Close()
		}
		decoder.stop()
		sinkProc.stop()

		h.logger.Debug().Msg("handle released")
	})
}

// pump moves 20ms PCM frames from decoder to sink, applying gain.
func (h *gstHandle) pump() {
	frameSamples := h.cfg.SampleRate / 50
	if frameSamples <= 0 {
		frameSamples = 882
	}
	frameBytes := frameSamples * h.cfg.Channels * 2
	buf := make([]byte, frameBytes)

	for {
		if h.released.Load() {
			return
		}
		if h.paused.Load() {
			time.Sleep(25 * time.Millisecond)
			continue
		}

		h.mu.Lock()
		pcmOut := h.pcmOut
		sinkIn := h.sinkIn
		h.mu.Unlock()
		if pcmOut == nil || sinkIn == nil {
			return
		}

		if _, err := io.ReadFull(pcmOut, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				h.emit(Event{HandleID: h.id, Kind: EventEnded})
			} else {
				h.emit(Event{HandleID: h.id, Kind: EventError, Err: err})
			}
			return
		}

		scaleS16LE(buf, math.Float64frombits(h.gain.Load()))

		if _, err := sinkIn.Write(buf); err != nil {
			h.emit(Event{HandleID: h.id, Kind: EventError, Err: err})
			return
		}
	}
}

func (h *gstHandle) emit(ev Event) {
	if h.released.Load() {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// scaleS16LE multiplies signed 16-bit little-endian samples by gain, clamping
// to the int16 range.
func scaleS16LE(buf []byte, gain float64) {
	if gain == 1.0 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		scaled := int32(float64(s) * gain)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		u := uint16(int16(scaled))
		buf[i] = byte(u & 0xff)
		buf[i+1] = byte((u >> 8) & 0xff)
	}
}
