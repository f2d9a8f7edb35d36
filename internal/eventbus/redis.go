/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors the in-process event bus over Redis pub/sub so
// several instances can share collection mutations and playout telemetry.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cliploop/internal/events"
)

// bridgedKey marks payloads that arrived over Redis. The outbound forwarder
// skips them, otherwise two bridged instances would ping-pong every event.
const bridgedKey = "_bridged"

// Outbound event types are forwarded from the local bus to Redis; inbound
// types arriving from other nodes are republished locally.
var (
	outboundTypes = []events.EventType{
		events.EventNowPlaying,
		events.EventEngineState,
		events.EventLoopComplete,
		events.EventClipCreated,
		events.EventClipUpdated,
		events.EventClipDeleted,
		events.EventClipReorder,
		events.EventAnalysisComplete,
	}
	inboundTypes = []events.EventType{
		events.EventClipCreated,
		events.EventClipUpdated,
		events.EventClipDeleted,
		events.EventClipReorder,
		events.EventAnalysisComplete,
	}
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures int
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:  5,
	}
}

// Bridge connects the local in-process bus to Redis pub/sub. When Redis is
// unavailable the bridge goes dormant and the local bus keeps working alone.
type Bridge struct {
	client *redis.Client
	local  *events.Bus
	logger zerolog.Logger
	nodeID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	localSubs map[events.EventType]events.Subscriber
	pubsubs   []*redis.PubSub

	// Circuit breaker state
	dormant   bool
	failCount int
	maxFails  int
}

// NewBridge creates and starts a Redis event bridge over the local bus.
// A failed Redis connection is not an error; the bridge starts dormant.
func NewBridge(cfg RedisConfig, local *events.Bus, nodeID string, logger zerolog.Logger) (*Bridge, error) {
	if nodeID == "" {
		// Echo suppression needs a distinct identity per instance.
		nodeID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		local:     local,
		logger:    logger.With().Str("component", "eventbridge").Logger(),
		nodeID:    nodeID,
		ctx:       ctx,
		cancel:    cancel,
		localSubs: make(map[events.EventType]events.Subscriber),
		maxFails:  cfg.MaxFailures,
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("Redis unavailable, event bridge dormant")
		b.dormant = true
		_ = client.Close()
		return b, nil
	}
	b.client = client

	for _, t := range outboundTypes {
		sub := local.Subscribe(t)
		b.localSubs[t] = sub
		b.wg.Add(1)
		go b.forwardLocal(t, sub)
	}
	for _, t := range inboundTypes {
		pubsub := client.Subscribe(ctx, channelFor(t))
		b.pubsubs = append(b.pubsubs, pubsub)
		b.wg.Add(1)
		go b.receiveRemote(t, pubsub)
	}

	b.logger.Info().Str("addr", cfg.Addr).Str("node", nodeID).Msg("Redis event bridge started")
	return b, nil
}

// Close stops the bridge and closes the Redis connection.
func (b *Bridge) Close() error {
	b.cancel()

	b.mu.Lock()
	for t, sub := range b.localSubs {
		b.local.Unsubscribe(t, sub)
	}
	b.localSubs = make(map[events.EventType]events.Subscriber)
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	b.pubsubs = nil
	b.mu.Unlock()

	b.wg.Wait()

	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// forwardLocal pushes local bus events of one type to Redis.
func (b *Bridge) forwardLocal(t events.EventType, sub events.Subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if _, bridged := payload[bridgedKey]; bridged {
				continue
			}
			b.publishRemote(t, payload)
		}
	}
}

func (b *Bridge) publishRemote(t events.EventType, payload events.Payload) {
	b.mu.Lock()
	dormant := b.dormant
	b.mu.Unlock()
	if dormant {
		return
	}

	data, err := marshalMessage(t, payload, b.nodeID)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal bridge message")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, channelFor(t), data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Redis publish failed")
		b.handleFailure()
		return
	}

	b.mu.Lock()
	b.failCount = 0
	b.mu.Unlock()
}

// receiveRemote republishes events from other nodes on the local bus.
func (b *Bridge) receiveRemote(t events.EventType, pubsub *redis.PubSub) {
	defer b.wg.Done()
	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.handleFailure()
				return
			}
			bm, err := unmarshalMessage([]byte(msg.Payload))
			if err != nil {
				b.logger.Error().Err(err).Msg("failed to unmarshal bridge message")
				continue
			}
			if bm.NodeID == b.nodeID {
				continue // our own publish echoed back
			}

			payload := events.Payload{bridgedKey: true}
			for k, v := range bm.Payload {
				payload[k] = v
			}
			b.local.Publish(t, payload)

			b.logger.Debug().
				Str("event_type", string(t)).
				Str("source_node", bm.NodeID).
				Msg("republished remote event locally")
		}
	}
}

// handleFailure implements circuit breaker logic: after maxFails consecutive
// failures the bridge goes dormant for the life of the process.
func (b *Bridge) handleFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount++
	if b.failCount >= b.maxFails && !b.dormant {
		b.logger.Warn().Int("fail_count", b.failCount).Msg("Redis failure threshold reached, bridge dormant")
		b.dormant = true
	}
}

func channelFor(t events.EventType) string {
	return "cliploop:events:" + string(t)
}

// bridgeMessage is the wire format on Redis channels.
type bridgeMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func marshalMessage(t events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(bridgeMessage{
		EventType: t,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
	})
}

func unmarshalMessage(data []byte) (*bridgeMessage, error) {
	var msg bridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal bridge message: %w", err)
	}
	return &msg, nil
}
