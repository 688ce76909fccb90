// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// HandlerFunc consumes one decoded event.
type HandlerFunc func(ctx context.Context, e *SyncEvent) error

// BusConfig configures the in-process bus.
type BusConfig struct {
	// OutputChannelBuffer is the per-subscriber buffer of the Go channel pub/sub.
	OutputChannelBuffer int64
	CloseTimeout        time.Duration
}

// DefaultBusConfig returns production defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		OutputChannelBuffer: 256,
		CloseTimeout:        10 * time.Second,
	}
}

// Bus is an in-process pub/sub for sync events: a Watermill Go channel
// pub/sub driven by a Watermill router. Consumers are registered before Run.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus. A nil logger uses the zerolog-backed adapter.
func NewBus(cfg BusConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = logging.NewWatermillLogger()
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.OutputChannelBuffer,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	return &Bus{pubsub: pubsub, router: router, logger: logger}, nil
}

// Publish sends e to its topic. Publishing on a closed bus is an error;
// publishing with no consumers drops the event.
func (b *Bus) Publish(_ context.Context, e *SyncEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	data, err := SerializeEvent(e)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	msg := message.NewMessage(e.EventID, data)
	msg.Metadata.Set("job", e.Job)
	msg.Metadata.Set("type", string(e.Type))
	if e.RunID != "" {
		msg.Metadata.Set("run_id", e.RunID)
	}
	return b.pubsub.Publish(e.Topic(), msg)
}

// AddConsumer registers handler for every topic in topics (all topics when
// none are given). Decode failures are logged and acked; handler errors nack.
func (b *Bus) AddConsumer(name string, handler HandlerFunc, topics ...string) {
	if len(topics) == 0 {
		topics = Topics
	}
	for _, topic := range topics {
		b.router.AddConsumerHandler(name+"@"+topic, topic, b.pubsub, func(msg *message.Message) error {
			e, err := DeserializeEvent(msg.Payload)
			if err != nil {
				logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("Dropping malformed sync event")
				return nil
			}
			return handler(msg.Context(), e)
		})
	}
}

// Run starts the router and blocks until ctx is done or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once every consumer is subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router and the pub/sub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	routerErr := b.router.Close()
	if err := b.pubsub.Close(); err != nil {
		return fmt.Errorf("close pubsub: %w", err)
	}
	if routerErr != nil {
		return fmt.Errorf("close router: %w", routerErr)
	}
	return nil
}
