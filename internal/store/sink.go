package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
)

// TurnRecord is one sealed conversation turn
type TurnRecord struct {
	ID          string
	SessionID   string
	Role        protocol.Role
	Text        string
	Interrupted bool
	StartedAt   time.Time
	EndedAt     time.Time
}

// UsageRecord is one token-usage delta
type UsageRecord struct {
	SessionID  string
	Delta      protocol.UsageBreakdown
	Total      int64
	RecordedAt time.Time
}

// Sink receives finalized turns and token usage
type Sink interface {
	SaveTurn(ctx context.Context, turn TurnRecord) error
	SaveUsage(ctx context.Context, usage UsageRecord) error
	Close() error
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) SaveTurn(context.Context, TurnRecord) error   { return nil }
func (NopSink) SaveUsage(context.Context, UsageRecord) error { return nil }
func (NopSink) Close() error                                 { return nil }

const (
	kindTurn  = "turn"
	kindUsage = "usage"

	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

type record struct {
	turn  *TurnRecord
	usage *UsageRecord
}

// AsyncSink queues records for a background writer. Enqueueing never
// blocks; when the queue is full the record is dropped and logged, and
// write failures are logged only.
type AsyncSink struct {
	sink   Sink
	queue  chan record
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the background writer
func NewAsyncSink(sink Sink, queueSize int, logger zerolog.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &AsyncSink{
		sink:   sink,
		queue:  make(chan record, queueSize),
		logger: observability.WithComponent(logger, "sink"),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// RecordTurn queues a sealed turn
func (a *AsyncSink) RecordTurn(turn TurnRecord) {
	a.enqueue(record{turn: &turn}, kindTurn)
}

// RecordUsage queues a usage delta
func (a *AsyncSink) RecordUsage(usage UsageRecord) {
	a.enqueue(record{usage: &usage}, kindUsage)
}

func (a *AsyncSink) enqueue(r record, kind string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- r:
	default:
		observability.RecordSinkDropped(kind)
		a.logger.Warn().Str("kind", kind).Msg("Persistence queue full, dropping record")
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for r := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		kind := kindTurn
		if r.turn != nil {
			err = a.sink.SaveTurn(ctx, *r.turn)
		} else {
			kind = kindUsage
			err = a.sink.SaveUsage(ctx, *r.usage)
		}
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("kind", kind).Msg("Failed to persist record")
		}
	}
}

// Close drains the queue, waiting at most until ctx is done, then closes
// the underlying sink.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.logger.Warn().Int("pending", len(a.queue)).Msg("Persistence queue not drained before shutdown")
	}
	return a.sink.Close()
}
