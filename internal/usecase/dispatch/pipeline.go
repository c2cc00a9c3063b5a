// Package dispatch validates DISPATCH envelopes and forwards them to the
// application handler in arrival order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"gatewayd/internal/domain"
	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/metrics"
	"gatewayd/internal/infra/tracer"
)

const defaultQueueSize = 256

// Options configures a Pipeline.
type Options struct {
	ShardID   int
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type item struct {
	ctx   context.Context
	event domain.Event
}

// Pipeline hands validated events to a single worker goroutine, which calls
// the handler once per event in the order Dispatch accepted them. Dispatch
// returns as soon as the event is queued.
type Pipeline struct {
	handler domain.EventHandler
	shardID int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}
}

// New starts a pipeline that delivers to handler.
func New(handler domain.EventHandler, opts Options) *Pipeline {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p := &Pipeline{
		handler: handler,
		shardID: opts.ShardID,
		logger:  logger.OrDiscard(opts.Logger).With("component", "dispatch", "shard", opts.ShardID),
		metrics: opts.Metrics,
		now:     time.Now,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Dispatch validates env and queues it for the handler. A missing payload
// is a protocol-compatibility failure. An event name outside the catalog
// is dropped and reported as success.
func (p *Pipeline) Dispatch(ctx context.Context, env domain.Envelope) error {
	if !env.HasData() {
		return fmt.Errorf("%w: dispatch %q without payload", domain.ErrProtocolCompat, env.Type)
	}
	eventType, ok := domain.LookupEvent(env.Type)
	if !ok {
		p.logger.Debug("dropping unknown event", "event", env.Type)
		p.metrics.EventDropped(env.Type)
		return nil
	}

	ev := domain.Event{
		Type:       eventType,
		ShardID:    p.shardID,
		ReceivedAt: p.now(),
		Payload:    env.Data,
	}
	if env.Seq != nil {
		ev.Seq = *env.Seq
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrSessionClosed
	}
	select {
	case p.queue <- item{ctx: ctx, event: ev}:
		p.metrics.EventDispatched(string(eventType))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for it := range p.queue {
		p.invoke(it)
	}
}

func (p *Pipeline) invoke(it item) {
	// Accepted events are delivered even if their connection has since closed.
	ctx, span := tracer.StartSpan(context.WithoutCancel(it.ctx), "gateway.dispatch", trace.WithAttributes(
		tracer.ShardAttr(p.shardID),
		tracer.StringAttr("gateway.event", string(it.event.Type)),
		tracer.Int64Attr("gateway.seq", it.event.Seq),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				"event", string(it.event.Type),
				"seq", it.event.Seq,
				"panic", r,
			)
			tracer.RecordError(span, fmt.Errorf("handler panic: %v", r))
		}
	}()
	p.handler(ctx, it.event)
}

// Close stops accepting events and returns once every queued event has
// been handled. It is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}
