// Package dispatch provides the batch dispatcher: it buffers a stream of
// envelopes and flushes them as batches to a sink under size and time
// bounds.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
	"github.com/chatwire/chatwire/internal/bus/metrics"
	"github.com/chatwire/chatwire/internal/bus/sink"
)

// Config tunes a batch dispatcher. Zero values fall back to defaults.
type Config struct {
	// MaxBatchSize flushes the buffer as soon as it holds this many
	// envelopes. Defaults to 50.
	MaxBatchSize int

	// FlushInterval flushes whatever accumulated this long after the first
	// unflushed add. Defaults to 200ms.
	FlushInterval time.Duration

	// QueueCapacity bounds the internal queue between Add callers and the
	// flush worker. Defaults to 1024. Add blocks when the queue is full.
	QueueCapacity int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	return cfg
}

// BatchDispatcher coalesces Add calls into SendMany batches. A single worker
// consumes the internal queue with a bounded wait; on timeout it flushes
// whatever has accumulated.
type BatchDispatcher struct {
	sink sink.CoreSink
	cfg  Config
	log  logging.BusLogger
	met  *metrics.Metrics

	queue chan *envelope.Envelope

	mu     sync.Mutex
	closed bool

	closing chan struct{}
	done    chan struct{}
}

// New builds a dispatcher flushing into target and starts its worker.
func New(target sink.CoreSink, cfg Config, log logging.BusLogger) *BatchDispatcher {
	if log == nil {
		log = logging.Nop()
	}
	cfg = cfg.withDefaults()
	d := &BatchDispatcher{
		sink:    target,
		cfg:     cfg,
		log:     log,
		queue:   make(chan *envelope.Envelope, cfg.QueueCapacity),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.worker()
	return d
}

// SetMetrics attaches instrumentation. Call before the first Add.
func (d *BatchDispatcher) SetMetrics(m *metrics.Metrics) { d.met = m }

// Add buffers one envelope for the next flush. After Close it fails with
// ErrDispatcherClosed; it never silently accepts.
func (d *BatchDispatcher) Add(ctx context.Context, env *envelope.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errs.ErrDispatcherClosed
	}
	select {
	case d.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains and flushes any remaining buffered envelopes before
// returning, so nothing accepted by Add is lost. Idempotent.
func (d *BatchDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.closing)
	d.mu.Unlock()

	<-d.done
	return nil
}

func (d *BatchDispatcher) worker() {
	defer close(d.done)

	timer := time.NewTimer(d.cfg.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var buf []*envelope.Envelope
	for {
		if len(buf) == 0 {
			select {
			case env := <-d.queue:
				buf = append(buf, env)
				timer.Reset(d.cfg.FlushInterval)
				if len(buf) >= d.cfg.MaxBatchSize {
					buf = d.flush(buf, timer)
				}
			case <-d.closing:
				d.drainAndFlush(buf)
				return
			}
			continue
		}

		select {
		case env := <-d.queue:
			buf = append(buf, env)
			if len(buf) >= d.cfg.MaxBatchSize {
				buf = d.flush(buf, timer)
			}
		case <-timer.C:
			buf = d.flushNoTimer(buf)
		case <-d.closing:
			d.drainAndFlush(buf)
			return
		}
	}
}

// drainAndFlush empties the queue into the buffer and performs the final
// flushes. Add is already rejecting, so the queue can only shrink. The
// backlog still goes out in MaxBatchSize-sized batches; closing never
// produces an oversized one.
func (d *BatchDispatcher) drainAndFlush(buf []*envelope.Envelope) {
	for {
		select {
		case env := <-d.queue:
			buf = append(buf, env)
			if len(buf) >= d.cfg.MaxBatchSize {
				buf = d.flushNoTimer(buf)
			}
		default:
			d.flushNoTimer(buf)
			return
		}
	}
}

func (d *BatchDispatcher) flush(buf []*envelope.Envelope, timer *time.Timer) []*envelope.Envelope {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	return d.flushNoTimer(buf)
}

func (d *BatchDispatcher) flushNoTimer(buf []*envelope.Envelope) []*envelope.Envelope {
	if len(buf) == 0 {
		return buf
	}
	batch := make([]*envelope.Envelope, len(buf))
	copy(batch, buf)
	if err := d.sink.SendMany(context.Background(), batch); err != nil {
		d.log.Error("batch flush failed", err, logging.LogFields{"batch_size": len(batch)})
	}
	if d.met != nil {
		d.met.BatchFlushes.Inc()
		d.met.BatchedEnvelopes.Add(float64(len(batch)))
	}
	return buf[:0]
}
