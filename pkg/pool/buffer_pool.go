// Package pool implements the fixed-capacity buffer pool that bounds
// memory use across the streaming data plane. Every byte pulled from
// storage lives in a pooled buffer, so the pool's memory ceiling is a
// hard bound on data-plane memory regardless of input size.
//
// Buffers are pre-allocated at a fixed capacity and recycled through a
// free list. A buffer is in exactly one of two states: free (in the
// list) or checked out (owned by a Lease). Requests larger than one
// buffer are served by chaining buffers, never by growing one.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// Buffer is a reusable fixed-capacity byte region. The holder of the
// owning Lease has exclusive use of it until release.
type Buffer struct {
	data []byte
	n    int
}

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Raw returns the full backing slice for direct writes. Callers must
// follow with SetLen to record how much was written.
func (b *Buffer) Raw() []byte { return b.data }

// SetLen records the number of valid bytes after a direct write.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > cap(b.data) {
		n = cap(b.data)
	}
	b.n = n
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

func (b *Buffer) reset() { b.n = 0 }

// BufferPool is a process-wide pool of fixed-capacity buffers with a
// global memory ceiling. Acquisition blocks while the pool is
// exhausted and fails only on shutdown or caller timeout.
type BufferPool struct {
	free       chan *Buffer
	bufferSize int
	maxMemory  int64
	watermark  float64

	checkedOut atomic.Int64 // bytes currently checked out
	leases     atomic.Int64 // live leases, for leak detection

	// chainMu serializes multi-buffer claims; two acquirers each
	// holding a partial chain would starve one another.
	chainMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewBufferPool pre-allocates cfg.Streaming.BufferPoolSize buffers of
// cfg.BufferSize() bytes each.
func NewBufferPool(cfg *config.PipelineConfig) *BufferPool {
	size := cfg.BufferSize()
	p := &BufferPool{
		free:       make(chan *Buffer, cfg.Streaming.BufferPoolSize),
		bufferSize: size,
		maxMemory:  int64(cfg.Streaming.MaxBufferMemory),
		watermark:  cfg.Streaming.HighWatermark,
		closed:     make(chan struct{}),
		logger:     logger.Get().With(zap.String("component", "buffer_pool")),
	}
	for i := 0; i < cfg.Streaming.BufferPoolSize; i++ {
		p.free <- &Buffer{data: make([]byte, size)}
	}
	return p
}

// BufferSize returns the fixed capacity of a single buffer.
func (p *BufferPool) BufferSize() int { return p.bufferSize }

// MaxMemory returns the configured memory ceiling.
func (p *BufferPool) MaxMemory() int64 { return p.maxMemory }

// CheckedOutBytes returns the bytes currently checked out.
func (p *BufferPool) CheckedOutBytes() int64 { return p.checkedOut.Load() }

// FreeBuffers returns the number of buffers in the free list.
func (p *BufferPool) FreeBuffers() int { return len(p.free) }

// AboveHighWatermark reports whether checked-out bytes exceed the
// configured fraction of the ceiling. This is the backpressure signal
// consumed by the streaming bridge.
func (p *BufferPool) AboveHighWatermark() bool {
	return float64(p.checkedOut.Load()) >= p.watermark*float64(p.maxMemory)
}

// Acquire checks out a single buffer. It blocks until a buffer is free
// or ctx is done. A deadline expiry surfaces as a buffer_timeout
// error; cancellation surfaces as cancelled. Pool shutdown fails all
// waiters.
func (p *BufferPool) Acquire(ctx context.Context) (*Lease, error) {
	return p.AcquireSized(ctx, p.bufferSize)
}

// AcquireSized checks out enough buffers to cover sizeHint bytes,
// chaining multiple fixed-capacity buffers when the hint exceeds one.
// All-or-nothing: on timeout or shutdown mid-chain, already-claimed
// buffers go back to the free list.
func (p *BufferPool) AcquireSized(ctx context.Context, sizeHint int) (*Lease, error) {
	if sizeHint <= 0 {
		sizeHint = p.bufferSize
	}
	need := (sizeHint + p.bufferSize - 1) / p.bufferSize
	if need > cap(p.free) {
		return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig,
			"size hint %d exceeds pool capacity %d", sizeHint, int64(cap(p.free))*int64(p.bufferSize))
	}

	if need > 1 {
		p.chainMu.Lock()
		defer p.chainMu.Unlock()
	}

	buffers := make([]*Buffer, 0, need)
	for len(buffers) < need {
		select {
		case b := <-p.free:
			b.reset()
			buffers = append(buffers, b)
		case <-p.closed:
			p.putBack(buffers)
			return nil, strataerrors.New(strataerrors.ErrorTypeInternal, "buffer pool is shut down")
		case <-ctx.Done():
			p.putBack(buffers)
			if ctx.Err() == context.DeadlineExceeded {
				metrics.BufferAcquireTimeouts.Inc()
				return nil, strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeBufferTimeout, "buffer acquisition timed out")
			}
			return nil, strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "buffer acquisition cancelled")
		}
	}

	out := p.checkedOut.Add(int64(need) * int64(p.bufferSize))
	p.leases.Add(1)
	metrics.BufferBytesCheckedOut.Set(float64(out))
	return &Lease{pool: p, buffers: buffers}, nil
}

// putBack returns partially-claimed buffers without touching counters.
func (p *BufferPool) putBack(buffers []*Buffer) {
	for _, b := range buffers {
		select {
		case p.free <- b:
		default:
			// Free list can only be full if buffers were returned
			// twice; drop rather than block.
			p.logger.Warn("free list full on putback, dropping buffer")
		}
	}
}

// Close shuts the pool down. Blocked and future acquisitions fail.
// Outstanding leases may still be released; their buffers are dropped.
func (p *BufferPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if n := p.leases.Load(); n > 0 {
			p.logger.Warn("pool closed with live leases", zap.Int64("leases", n))
		}
	})
}

// Lease is the exclusive ownership of one or more checked-out buffers.
// Release is idempotent and safe on every exit path.
type Lease struct {
	pool     *BufferPool
	buffers  []*Buffer
	released atomic.Bool
}

// Buffers returns the chained buffers, in order.
func (l *Lease) Buffers() []*Buffer { return l.buffers }

// Buffer returns the first buffer. Most reads fit a single buffer.
func (l *Lease) Buffer() *Buffer { return l.buffers[0] }

// Size returns the total capacity held by this lease.
func (l *Lease) Size() int {
	return len(l.buffers) * l.pool.bufferSize
}

// Release returns all buffers to the pool and unblocks one waiting
// acquirer per buffer. Calling Release more than once is a no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	n := int64(len(l.buffers)) * int64(l.pool.bufferSize)
	out := l.pool.checkedOut.Add(-n)
	l.pool.leases.Add(-1)
	metrics.BufferBytesCheckedOut.Set(float64(out))

	select {
	case <-l.pool.closed:
		// Pool is gone; let the buffers be collected.
		return
	default:
	}
	l.pool.putBack(l.buffers)
	l.buffers = nil
}
