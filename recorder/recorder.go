// Package recorder implements the stream recorder: the piece of the tracing
// client that buffers serialized spans in a bounded MPSC ring (CAS-reserved
// space, with a mutex guarding the list of pending writes), periodically
// assembles them into reports, and ships those reports to a pool of
// satellite collectors over a single cooperative I/O goroutine.
package recorder

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/relaytrace/relaytrace-go/internal/allocator"
	"github.com/relaytrace/relaytrace-go/internal/ioloop"
	"github.com/relaytrace/relaytrace-go/internal/logging"
	"github.com/relaytrace/relaytrace-go/internal/metrics"
	"github.com/relaytrace/relaytrace-go/internal/reportpb"
	"github.com/relaytrace/relaytrace-go/internal/ringbuffer"
	"github.com/relaytrace/relaytrace-go/internal/satellite"
)

// maxFlushIterationsPerTick bounds how many consecutive allot/send/consume
// cycles one flush invocation runs, so a producer that keeps pace with the
// satellite can never starve the loop goroutine of other work.
const maxFlushIterationsPerTick = 8

// Recorder buffers spans handed to it by RecordSpan and ships them to the
// configured satellite endpoints on a timer. All state but the ring buffer
// and the atomic counters below is owned exclusively by the I/O loop
// goroutine started in New.
type Recorder struct {
	opts   Options
	loop   *ioloop.Loop
	buf    *ringbuffer.Buffer
	alloc  *allocator.BlockAllocator
	pool   *satellite.Pool
	mtx    *metrics.Recorder
	logger logging.Logger

	reporterID uint64
	routingKey []byte

	spansSubmitted       atomic.Uint64
	spansDropped         atomic.Uint64
	spansPendingInBuffer atomic.Uint64
	closed               atomic.Bool

	cancelPoll  func()
	cancelFlush func()

	// loop-goroutine-owned flush state.
	allotFirst, allotSecond []byte
	hasAllotment            bool
	flushing                bool
	allotSpanCount          uint64
	allotFailedAt           time.Time
	lastReportedDropped     uint64
}

// New validates opts, wires up the buffer, allocator, I/O loop and satellite
// pool, and starts the recorder's background goroutines. The returned
// Recorder is ready to accept RecordSpan calls immediately.
func New(opts Options) (*Recorder, error) {
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = logging.NewZapLogfmt(o.Verbose)
	}

	m := metrics.New(o.Registerer, o.ComponentName)
	loop := ioloop.New()
	buf := ringbuffer.New(o.MaxBufferedSpans)
	alloc := allocator.New(o.BlockSize, o.MaxBlocks)

	endpoints := make([]satellite.EndpointConfig, len(o.SatelliteEndpoints))
	for i, e := range o.SatelliteEndpoints {
		endpoints[i] = satellite.EndpointConfig{Host: e.Host, Port: e.Port}
	}
	pool, err := satellite.NewPool(satellite.PoolOptions{
		Endpoints:             endpoints,
		DialTimeout:           o.DialTimeout,
		MinDNSRefreshPeriod:   o.MinDNSResolutionRefreshPeriod,
		MaxDNSRefreshPeriod:   o.MaxDNSResolutionRefreshPeriod,
		DNSFailureRetryPeriod: o.DNSFailureRetryPeriod,
		StickyRouting:         o.StickyRouting,
		Resolver:              o.Resolver,
	}, loop, logger)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	reporterID := randomReporterID()
	r := &Recorder{
		opts:       o,
		loop:       loop,
		buf:        buf,
		alloc:      alloc,
		pool:       pool,
		mtx:        m,
		logger:     logger,
		reporterID: reporterID,
		routingKey: []byte(fmt.Sprintf("%s-%d", o.ComponentName, reporterID)),
	}

	go loop.Run()
	r.cancelPoll = loop.OnInterval(o.PollingPeriod, r.poll)
	r.cancelFlush = loop.OnInterval(o.FlushingPeriod, r.flush)

	logger.Info("recorder started", "component", o.ComponentName, "endpoints", len(endpoints))
	return r, nil
}

func randomReporterID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return uint64(time.Now().UnixNano())
}

// RecordSpan reserves size bytes in the ring buffer and invokes serialize to
// fill them, following the two-pass protocol of spec.md §4.7: the caller has
// already computed the exact encoded size of the span before this call. If
// the buffer cannot accommodate the span, serialize is never called and the
// span is counted as dropped.
//
// serialize must write exactly size bytes into dst and is called
// synchronously, on the caller's goroutine, before RecordSpan returns.
func (r *Recorder) RecordSpan(spanID uint64, serialize func(dst []byte) int, size int) {
	if size <= 0 {
		return
	}
	r.spansSubmitted.Add(1)
	r.mtx.SpansSubmitted.Inc()

	ok := r.buf.Add(size, func(first, second []byte) {
		if len(second) == 0 {
			serialize(first)
			return
		}
		r.serializeAcrossWrap(serialize, size, first, second)
	})
	if !ok {
		r.onSpanDropped(spanID)
		return
	}
	r.spansPendingInBuffer.Add(1)
}

// serializeAcrossWrap handles the case where a reservation straddles the
// ring's wraparound point: serialize only ever sees one contiguous buffer,
// so the span is built once into a scratch block, then copied into the two
// ring segments.
func (r *Recorder) serializeAcrossWrap(serialize func(dst []byte) int, size int, first, second []byte) {
	var scratch []byte
	fromPool := size <= r.alloc.BlockSize()
	if fromPool {
		b, err := r.alloc.Allocate()
		if err != nil {
			fromPool = false
		} else {
			scratch = b[:size]
		}
	}
	if scratch == nil {
		scratch = make([]byte, size)
	}
	serialize(scratch)
	n := copy(first, scratch)
	copy(second, scratch[n:])
	if fromPool {
		r.alloc.Deallocate(scratch[:r.alloc.BlockSize()])
	}
}

func (r *Recorder) onSpanDropped(spanID uint64) {
	total := r.spansDropped.Add(1)
	r.mtx.SpansDropped.Inc()
	r.logger.Debug("span dropped, buffer full", "span_id", spanID, "total_dropped", total)
	if r.opts.OnSpansDropped != nil {
		r.opts.OnSpansDropped(1)
	}
}

// poll runs on the I/O loop goroutine at PollingPeriod and forces an early
// flush once the buffer's fill ratio crosses EarlyFlushThreshold, so a burst
// of spans doesn't have to wait for the full FlushingPeriod.
func (r *Recorder) poll() {
	ratio := float64(r.buf.Size()) / float64(r.buf.Capacity())
	r.mtx.BufferFillRatio.Set(ratio)
	if ratio >= r.opts.EarlyFlushThreshold {
		r.flush()
	}
}

// flush runs on the I/O loop goroutine. It always routes through the
// satellite pool rather than leaving a no-op placeholder for the "buffer is
// full" or "nothing committed" cases, resolving the source recorder's
// deferred flush-path decision by unconditionally attempting delivery of
// whatever has been committed. The actual send happens asynchronously
// (satellite.Pool.Send dispatches the socket write to a helper goroutine via
// internal/ioloop.OnSocketWritable), so flush returns immediately once one
// allot/send cycle is in flight rather than blocking the loop goroutine for
// the duration of the write.
func (r *Recorder) flush() {
	r.flushOnce(maxFlushIterationsPerTick, func() {})
}

// flushOnce performs at most one allot-or-reuse / send-or-drop step and, once
// that step has fully resolved, either recurses (while budget remains and
// there is more already-committed data to send immediately) or calls after
// exactly once. after always runs on the loop goroutine.
func (r *Recorder) flushOnce(budget int, after func()) {
	if r.flushing {
		// A send for the current allotment is already in flight; the next
		// timer tick (or the in-flight send's own completion callback) will
		// pick up from here.
		after()
		return
	}

	if !r.hasAllotment {
		first, second, ok := r.buf.Allot()
		if !ok {
			after()
			return
		}
		r.allotFirst, r.allotSecond = first, second
		r.hasAllotment = true
		r.allotSpanCount = r.spansPendingInBuffer.Swap(0)
		r.allotFailedAt = time.Time{}
	}

	n := len(r.allotFirst) + len(r.allotSecond)
	if n == 0 {
		r.consumeAllotment()
		if budget <= 0 {
			after()
			return
		}
		r.flushOnce(budget-1, after)
		return
	}

	// A failed allotment is retried on every tick, but only up to
	// ReportTimeout of cumulative retry time — independent of the
	// per-attempt socket write deadline below — after which it is dropped
	// and counted rather than retried forever.
	if !r.allotFailedAt.IsZero() && time.Since(r.allotFailedAt) >= r.opts.ReportTimeout {
		r.dropAllotment()
		if budget <= 0 {
			after()
			return
		}
		r.flushOnce(budget-1, after)
		return
	}

	r.flushing = true
	start := time.Now()
	report := r.buildReport()
	deadline := start.Add(r.opts.ReportTimeout)
	r.pool.Send(report.Frame(), r.routingKey, deadline, func(err error) {
		r.flushing = false
		r.mtx.FlushDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			r.mtx.ReportSendErrors.Inc()
			if r.allotFailedAt.IsZero() {
				r.allotFailedAt = start
			}
			r.logger.Warn("report send failed, will retry until report timeout elapses",
				"error", err.Error(), "bytes", n, "retrying_for", time.Since(r.allotFailedAt).String())
			after()
			return
		}

		r.mtx.ReportsSent.Inc()
		r.lastReportedDropped += report.Metrics.SpansDropped
		r.consumeAllotment()
		if budget <= 0 {
			after()
			return
		}
		r.flushOnce(budget-1, after)
	})
}

func (r *Recorder) buildReport() *reportpb.Report {
	header := reportpb.ReportHeader{
		AccessToken: r.opts.AccessToken,
		ReporterID:  r.reporterID,
		Tags:        map[string]string{"component": r.opts.ComponentName},
	}
	report := reportpb.NewReport(header, r.opts.CompressReports)

	dropped := r.spansDropped.Load()
	report.Metrics.SpansDropped = dropped - r.lastReportedDropped

	// The allotment's bytes are already self-delimited per span (each one
	// framed with reportpb.FrameSpan by the caller's serialize function
	// before RecordSpan copied it into the ring), so the recorder appends
	// the raw region rather than wrapping it in a second layer of framing.
	if len(r.allotFirst) > 0 {
		report.AddRawSpanBytes(r.allotFirst)
	}
	if len(r.allotSecond) > 0 {
		report.AddRawSpanBytes(r.allotSecond)
	}
	return report
}

func (r *Recorder) consumeAllotment() {
	r.buf.Consume(len(r.allotFirst) + len(r.allotSecond))
	r.allotFirst, r.allotSecond = nil, nil
	r.hasAllotment = false
	r.allotSpanCount = 0
	r.allotFailedAt = time.Time{}
}

// dropAllotment discards the current allotment after its send has been
// retried past ReportTimeout, counting the spans it held as dropped rather
// than leaving them to retry forever.
func (r *Recorder) dropAllotment() {
	n := r.allotSpanCount
	if n == 0 {
		// The span count can lag the allotment: RecordSpan bumps
		// spansPendingInBuffer only after its bytes are committed, so spans
		// committed just before Allot are counted with the next allotment.
		// Count at least one dropped unit of work so the drop is never silent.
		n = 1
	}
	bytes := len(r.allotFirst) + len(r.allotSecond)
	r.spansDropped.Add(n)
	r.mtx.SpansDropped.Add(float64(n))
	r.logger.Warn("dropping report after exceeding report timeout across retries",
		"bytes", bytes, "spans", n, "report_timeout", r.opts.ReportTimeout.String())
	if r.opts.OnSpansDropped != nil {
		r.opts.OnSpansDropped(n)
	}
	r.consumeAllotment()
}

// Stats exposes cumulative counters useful for tests and diagnostics.
type Stats struct {
	SpansSubmitted uint64
	SpansDropped   uint64
	Pool           satellite.Stats
}

// Stats snapshots the recorder's cumulative counters. Safe to call from any
// goroutine.
func (r *Recorder) Stats() Stats {
	return Stats{
		SpansSubmitted: r.spansSubmitted.Load(),
		SpansDropped:   r.spansDropped.Load(),
		Pool:           r.pool.Stats(),
	}
}

// Close stops accepting new timers, attempts to drain and deliver whatever
// is left in the buffer within ctx's deadline, and joins the I/O loop
// goroutine before returning. Close is idempotent; subsequent calls are
// no-ops that return nil immediately.
func (r *Recorder) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := make(chan struct{})
	r.loop.Post(func() {
		if r.cancelPoll != nil {
			r.cancelPoll()
		}
		if r.cancelFlush != nil {
			r.cancelFlush()
		}
		r.drainOnClose(drained)
	})

	var shutdownErr error
	select {
	case <-drained:
	case <-ctx.Done():
		shutdownErr = ctx.Err()
	}

	r.loop.Break()
	<-r.loop.Stopped()
	r.logger.Info("recorder stopped", "component", r.opts.ComponentName)
	return shutdownErr
}

// drainOnClose runs on the loop goroutine and repeatedly flushes until the
// buffer and any pending allotment are empty, closing done once that holds.
// Because sends are asynchronous, it cannot just loop synchronously the way
// a blocking-write design would: each step either resolves immediately
// (nothing committed, or the current allotment just timed out and was
// dropped) or leaves a send in flight, in which case drainOnClose reschedules
// itself a few milliseconds later rather than spin the loop goroutine. The
// caller's ctx deadline (applied in Close, via r.loop.Break()) is what
// actually bounds how long this can run for.
func (r *Recorder) drainOnClose(done chan struct{}) {
	if r.flushing {
		r.loop.OnTimeout(5*time.Millisecond, func() { r.drainOnClose(done) })
		return
	}
	if r.buf.Size() == 0 && !r.hasAllotment {
		close(done)
		return
	}
	// The continuation is scheduled via a timer rather than called directly,
	// so a run of synchronously-failing sends (no satellite ever resolved)
	// can't turn into an unbounded, stack-growing recursive loop on the
	// loop goroutine between now and the allotment's eventual ReportTimeout
	// drop.
	r.flushOnce(maxFlushIterationsPerTick, func() {
		r.loop.OnTimeout(5*time.Millisecond, func() { r.drainOnClose(done) })
	})
}
