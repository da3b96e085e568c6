package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/relaytrace/relaytrace-go/internal/reportpb"
	"github.com/relaytrace/relaytrace-go/internal/resolver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCollector is a loopback TCP listener standing in for a satellite
// endpoint in these end-to-end scenarios. Unlike internal/satellite's own
// fakeSatellite (which only records raw byte counts), it decodes every
// length-framed reportpb.Report it receives and records the span ids found
// inside, so tests here can assert the "no fabricated ids" invariant rather
// than just "some bytes arrived."
type fakeCollector struct {
	ln net.Listener

	mu              sync.Mutex
	connCount       int
	totalBytes      int
	refusing        bool
	receivedSpanIDs map[uint64]bool
}

func newFakeCollector(t *testing.T) *fakeCollector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fc := &fakeCollector{ln: ln, receivedSpanIDs: map[uint64]bool{}}
	go fc.acceptLoop()
	return fc
}

func (f *fakeCollector) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		refusing := f.refusing
		f.mu.Unlock()
		if refusing {
			conn.Close()
			continue
		}
		f.mu.Lock()
		f.connCount++
		f.mu.Unlock()
		go f.readLoop(conn)
	}
}

// readLoop decodes the stream of length-framed reportpb.Report messages a
// connection sends (see reportpb.Report.Frame) and records the span id
// found at the front of each individually framed span. Spans arriving here
// are reportpb.FrameSpan-wrapped by encodeFixedSpan below, so
// reportpb.ForEachDecodedSpan can split a multi-span allotment back apart
// exactly the way a real satellite would.
func (f *fakeCollector) readLoop(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(&countingReader{conn: conn, fc: f})
	for {
		_, _, spans, err := reportpb.ReadFramedReport(br)
		if err != nil {
			return
		}
		_ = reportpb.ForEachDecodedSpan(spans, func(b []byte) bool {
			if len(b) < 8 {
				return true
			}
			id := binary.LittleEndian.Uint64(b)
			f.mu.Lock()
			f.receivedSpanIDs[id] = true
			f.mu.Unlock()
			return true
		})
	}
}

// countingReader tallies bytes read off conn into fc.totalBytes so tests
// that only care about liveness ("did anything arrive") don't need to
// decode a report to check.
type countingReader struct {
	conn net.Conn
	fc   *fakeCollector
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if n > 0 {
		c.fc.mu.Lock()
		c.fc.totalBytes += n
		c.fc.mu.Unlock()
	}
	return n, err
}

func (f *fakeCollector) setRefusing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refusing = v
}

func (f *fakeCollector) bytesReceived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBytes
}

func (f *fakeCollector) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount
}

// receivedIDs snapshots the span ids decoded so far.
func (f *fakeCollector) receivedIDs() map[uint64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]bool, len(f.receivedSpanIDs))
	for id := range f.receivedSpanIDs {
		out[id] = true
	}
	return out
}

func (f *fakeCollector) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receivedSpanIDs)
}

// requireNoFabricatedIDs asserts every id the collector decoded was among
// the ids actually submitted via RecordSpan — the satellite never sees a
// span id that wasn't really sent.
func requireNoFabricatedIDs(t *testing.T, received map[uint64]bool, submitted map[uint64]bool) {
	t.Helper()
	for id := range received {
		require.True(t, submitted[id], "collector decoded span id %d that was never submitted", id)
	}
}

func (f *fakeCollector) addrPort() netip.AddrPort {
	return f.ln.Addr().(*net.TCPAddr).AddrPort()
}

func (f *fakeCollector) close() { f.ln.Close() }

// staticResolver resolves a fixed set of hostnames to fixed addresses and
// never fails, letting tests avoid any dependency on real DNS.
type staticResolver struct {
	mu     sync.Mutex
	byHost map[string][]netip.Addr
	calls  int
}

func (s *staticResolver) Resolve(ctx context.Context, name string, family resolver.Family) ([]netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	addrs, ok := s.byHost[name]
	if !ok || len(addrs) == 0 {
		return nil, errNoSuchHostTest
	}
	return addrs, nil
}

func (s *staticResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errNoSuchHostTest = testErr("no such host")

// encodeFixedSpan builds a trivial span payload (the span id followed by
// padding) and frames it with reportpb.FrameSpan, the same framing
// AddSpanFragment uses, so a multi-span ring-buffer allotment can still be
// split back into individual spans on the satellite side. It returns the
// serialize function RecordSpan expects and the exact size that serialized
// form occupies, which the caller must pass back into RecordSpan.
func encodeFixedSpan(spanID uint64, payloadSize int) (serialize func(dst []byte) int, size int) {
	payload := make([]byte, payloadSize)
	binary.LittleEndian.PutUint64(payload, spanID)
	framed := reportpb.FrameSpan(payload)
	return func(dst []byte) int {
		return copy(dst, framed)
	}, len(framed)
}

func TestRecorderSingleThreadHappyPath(t *testing.T) {
	fc := newFakeCollector(t)
	defer fc.close()
	res := &staticResolver{byHost: map[string][]netip.Addr{
		"sat.local": {fc.addrPort().Addr()},
	}}

	r, err := New(Options{
		ComponentName:    "test-service",
		SatelliteEndpoints: []Endpoint{{Host: "sat.local", Port: int(fc.addrPort().Port())}},
		MaxBufferedSpans: 1 << 16,
		PollingPeriod:    10 * time.Millisecond,
		FlushingPeriod:   20 * time.Millisecond,
		ReportTimeout:    time.Second,
		Resolver:         res,
	})
	require.NoError(t, err)

	const numSpans = 100
	const spanSize = 32
	submitted := make(map[uint64]bool, numSpans)
	for i := 0; i < numSpans; i++ {
		spanID := uint64(i)
		serialize, size := encodeFixedSpan(spanID, spanSize)
		r.RecordSpan(spanID, serialize, size)
		submitted[spanID] = true
	}

	require.Eventually(t, func() bool {
		return fc.bytesReceived() > 0
	}, 2*time.Second, 10*time.Millisecond)

	stats := r.Stats()
	require.EqualValues(t, numSpans, stats.SpansSubmitted)
	require.Zero(t, stats.SpansDropped)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	received := fc.receivedIDs()
	requireNoFabricatedIDs(t, received, submitted)
	require.Equal(t, numSpans, len(received), "every submitted span should have reached the satellite")
}

func TestRecorderMultiThreadFanout(t *testing.T) {
	fc := newFakeCollector(t)
	defer fc.close()
	res := &staticResolver{byHost: map[string][]netip.Addr{
		"sat.local": {fc.addrPort().Addr()},
	}}

	r, err := New(Options{
		ComponentName:      "fanout-service",
		SatelliteEndpoints: []Endpoint{{Host: "sat.local", Port: int(fc.addrPort().Port())}},
		MaxBufferedSpans:   1 << 18,
		PollingPeriod:      5 * time.Millisecond,
		FlushingPeriod:     10 * time.Millisecond,
		ReportTimeout:      time.Second,
		Resolver:           res,
	})
	require.NoError(t, err)

	const numGoroutines = 8
	const spansPerGoroutine = 125
	const spanSize = 16

	var submittedMu sync.Mutex
	submitted := make(map[uint64]bool, numGoroutines*spansPerGoroutine)

	var g errgroup.Group
	for gi := 0; gi < numGoroutines; gi++ {
		base := gi
		g.Go(func() error {
			for i := 0; i < spansPerGoroutine; i++ {
				spanID := uint64(base*spansPerGoroutine + i)
				serialize, size := encodeFixedSpan(spanID, spanSize)
				r.RecordSpan(spanID, serialize, size)
				submittedMu.Lock()
				submitted[spanID] = true
				submittedMu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return r.Stats().SpansSubmitted == numGoroutines*spansPerGoroutine
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	require.Greater(t, fc.bytesReceived(), 0)

	received := fc.receivedIDs()
	requireNoFabricatedIDs(t, received, submitted)
	require.Equal(t, len(submitted), len(received), "every submitted span should have reached the satellite")
}

func TestRecorderDropsSpansWhenBufferFull(t *testing.T) {
	// No satellite at all is reachable: DNS never resolves, so nothing is
	// ever delivered and the tiny buffer fills immediately.
	res := &staticResolver{byHost: map[string][]netip.Addr{}}

	r, err := New(Options{
		ComponentName:         "overflow-service",
		SatelliteEndpoints:    []Endpoint{{Host: "unreachable.local", Port: 9999}},
		MaxBufferedSpans:      64,
		PollingPeriod:         5 * time.Millisecond,
		FlushingPeriod:        10 * time.Millisecond,
		DNSFailureRetryPeriod: time.Hour,
		ReportTimeout:         50 * time.Millisecond,
		Resolver:              res,
	})
	require.NoError(t, err)

	const spanSize = 32
	for i := 0; i < 20; i++ {
		serialize, size := encodeFixedSpan(uint64(i), spanSize)
		r.RecordSpan(uint64(i), serialize, size)
	}

	require.Eventually(t, func() bool {
		return r.Stats().SpansDropped > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecorderFailsOverToSecondEndpoint(t *testing.T) {
	down := newFakeCollector(t)
	down.setRefusing(true)
	defer down.close()
	up := newFakeCollector(t)
	defer up.close()

	res := &staticResolver{byHost: map[string][]netip.Addr{
		"down.local": {down.addrPort().Addr()},
		"up.local":   {up.addrPort().Addr()},
	}}

	r, err := New(Options{
		ComponentName: "failover-service",
		SatelliteEndpoints: []Endpoint{
			{Host: "down.local", Port: int(down.addrPort().Port())},
			{Host: "up.local", Port: int(up.addrPort().Port())},
		},
		MaxBufferedSpans: 1 << 16,
		PollingPeriod:    5 * time.Millisecond,
		FlushingPeriod:   10 * time.Millisecond,
		DialTimeout:      200 * time.Millisecond,
		ReportTimeout:    500 * time.Millisecond,
		Resolver:         res,
		Verbose:          true,
	})
	require.NoError(t, err)

	const spanSize = 24
	for i := 0; i < 10; i++ {
		serialize, size := encodeFixedSpan(uint64(i), spanSize)
		r.RecordSpan(uint64(i), serialize, size)
	}

	require.Eventually(t, func() bool {
		return up.bytesReceived() > 0
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecorderDNSRefreshCadence(t *testing.T) {
	fc := newFakeCollector(t)
	defer fc.close()
	res := &staticResolver{byHost: map[string][]netip.Addr{
		"sat.local": {fc.addrPort().Addr()},
	}}

	r, err := New(Options{
		ComponentName:                 "dns-cadence-service",
		SatelliteEndpoints:            []Endpoint{{Host: "sat.local", Port: int(fc.addrPort().Port())}},
		MaxBufferedSpans:              1 << 12,
		PollingPeriod:                 50 * time.Millisecond,
		FlushingPeriod:                50 * time.Millisecond,
		MinDNSResolutionRefreshPeriod: 100 * time.Millisecond,
		MaxDNSResolutionRefreshPeriod: 100 * time.Millisecond,
		Resolver:                      res,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return res.callCount() >= 9
	}, 1200*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecorderCloseIsBoundedUnderLoad(t *testing.T) {
	fc := newFakeCollector(t)
	defer fc.close()
	res := &staticResolver{byHost: map[string][]netip.Addr{
		"sat.local": {fc.addrPort().Addr()},
	}}

	r, err := New(Options{
		ComponentName:      "shutdown-service",
		SatelliteEndpoints: []Endpoint{{Host: "sat.local", Port: int(fc.addrPort().Port())}},
		MaxBufferedSpans:   1 << 16,
		PollingPeriod:      5 * time.Millisecond,
		FlushingPeriod:     10 * time.Millisecond,
		ReportTimeout:      time.Second,
		Resolver:           res,
	})
	require.NoError(t, err)

	const spanSize = 16
	for i := 0; i < 500; i++ {
		serialize, size := encodeFixedSpan(uint64(i), spanSize)
		r.RecordSpan(uint64(i), serialize, size)
	}

	budget := r.opts.ReportTimeout + r.opts.PollingPeriod + 500*time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	require.NoError(t, r.Close(ctx))
	require.Less(t, time.Since(start), budget)

	// Close must be idempotent.
	require.NoError(t, r.Close(context.Background()))
}
