package recorder

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaytrace/relaytrace-go/internal/logging"
	"github.com/relaytrace/relaytrace-go/internal/resolver"
)

// Endpoint is one satellite collector's host and port.
type Endpoint struct {
	Host string
	Port int
}

// Options enumerates every tunable named in the recorder's configuration
// surface. It is the typed record an external textual-configuration parser
// (out of scope for this module) is expected to populate; New validates it.
type Options struct {
	ComponentName string
	AccessToken   string

	// CollectorHost/CollectorPort/CollectorPlaintext describe a single
	// default collector. SatelliteEndpoints, when non-empty, takes
	// precedence and fans reports across all listed satellites.
	CollectorHost      string
	CollectorPort      int
	CollectorPlaintext bool

	SatelliteEndpoints []Endpoint

	MaxBufferedSpans int

	ReportingPeriod time.Duration
	ReportTimeout   time.Duration
	PollingPeriod   time.Duration
	FlushingPeriod  time.Duration

	// EarlyFlushThreshold is the buffer fill fraction (0.0-1.0) above which
	// the poll timer forces a flush ahead of the flush timer.
	EarlyFlushThreshold float64

	MinDNSResolutionRefreshPeriod time.Duration
	MaxDNSResolutionRefreshPeriod time.Duration
	DNSFailureRetryPeriod        time.Duration

	// DialTimeout bounds each outbound connection attempt to a satellite.
	DialTimeout time.Duration

	UseStreamRecorder       bool
	UseSingleKeyPropagation bool
	Verbose                 bool

	// StickyRouting and CompressReports are domain-stack additions beyond
	// the original enumerated options: see SPEC_FULL.md §4.6/§4.9.
	StickyRouting   bool
	CompressReports bool

	// BlockSize/MaxBlocks size the span allocator; zero means "use the
	// library defaults."
	BlockSize int
	MaxBlocks int

	Logger     logging.Logger
	Registerer prometheus.Registerer

	// OnSpansDropped is invoked from any goroutine on each drop event, in
	// addition to the Prometheus counter that always increments.
	OnSpansDropped func(count uint64)

	// Resolver overrides DNS resolution; nil uses the system resolver.
	Resolver resolver.Resolver
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxBufferedSpans <= 0 {
		out.MaxBufferedSpans = 4 << 20 // 4 MiB, matching typical tracer defaults
	}
	if out.ReportingPeriod <= 0 {
		out.ReportingPeriod = 2500 * time.Millisecond
	}
	if out.ReportTimeout <= 0 {
		out.ReportTimeout = 30 * time.Second
	}
	if out.PollingPeriod <= 0 {
		out.PollingPeriod = 100 * time.Millisecond
	}
	if out.FlushingPeriod <= 0 {
		out.FlushingPeriod = out.ReportingPeriod
	}
	if out.EarlyFlushThreshold <= 0 {
		out.EarlyFlushThreshold = 0.5
	}
	if out.MinDNSResolutionRefreshPeriod <= 0 {
		out.MinDNSResolutionRefreshPeriod = 60 * time.Second
	}
	if out.MaxDNSResolutionRefreshPeriod <= 0 {
		out.MaxDNSResolutionRefreshPeriod = 120 * time.Second
	}
	if out.DNSFailureRetryPeriod <= 0 {
		out.DNSFailureRetryPeriod = 5 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.BlockSize <= 0 {
		out.BlockSize = 256
	}
	if out.MaxBlocks <= 0 {
		out.MaxBlocks = out.MaxBufferedSpans / out.BlockSize
	}
	if len(out.SatelliteEndpoints) == 0 && out.CollectorHost != "" {
		out.SatelliteEndpoints = []Endpoint{{Host: out.CollectorHost, Port: out.CollectorPort}}
	}
	return out
}

func (o *Options) validate() error {
	if len(o.SatelliteEndpoints) == 0 {
		return fmt.Errorf("recorder: at least one satellite endpoint must be configured")
	}
	for _, ep := range o.SatelliteEndpoints {
		if ep.Host == "" {
			return fmt.Errorf("recorder: satellite endpoint has an empty host")
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("recorder: satellite endpoint %q has an invalid port %d", ep.Host, ep.Port)
		}
	}
	if o.EarlyFlushThreshold < 0 || o.EarlyFlushThreshold > 1 {
		return fmt.Errorf("recorder: early flush threshold %.3f must be in [0, 1]", o.EarlyFlushThreshold)
	}
	if o.MaxDNSResolutionRefreshPeriod < o.MinDNSResolutionRefreshPeriod {
		return fmt.Errorf("recorder: max dns refresh period must be >= min dns refresh period")
	}
	return nil
}

// SingleKeyPropagation reports whether the caller's propagator should use
// single-key (B3) header propagation, per SPEC_FULL.md §9. The recorder
// itself does not propagate headers; this accessor exists so an external
// propagator collaborator can read the configured choice.
func (o *Options) SingleKeyPropagation() bool { return o.UseSingleKeyPropagation }
