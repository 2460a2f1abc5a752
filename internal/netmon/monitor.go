// Package netmon derives a connection-quality signal from periodic
// reachability probes. The sync engine uses quality transitions to schedule
// retries; observers use the bucket to show status.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-ping/ping"
)

const probeTimeout = 3 * time.Second

// Quality buckets derived from probe latency.
type Quality string

const (
	QualityGood    Quality = "good"    // latency < 150ms
	QualityFair    Quality = "fair"    // latency < 400ms
	QualityPoor    Quality = "poor"    // slower, or probes failing while previously online
	QualityOffline Quality = "offline" // never reached, or failing after offline
)

// Sample is one probe result.
type Sample struct {
	Reachable bool
	LatencyMs float64 // -1 when no probe succeeded
	Quality   Quality
}

// Monitor probes one or more lightweight endpoints on a timer. It only
// signals the sync engine; it never touches queue state.
type Monitor struct {
	endpoints  []string
	icmpTarget string
	httpClient *http.Client
	logger     *slog.Logger

	// onRecovered fires on a poor/offline → fair/good transition.
	onRecovered func()

	mu         sync.Mutex
	quality    Quality
	everOnline bool
	socketLive bool

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Config wires a Monitor.
type Config struct {
	// Endpoints are HTTP URLs probed with a short timeout; the first
	// success wins. Typically the collector health endpoint plus a public
	// fallback.
	Endpoints []string

	// ICMPTarget optionally adds a raw ping probe (needs privileges on
	// most systems) consulted when every HTTP probe fails.
	ICMPTarget string

	OnRecovered func()
	Logger      *slog.Logger
}

// New creates a Monitor; call Start for periodic sampling.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onRecovered := cfg.OnRecovered
	if onRecovered == nil {
		onRecovered = func() {}
	}
	return &Monitor{
		endpoints:   cfg.Endpoints,
		icmpTarget:  cfg.ICMPTarget,
		httpClient:  &http.Client{Timeout: probeTimeout},
		logger:      logger,
		onRecovered: onRecovered,
		quality:     QualityOffline,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Sample probes the endpoints and updates the quality bucket, firing the
// recovery callback on an upward transition out of poor/offline.
func (m *Monitor) Sample(ctx context.Context) Sample {
	latency, ok := m.probe(ctx)

	m.mu.Lock()
	prev := m.quality

	var q Quality
	switch {
	case ok && latency < 150:
		q = QualityGood
	case ok && latency < 400:
		q = QualityFair
	case ok:
		q = QualityPoor
	case m.everOnline:
		q = QualityPoor
	default:
		q = QualityOffline
	}

	// An open socket is independent evidence of reachability.
	if q == QualityPoor && m.socketLive {
		q = QualityFair
	}

	if ok {
		m.everOnline = true
	}
	m.quality = q
	m.mu.Unlock()

	if !ok {
		latency = -1
	}
	if recovered(prev, q) {
		m.logger.Info("network recovered", "from", prev, "to", q, "latency_ms", latency)
		m.onRecovered()
	}

	return Sample{Reachable: ok, LatencyMs: latency, Quality: q}
}

// probe tries each HTTP endpoint in order with a short timeout, taking the
// first success; an ICMP probe is the last resort when configured.
func (m *Monitor) probe(ctx context.Context) (latencyMs float64, ok bool) {
	for _, url := range m.endpoints {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			continue
		}
		return float64(time.Since(start)) / float64(time.Millisecond), true
	}

	if m.icmpTarget != "" {
		if latency, err := icmpProbe(m.icmpTarget); err == nil {
			return latency, true
		}
	}
	return 0, false
}

func icmpProbe(target string) (float64, error) {
	pinger, err := ping.NewPinger(target)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = probeTimeout
	pinger.SetPrivileged(true)
	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, context.DeadlineExceeded
	}
	return float64(stats.AvgRtt) / float64(time.Millisecond), nil
}

// SetSocketLive feeds the hub socket's state in as reachability evidence.
func (m *Monitor) SetSocketLive(live bool) {
	m.mu.Lock()
	m.socketLive = live
	m.mu.Unlock()
}

// Quality returns the current bucket.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Start launches periodic sampling. Call Stop to shut it down.
func (m *Monitor) Start(interval time.Duration) {
	m.started = true
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sample(context.Background())
			}
		}
	}()
}

// Stop shuts down the sampling loop.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	close(m.stop)
	<-m.done
}

// recovered reports an upward transition that should trigger a sync pass.
func recovered(prev, next Quality) bool {
	if prev != QualityPoor && prev != QualityOffline {
		return false
	}
	return next == QualityFair || next == QualityGood
}
