package rdma

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of the cumulative
// latency histogram Metrics keeps for completed operations.
var LatencyBuckets = []uint64{
	uint64(1 * time.Microsecond),
	uint64(10 * time.Microsecond),
	uint64(100 * time.Microsecond),
	uint64(1 * time.Millisecond),
	uint64(10 * time.Millisecond),
	uint64(100 * time.Millisecond),
	uint64(1 * time.Second),
	uint64(10 * time.Second),
}

// Metrics is a lock-free set of counters tracking Device activity. All
// fields are accessed only through atomic operations so a single Metrics
// value may be shared across every poller goroutine and the user-facing
// Device methods.
type Metrics struct {
	WriteOps   atomic.Uint64
	ReadOps    atomic.Uint64
	AckOps     atomic.Uint64
	NakOps     atomic.Uint64

	WriteBytes atomic.Uint64
	ReadBytes  atomic.Uint64

	WriteErrors atomic.Uint64
	ReadErrors  atomic.Uint64
	CtrlErrors  atomic.Uint64
	IcrcErrors  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [8]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(d time.Duration) {
	ns := uint64(d.Nanoseconds())
	m.TotalLatencyNs.Add(ns)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordWrite records a completed Write operation of n bytes and its
// end-to-end latency.
func (m *Metrics) RecordWrite(n uint32, d time.Duration) {
	m.WriteOps.Add(1)
	m.WriteBytes.Add(uint64(n))
	m.recordLatency(d)
}

// RecordRead records a completed Read operation of n bytes and its
// end-to-end latency.
func (m *Metrics) RecordRead(n uint32, d time.Duration) {
	m.ReadOps.Add(1)
	m.ReadBytes.Add(uint64(n))
	m.recordLatency(d)
}

func (m *Metrics) RecordAck()         { m.AckOps.Add(1) }
func (m *Metrics) RecordNak()         { m.NakOps.Add(1) }
func (m *Metrics) RecordWriteError()  { m.WriteErrors.Add(1) }
func (m *Metrics) RecordReadError()   { m.ReadErrors.Add(1) }
func (m *Metrics) RecordCtrlError()   { m.CtrlErrors.Add(1) }
func (m *Metrics) RecordIcrcError()   { m.IcrcErrors.Add(1) }

// Stop records the time metrics collection ended, used to compute uptime
// in a MetricsSnapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a derived, point-in-time view of Metrics suitable for
// logging or JSON encoding.
type MetricsSnapshot struct {
	WriteOps, ReadOps, AckOps, NakOps       uint64
	WriteBytes, ReadBytes                   uint64
	WriteErrors, ReadErrors, CtrlErrors     uint64
	IcrcErrors                              uint64
	AvgLatencyNs                            float64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	UptimeNs                                int64
}

// Snapshot computes a MetricsSnapshot from the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		WriteOps:    m.WriteOps.Load(),
		ReadOps:     m.ReadOps.Load(),
		AckOps:      m.AckOps.Load(),
		NakOps:      m.NakOps.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteErrors: m.WriteErrors.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		CtrlErrors:  m.CtrlErrors.Load(),
		IcrcErrors:  m.IcrcErrors.Load(),
	}

	if cnt := m.OpCount.Load(); cnt > 0 {
		s.AvgLatencyNs = float64(m.TotalLatencyNs.Load()) / float64(cnt)
		s.LatencyP50Ns = m.calculatePercentile(cnt, 0.50)
		s.LatencyP99Ns = m.calculatePercentile(cnt, 0.99)
		s.LatencyP999Ns = m.calculatePercentile(cnt, 0.999)
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop == 0 {
		s.UptimeNs = time.Now().UnixNano() - start
	} else {
		s.UptimeNs = stop - start
	}
	return s
}

// calculatePercentile linearly interpolates within the bucket that
// contains the requested percentile of recorded samples.
func (m *Metrics) calculatePercentile(total uint64, pct float64) uint64 {
	target := uint64(float64(total) * pct)
	var prevCount, prevBound uint64
	for i, bound := range LatencyBuckets {
		cumulative := m.LatencyBuckets[i].Load()
		if cumulative >= target {
			if cumulative == prevCount {
				return bound
			}
			span := bound - prevBound
			frac := float64(target-prevCount) / float64(cumulative-prevCount)
			return prevBound + uint64(frac*float64(span))
		}
		prevCount = cumulative
		prevBound = bound
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Observer is the interface the scheduler, responder and control plane
// record activity through. MetricsObserver implements it over a *Metrics,
// whose counters the Prometheus exporter in internal/metricsexp reads.
type Observer interface {
	ObserveWrite(bytes uint32, d time.Duration)
	ObserveRead(bytes uint32, d time.Duration)
	ObserveAck()
	ObserveNak()
	ObserveWriteError()
	ObserveReadError()
	ObserveCtrlError()
	ObserveIcrcError()
}

// NoOpObserver discards every observation; DefaultParams and newDevice
// fall back to it when no Observer is configured.
type NoOpObserver struct{}

func (NoOpObserver) ObserveWrite(uint32, time.Duration) {}
func (NoOpObserver) ObserveRead(uint32, time.Duration)  {}
func (NoOpObserver) ObserveAck()                        {}
func (NoOpObserver) ObserveNak()                        {}
func (NoOpObserver) ObserveWriteError()                 {}
func (NoOpObserver) ObserveReadError()                  {}
func (NoOpObserver) ObserveCtrlError()                  {}
func (NoOpObserver) ObserveIcrcError()                  {}

// MetricsObserver adapts a *Metrics to the Observer interface.
type MetricsObserver struct {
	M *Metrics
}

func (o MetricsObserver) ObserveWrite(n uint32, d time.Duration) { o.M.RecordWrite(n, d) }
func (o MetricsObserver) ObserveRead(n uint32, d time.Duration)  { o.M.RecordRead(n, d) }
func (o MetricsObserver) ObserveAck()                            { o.M.RecordAck() }
func (o MetricsObserver) ObserveNak()                            { o.M.RecordNak() }
func (o MetricsObserver) ObserveWriteError()                     { o.M.RecordWriteError() }
func (o MetricsObserver) ObserveReadError()                      { o.M.RecordReadError() }
func (o MetricsObserver) ObserveCtrlError()                      { o.M.RecordCtrlError() }
func (o MetricsObserver) ObserveIcrcError()                      { o.M.RecordIcrcError() }

var (
	_ Observer = NoOpObserver{}
	_ Observer = MetricsObserver{}
)
