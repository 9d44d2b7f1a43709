package dtapp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/dtapp/internal/iface"
)

// LatencyBuckets are the histogram bucket upper bounds in nanoseconds,
// 1us through 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-job I/O counters, verification failures, and
// latency distribution. Safe for concurrent use by every worker
// thread in a job.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	RecordsIssued atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	verifyMu       sync.Mutex
	verifyFailures map[string]uint64
}

// NewMetrics creates a ready-to-use Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{verifyFailures: make(map[string]uint64)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveRead implements iface.Observer.
func (m *Metrics) ObserveRead(bytes, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveWrite implements iface.Observer.
func (m *Metrics) ObserveWrite(bytes, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveVerifyFailure implements iface.Observer, tallying failures by
// the verification step that caught them (e.g. "crc32", "write_order",
// "pattern").
func (m *Metrics) ObserveVerifyFailure(kind string) {
	m.verifyMu.Lock()
	m.verifyFailures[kind]++
	m.verifyMu.Unlock()
}

// ObserveRecordIssued implements iface.Observer.
func (m *Metrics) ObserveRecordIssued(recordSize uint64) {
	m.RecordsIssued.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the job as finished for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

var _ iface.Observer = (*Metrics)(nil)

// Snapshot is a point-in-time copy of Metrics, safe to log or format.
type Snapshot struct {
	ReadOps, WriteOps     uint64
	ReadBytes, WriteBytes uint64
	ReadErrors, WriteErrors uint64
	RecordsIssued         uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram                          [numLatencyBuckets]uint64

	ReadIOPS, WriteIOPS           float64
	ReadBandwidth, WriteBandwidth float64

	TotalOps, TotalBytes uint64
	ErrorRate            float64

	VerifyFailures map[string]uint64
}

// Snapshot computes derived rates/percentiles from the live counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		RecordsIssued: m.RecordsIssued.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := range LatencyBuckets {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	m.verifyMu.Lock()
	snap.VerifyFailures = make(map[string]uint64, len(m.verifyFailures))
	for k, v := range m.verifyFailures {
		snap.VerifyFailures[k] = v
	}
	m.verifyMu.Unlock()

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver discards every observation; used when a job runs
// without metrics collection.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveVerifyFailure(string)        {}
func (NoOpObserver) ObserveRecordIssued(uint64)         {}

var _ iface.Observer = NoOpObserver{}
