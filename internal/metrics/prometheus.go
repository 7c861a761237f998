package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all time synchronisation metrics.
type Registry struct {
	// Per-source scheduler metrics
	SyncAcquired        *prometheus.GaugeVec
	SyncOffset          *prometheus.GaugeVec
	SyncRoundTrip       *prometheus.GaugeVec
	SyncSendDelay       *prometheus.GaugeVec
	SyncClockSpeed      *prometheus.GaugeVec
	SyncPendingLeap     *prometheus.GaugeVec
	SyncReferencePoints *prometheus.GaugeVec
	SyncPolls           *prometheus.CounterVec
	SyncDriftResets     *prometheus.CounterVec

	// Pool metrics
	PoolOutliers prometheus.Counter
	PoolSmearers prometheus.Gauge

	// Leap second table
	LeapFetches      *prometheus.CounterVec
	LeapTableEntries prometheus.Gauge
	LeapDelta        prometheus.Gauge

	// Process
	Uptime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SyncAcquired = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_acquired",
		Help: "1 if the source currently reports acquired time",
	}, []string{"source"})

	r.SyncOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_offset_seconds",
		Help: "Adopted time minus local wall clock",
	}, []string{"source"})

	r.SyncRoundTrip = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_round_trip_seconds",
		Help: "Round-trip delay of the latest exchange",
	}, []string{"source"})

	r.SyncSendDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_send_delay_seconds",
		Help: "One-way send delay of the latest exchange",
	}, []string{"source"})

	r.SyncClockSpeed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_clock_speed",
		Help: "Estimated ratio of local elapsed time to true elapsed time",
	}, []string{"source"})

	r.SyncPendingLeap = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_pending_leap",
		Help: "Pending leap second sign reported by the source (-1, 0, 1)",
	}, []string{"source"})

	r.SyncReferencePoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wallclock_sync_reference_points",
		Help: "Number of retained drift reference points",
	}, []string{"source"})

	r.SyncPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallclock_sync_polls_total",
		Help: "Total time exchanges by result",
	}, []string{"source", "result"})

	r.SyncDriftResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallclock_sync_drift_resets_total",
		Help: "Times the drift model was discarded as implausible",
	}, []string{"source"})

	r.PoolOutliers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallclock_pool_outliers_total",
		Help: "Readings dropped from the pool consensus as outliers",
	})

	r.PoolSmearers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallclock_pool_smearers",
		Help: "Pool members currently suspected of smearing a leap second",
	})

	r.LeapFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallclock_leap_fetch_total",
		Help: "Leap second bulletin fetches by source and result",
	}, []string{"source", "result"})

	r.LeapTableEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallclock_leap_table_entries",
		Help: "Entries in the cached leap second table",
	})

	r.LeapDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallclock_leap_delta_seconds",
		Help: "Current TAI-UTC delta",
	})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallclock_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	return r
}

// RecordPoll records the outcome of one time exchange.
func (r *Registry) RecordPoll(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SyncPolls.WithLabelValues(source, result).Inc()
}

// RecordExchange records the delays measured by an exchange.
func (r *Registry) RecordExchange(source string, roundTrip, sendDelay float64) {
	r.SyncRoundTrip.WithLabelValues(source).Set(roundTrip)
	r.SyncSendDelay.WithLabelValues(source).Set(sendDelay)
}

// SetAcquired updates the acquired gauge for a source.
func (r *Registry) SetAcquired(source string, acquired bool) {
	v := 0.0
	if acquired {
		v = 1
	}
	r.SyncAcquired.WithLabelValues(source).Set(v)
}

// RecordLeapFetch records a leap bulletin fetch from one source.
func (r *Registry) RecordLeapFetch(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.LeapFetches.WithLabelValues(source, result).Inc()
}

// ForgetSource removes every per-source series for a closed source.
func (r *Registry) ForgetSource(source string) {
	for _, v := range []*prometheus.GaugeVec{
		r.SyncAcquired, r.SyncOffset, r.SyncRoundTrip, r.SyncSendDelay,
		r.SyncClockSpeed, r.SyncPendingLeap, r.SyncReferencePoints,
	} {
		v.DeleteLabelValues(source)
	}
}
