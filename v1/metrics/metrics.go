package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by guard and lock instruments.
const (
	ResultAcquired  = "acquired"
	ResultDuplicate = "duplicate"
	ResultBusy      = "busy"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultReleased  = "released"
	ResultStale     = "stale"
	ResultRenewed   = "renewed"
	ResultLost      = "lost"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Guard holds the instruments of an idempotency guard. A nil *Guard is
// valid and records nothing.
type Guard struct {
	Attempts *prometheus.CounterVec
	Releases *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewGuard creates the guard instruments and registers them on reg.
func NewGuard(reg prometheus.Registerer) *Guard {
	g := &Guard{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idemlock_guard_attempts_total",
			Help: "Guarded invocations by acquire result",
		}, []string{"result"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idemlock_guard_releases_total",
			Help: "Guard releases by result; stale means the key was owned by a later attempt",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idemlock_guard_operation_seconds",
			Help:    "Duration of guarded operations",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(g.Attempts, g.Releases, g.Duration)
	return g
}

// Attempt records an acquire result.
func (g *Guard) Attempt(result string) {
	if g == nil {
		return
	}
	g.Attempts.WithLabelValues(result).Inc()
}

// Release records a release result.
func (g *Guard) Release(result string) {
	if g == nil {
		return
	}
	g.Releases.WithLabelValues(result).Inc()
}

// Observe records how long the guarded operation ran.
func (g *Guard) Observe(d time.Duration) {
	if g == nil {
		return
	}
	g.Duration.Observe(d.Seconds())
}

// Lock holds the instruments of a distributed mutex. A nil *Lock is valid
// and records nothing.
type Lock struct {
	Acquires *prometheus.CounterVec
	Releases *prometheus.CounterVec
	Renewals *prometheus.CounterVec
	Wait     *prometheus.HistogramVec
	Held     *prometheus.GaugeVec
}

// NewLock creates the mutex instruments and registers them on reg.
func NewLock(reg prometheus.Registerer) *Lock {
	l := &Lock{
		Acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idemlock_lock_acquires_total",
			Help: "Lock acquire attempts by strategy and result",
		}, []string{"strategy", "result"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idemlock_lock_releases_total",
			Help: "Lock releases by strategy and result",
		}, []string{"strategy", "result"}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idemlock_lock_renewals_total",
			Help: "Lease watchdog renewals by result",
		}, []string{"result"}),
		Wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idemlock_lock_wait_seconds",
			Help:    "Time spent acquiring a lock",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		Held: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idemlock_lock_held",
			Help: "Locks currently held by this process",
		}, []string{"strategy"}),
	}
	reg.MustRegister(l.Acquires, l.Releases, l.Renewals, l.Wait, l.Held)
	return l
}

// Acquire records an acquire result and its latency.
func (l *Lock) Acquire(strategy, result string, wait time.Duration) {
	if l == nil {
		return
	}
	l.Acquires.WithLabelValues(strategy, result).Inc()
	l.Wait.WithLabelValues(strategy).Observe(wait.Seconds())
	if result == ResultAcquired {
		l.Held.WithLabelValues(strategy).Inc()
	}
}

// Release records a release result.
func (l *Lock) Release(strategy, result string) {
	if l == nil {
		return
	}
	l.Releases.WithLabelValues(strategy, result).Inc()
	l.Held.WithLabelValues(strategy).Dec()
}

// Renewal records a watchdog renewal result.
func (l *Lock) Renewal(result string) {
	if l == nil {
		return
	}
	l.Renewals.WithLabelValues(result).Inc()
}
