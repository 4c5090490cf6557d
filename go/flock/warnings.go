package flock

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	lockAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairflow_lock_acquisitions_total",
		Help: "Count of successful lock acquisitions.",
	})
	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairflow_lock_timeouts_total",
		Help: "Count of lock acquisitions which timed out.",
	})
	staleRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairflow_lock_stale_recoveries_total",
		Help: "Count of stale locks removed after a dead-owner probe.",
	})
)

// warned bounds per-process warning dedup so a long-running watchdog loop
// cannot grow it without bound. Eviction simply allows an old warning to
// fire again.
var warned, _ = lru.New[string, struct{}](256)

// warnOnce logs a warning for |path| + |msg| at most once until evicted.
func warnOnce(path, msg string) {
	var key = path + "\x00" + msg
	if _, ok := warned.Get(key); ok {
		return
	}
	warned.Add(key, struct{}{})
	log.WithField("lock", path).Warn(msg)
}

// ResetWarnings clears the warning dedup set. Test hook.
func ResetWarnings() { warned.Purge() }
