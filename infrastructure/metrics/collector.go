// Package metrics exports host activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/dispatch"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/host"
	"github.com/reglet-dev/mediahost/shmem"
	"github.com/reglet-dev/mediahost/wireformat"
)

// Collector implements every observer hook the host exposes.
type Collector struct {
	// shared memory
	segmentsAllocated *prometheus.CounterVec
	segmentsReused    *prometheus.CounterVec
	segmentsFreed     *prometheus.CounterVec
	bytesAllocated    *prometheus.CounterVec

	// messages
	messagesTotal   *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec

	// hosts
	hostTransitions *prometheus.CounterVec
	hostsByState    *prometheus.GaugeVec
	sessionsActive  *prometheus.GaugeVec
	sessionsOpened  *prometheus.CounterVec
	pluginCrashes   *prometheus.CounterVec

	// storage
	storageOps *prometheus.CounterVec

	logger *zap.Logger
}

var (
	_ shmem.Observer    = (*Collector)(nil)
	_ dispatch.Observer = (*Collector)(nil)
	_ storage.Observer  = (*Collector)(nil)
	_ host.Observer     = (*Collector)(nil)
)

// NewCollector registers the host metrics under namespace with reg.
func NewCollector(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.segmentsAllocated = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shmem_segments_allocated_total",
		Help:      "Shared memory segments allocated",
	}, []string{"class"})
	c.segmentsReused = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shmem_segments_reused_total",
		Help:      "Shared memory segments served from the pool",
	}, []string{"class"})
	c.segmentsFreed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shmem_segments_freed_total",
		Help:      "Shared memory segments released",
	}, []string{"class", "reason"})
	c.bytesAllocated = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shmem_bytes_allocated_total",
		Help:      "Bytes of shared memory allocated",
	}, []string{"class"})

	c.messagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Messages received from plugin processes",
	}, []string{"tag", "status"})
	c.messageDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_duration_seconds",
		Help:      "Time spent handling a message",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"tag"})

	c.hostTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_state_transitions_total",
		Help:      "Plugin host state transitions",
	}, []string{"plugin", "from", "to"})
	c.hostsByState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hosts",
		Help:      "Plugin hosts with a process, by state",
	}, []string{"plugin", "state"})
	c.sessionsActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Open codec and storage sessions",
	}, []string{"plugin", "kind"})
	c.sessionsOpened = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_opened_total",
		Help:      "Codec and storage sessions opened",
	}, []string{"plugin", "kind"})
	c.pluginCrashes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plugin_crashes_total",
		Help:      "Plugin processes that died abnormally",
	}, []string{"plugin"})

	c.storageOps = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_operations_total",
		Help:      "Storage operations by outcome",
	}, []string{"op", "status"})

	return c
}

// SegmentAllocated implements shmem.Observer.
func (c *Collector) SegmentAllocated(class shmem.Class, size int) {
	c.segmentsAllocated.WithLabelValues(class.String()).Inc()
	c.bytesAllocated.WithLabelValues(class.String()).Add(float64(size))
}

// SegmentReused implements shmem.Observer.
func (c *Collector) SegmentReused(class shmem.Class) {
	c.segmentsReused.WithLabelValues(class.String()).Inc()
}

// SegmentFreed implements shmem.Observer.
func (c *Collector) SegmentFreed(class shmem.Class, reason string) {
	c.segmentsFreed.WithLabelValues(class.String(), reason).Inc()
}

// MessageHandled implements dispatch.Observer.
func (c *Collector) MessageHandled(tag wireformat.Tag, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.messagesTotal.WithLabelValues(tag.String(), status).Inc()
	c.messageDuration.WithLabelValues(tag.String()).Observe(elapsed.Seconds())
}

// HostStateChanged implements host.Observer.
func (c *Collector) HostStateChanged(plugin string, from, to entities.PluginProcessState) {
	c.hostTransitions.WithLabelValues(plugin, from.String(), to.String()).Inc()
	if from != entities.StateNotLoaded {
		c.hostsByState.WithLabelValues(plugin, from.String()).Dec()
	}
	if to != entities.StateNotLoaded {
		c.hostsByState.WithLabelValues(plugin, to.String()).Inc()
	}
}

// SessionOpened implements host.Observer.
func (c *Collector) SessionOpened(plugin string, kind entities.SessionKind) {
	c.sessionsOpened.WithLabelValues(plugin, kind.String()).Inc()
	c.sessionsActive.WithLabelValues(plugin, kind.String()).Inc()
}

// SessionClosed implements host.Observer.
func (c *Collector) SessionClosed(plugin string, kind entities.SessionKind) {
	c.sessionsActive.WithLabelValues(plugin, kind.String()).Dec()
}

// PluginCrashed implements host.Observer.
func (c *Collector) PluginCrashed(plugin string) {
	c.logger.Debug("plugin crash recorded", zap.String("plugin", plugin))
	c.pluginCrashes.WithLabelValues(plugin).Inc()
}

// StorageOperation implements storage.Observer.
func (c *Collector) StorageOperation(op string, status entities.StorageStatus) {
	c.storageOps.WithLabelValues(op, status.String()).Inc()
}
