package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatewayclient"

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

type registration struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
}

// register is safe to call multiple times; collectors that are already
// registered with the registerer are not treated as an error.
func (r *registration) register(collectors ...prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	for _, c := range collectors {
		if err := r.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	r.registered = true
	return nil
}

// Gateway tracks shard lifecycle statistics. A nil *Gateway is valid and
// records nothing.
type Gateway struct {
	registration

	status     *prometheus.GaugeVec
	latency    *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
	events     *prometheus.CounterVec
	ready      *prometheus.GaugeVec
}

func NewGateway(registerer prometheus.Registerer) *Gateway {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Gateway{
		registration: registration{registerer: registerer},
		status:       newGaugeVec("gateway", "shard_status", "Current status of each shard", []string{"shard"}),
		latency:      newGaugeVec("gateway", "heartbeat_latency_seconds", "Last measured heartbeat round trip per shard", []string{"shard"}),
		reconnects:   newCounterVec("gateway", "reconnects_total", "Number of times a shard was requeued for reconnection", []string{"shard", "resumable"}),
		events:       newCounterVec("gateway", "events_total", "Dispatch events received", []string{"type"}),
		ready:        newGaugeVec("gateway", "ready", "Whether every shard has reported ready", nil),
	}
}

func (m *Gateway) Register() error {
	if m == nil {
		return nil
	}

	return m.register(m.status, m.latency, m.reconnects, m.events, m.ready)
}

func (m *Gateway) ShardStatus(shardId int, status int) {
	if m == nil {
		return
	}

	m.status.WithLabelValues(strconv.Itoa(shardId)).Set(float64(status))
}

func (m *Gateway) Latency(shardId int, latency time.Duration) {
	if m == nil {
		return
	}

	m.latency.WithLabelValues(strconv.Itoa(shardId)).Set(latency.Seconds())
}

func (m *Gateway) Reconnect(shardId int, resumable bool) {
	if m == nil {
		return
	}

	m.reconnects.WithLabelValues(strconv.Itoa(shardId), strconv.FormatBool(resumable)).Inc()
}

func (m *Gateway) Event(eventType string) {
	if m == nil {
		return
	}

	m.events.WithLabelValues(eventType).Inc()
}

func (m *Gateway) Ready(ready bool) {
	if m == nil {
		return
	}

	var value float64
	if ready {
		value = 1
	}

	m.ready.WithLabelValues().Set(value)
}

// Rest tracks request pipeline statistics. A nil *Rest is valid and records
// nothing.
type Rest struct {
	registration

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rateLimits *prometheus.CounterVec
	retries    *prometheus.CounterVec
	invalid    *prometheus.GaugeVec
}

func NewRest(registerer prometheus.Registerer) *Rest {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Rest{
		registration: registration{registerer: registerer},
		requests:     newCounterVec("rest", "requests_total", "Requests sent, by route bucket and status", []string{"route", "method", "status"}),
		duration:     newHistogramVec("rest", "request_duration_seconds", "Round trip time of individual attempts", prometheus.DefBuckets, []string{"route"}),
		rateLimits:   newCounterVec("rest", "rate_limits_total", "Times a request had to wait for a rate limit", []string{"route", "global"}),
		retries:      newCounterVec("rest", "retries_total", "Requests retried, by reason", []string{"route", "reason"}),
		invalid:      newGaugeVec("rest", "invalid_requests", "Invalid requests (401, 403, 429) in the current window", nil),
	}
}

func (m *Rest) Register() error {
	if m == nil {
		return nil
	}

	return m.register(m.requests, m.duration, m.rateLimits, m.retries, m.invalid)
}

func (m *Rest) Request(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Rest) RateLimit(route string, global bool) {
	if m == nil {
		return
	}

	m.rateLimits.WithLabelValues(route, strconv.FormatBool(global)).Inc()
}

func (m *Rest) Retry(route, reason string) {
	if m == nil {
		return
	}

	m.retries.WithLabelValues(route, reason).Inc()
}

func (m *Rest) InvalidRequests(count int) {
	if m == nil {
		return
	}

	m.invalid.WithLabelValues().Set(float64(count))
}
