// Package metrics exposes Prometheus counters for bot lifecycle, log
// volume and side-channel traffic on a private registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mindcraft-hub/internal/supervisor"
)

// Start outcomes, recorded when a bot leaves the starting state.
const (
	StartOnline   = "online"
	StartFailed   = "failed"
	StartStopped  = "stopped"
	StartRejected = "rejected"
)

type Metrics struct {
	reg *prometheus.Registry

	starts       *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	logLines     *prometheus.CounterVec
	linkMessages *prometheus.CounterVec

	mu   sync.Mutex
	last map[string]supervisor.Status
}

// New registers the hub collectors. running reports the number of bots
// with a live process and backs the mchub_bots_running gauge.
func New(running func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mchub_bot_starts_total",
			Help: "Bot start attempts by outcome",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mchub_bot_status_transitions_total",
			Help: "Bot status transitions",
		}, []string{"from", "to"}),
		logLines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mchub_bot_log_lines_total",
			Help: "Bot log lines recorded by level",
		}, []string{"level"}),
		linkMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mchub_bot_link_messages_total",
			Help: "Side-channel messages received from bots by type",
		}, []string{"type"}),
		last: make(map[string]supervisor.Status),
	}
	if running != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mchub_bots_running",
			Help: "Bots with a live process",
		}, func() float64 { return float64(running()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// LinkMessage counts one side-channel message.
func (m *Metrics) LinkMessage(msgType string) {
	m.linkMessages.WithLabelValues(msgType).Inc()
}

// Observe updates counters from a supervisor event.
func (m *Metrics) Observe(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventLog:
		m.logLines.WithLabelValues(string(ev.Log.Level)).Inc()
	case supervisor.EventStatus:
		m.observeStatus(ev.BotID, ev.Status.Status)
	}
}

func (m *Metrics) observeStatus(botID string, to supervisor.Status) {
	m.mu.Lock()
	from, ok := m.last[botID]
	if !ok {
		from = supervisor.StatusOffline
	}
	m.last[botID] = to
	m.mu.Unlock()

	m.transitions.WithLabelValues(string(from), string(to)).Inc()

	if from == supervisor.StatusStarting {
		switch to {
		case supervisor.StatusOnline:
			m.starts.WithLabelValues(StartOnline).Inc()
		case supervisor.StatusError:
			m.starts.WithLabelValues(StartFailed).Inc()
		case supervisor.StatusStopping, supervisor.StatusOffline:
			m.starts.WithLabelValues(StartStopped).Inc()
		}
		return
	}
	// a start refused before any process was spawned goes straight to error
	if to == supervisor.StatusError && (from == supervisor.StatusOffline || from == supervisor.StatusError) {
		m.starts.WithLabelValues(StartRejected).Inc()
	}
}

// EventSource is anything that publishes supervisor events.
type EventSource interface {
	Subscribe(supervisor.Handler) (unsubscribe func())
}

func (m *Metrics) Attach(src EventSource) (detach func()) {
	return src.Subscribe(m.Observe)
}
