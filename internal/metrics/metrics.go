// Package metrics exposes controller state and HTTP traffic to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/status"
)

const namespace = "pool"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	readings          *prometheus.GaugeVec
	pumpSwitch        prometheus.Gauge
	systemStatus      *prometheus.GaugeVec
	chlorinatorOutput prometheus.Gauge
}

// New creates the collectors. Connection and chlorinator gauges are read
// from tracker at scrape time; tracker may be nil.
func New(tracker *status.Tracker) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Last known telemetry or sensor value by channel. Absent when unknown.",
		}, []string{"channel"}),
		pumpSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_switch_on",
			Help:      "1 when the pump switch reports on, 0 otherwise.",
		}),
		systemStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_status",
			Help:      "1 for the current system status, 0 for the others.",
		}, []string{"status"}),
		chlorinatorOutput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chlorinator_output_percent",
			Help:      "Last chlorinator output announced on the local channel.",
		}),
	}

	m.reg.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.readings,
		m.pumpSwitch,
		m.systemStatus,
		m.chlorinatorOutput,
	)
	m.setStatus(logic.StatusInitializing)

	if tracker != nil {
		m.registerTracker(tracker)
	}
	return m
}

func (m *Metrics) registerTracker(tr *status.Tracker) {
	gauge := func(name, help string, fn func(status.Snapshot) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(tr.Snapshot()) })
	}
	chlorinator := func(fn func(*status.ChlorinatorInfo) int) func(status.Snapshot) float64 {
		return func(s status.Snapshot) float64 {
			if s.Chlorinator == nil {
				return 0
			}
			return float64(fn(s.Chlorinator))
		}
	}

	m.reg.MustRegister(
		gauge("mqtt_connected", "1 when the MQTT broker connection is up.", func(s status.Snapshot) float64 {
			return boolFloat(s.MQTTConnected)
		}),
		gauge("pump_connected", "1 when the pump switch connection is up.", func(s status.Snapshot) float64 {
			return boolFloat(s.PumpConnection == "connected")
		}),
		gauge("uptime_seconds", "Seconds since the controller started.", func(s status.Snapshot) float64 {
			return s.Uptime().Seconds()
		}),
		gauge("chlorinator_effective_percent", "Output after pump gating.",
			chlorinator(func(c *status.ChlorinatorInfo) int { return c.Effective })),
		gauge("chlorinator_duty_cycle", "PWM duty cycle on the active cell.",
			chlorinator(func(c *status.ChlorinatorInfo) int { return c.DutyCycle })),
		gauge("chlorinator_active_cell", "GPIO pin of the active cell.",
			chlorinator(func(c *status.ChlorinatorInfo) int { return c.ActiveCell })),
	)
}

// Observe folds one local channel event into the gauges.
func (m *Metrics) Observe(ev channel.Event) {
	switch ev.Channel {
	case channel.SystemStatus:
		switch p := ev.Payload.(type) {
		case string:
			for _, s := range allStatuses {
				if s.String() == p {
					m.setStatus(s)
				}
			}
		case logic.SystemStatus:
			m.setStatus(p)
		}
	case channel.SystemSwitch:
		s, _ := ev.Payload.(string)
		m.pumpSwitch.Set(boolFloat(logic.SwitchState(s) == logic.SwitchOn))
	case channel.ChlorinatorOutput:
		if v, ok := ev.Payload.(int); ok {
			m.chlorinatorOutput.Set(float64(v))
		}
	case channel.PumpKW, channel.PumpMA, channel.PumpVoltage,
		channel.ChlorinatorKW, channel.ChlorinatorMA, channel.ChlorinatorVoltage,
		channel.WaterTemperature, channel.AmbientTemperature, channel.AmbientHumidity:
		s, ok := ev.Payload.(string)
		if !ok {
			m.readings.DeleteLabelValues(string(ev.Channel))
			return
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return
		}
		m.readings.WithLabelValues(string(ev.Channel)).Set(v)
	}
}

var allStatuses = []logic.SystemStatus{logic.StatusInitializing, logic.StatusAvailable, logic.StatusError}

func (m *Metrics) setStatus(cur logic.SystemStatus) {
	for _, s := range allStatuses {
		m.systemStatus.WithLabelValues(s.String()).Set(boolFloat(s == cur))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests on route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
