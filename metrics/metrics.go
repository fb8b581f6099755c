package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rewardkit/core"
)

const namespace = "rewardkit"

// Recorder owns a Prometheus registry with the play, reward and HTTP
// instruments. A nil *Recorder is a valid no-op.
type Recorder struct {
	reg             *prometheus.Registry
	plays           *prometheus.CounterVec
	rewards         *prometheus.CounterVec
	denials         *prometheus.CounterVec
	failures        *prometheus.CounterVec
	compensations   prometheus.Counter
	notifyFailures  prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// Option tunes a Recorder.
type Option func(*options)

type options struct {
	system bool
}

// WithSystemCollectors adds the Go runtime and process collectors.
func WithSystemCollectors(on bool) Option {
	return func(o *options) { o.system = on }
}

func NewRecorder(opts ...Option) *Recorder {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		plays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "plays_total", Help: "Play attempts by outcome.",
		}, []string{LabelOutcome}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rewards_granted_total", Help: "Rewards granted by game and reward type.",
		}, []string{LabelGame, LabelType}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "play_denials_total", Help: "Denied plays by reason.",
		}, []string{LabelReason}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "play_failures_total", Help: "Failed plays by kind.",
		}, []string{LabelKind}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "award_compensations_total", Help: "Award increments undone after a failed ledger write.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_failures_total", Help: "Reward notifications that could not be delivered.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by method, route and status.",
		}, []string{LabelMethod, LabelPath, LabelStatus}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelMethod, LabelPath}),
	}
	r.reg.MustRegister(r.plays, r.rewards, r.denials, r.failures, r.compensations,
		r.notifyFailures, r.requests, r.requestDuration)
	if o.system {
		r.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return r
}

// Registry exposes the underlying registry for extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc exposes a value sampled at scrape time, e.g. dropped bus events.
func (r *Recorder) RegisterGaugeFunc(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// OnEvent is an event bus subscriber.
func (r *Recorder) OnEvent(_ context.Context, ev core.Event) {
	if r == nil {
		return
	}
	switch ev.Type {
	case core.EventRewardGranted:
		r.plays.WithLabelValues(OutcomeGranted).Inc()
		if ev.Reward != nil {
			r.rewards.WithLabelValues(string(ev.GameID), string(ev.Reward.Type)).Inc()
		}
	case core.EventPlayDenied:
		r.plays.WithLabelValues(OutcomeDenied).Inc()
		r.denials.WithLabelValues(ev.Reason).Inc()
	case core.EventPlayFailed:
		r.plays.WithLabelValues(OutcomeFailed).Inc()
		r.failures.WithLabelValues(ev.Reason).Inc()
	case core.EventAwardCompensated:
		r.compensations.Inc()
	}
}

// NotificationFailed counts a failed notification delivery.
func (r *Recorder) NotificationFailed(error) {
	if r == nil {
		return
	}
	r.notifyFailures.Inc()
}

// RecordHTTPRequest records one served request.
func (r *Recorder) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working behind the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request counts and latency labelled by the matched route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		path := req.Pattern
		if path == "" {
			path = "unmatched"
		}
		r.RecordHTTPRequest(req.Method, path, sw.status, time.Since(start))
	})
}
