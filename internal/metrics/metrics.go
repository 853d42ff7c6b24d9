// Package metrics keeps request counters and timers in an in-memory
// go-metrics sink and serves the latest interval as JSON.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	gometrics "github.com/armon/go-metrics"

	"receiptlog/internal/logger"
)

const (
	defaultInterval = 10 * time.Second
	defaultRetain   = time.Minute
)

var (
	keyAppendOK       = []string{"append", "ok"}
	keyAppendRejected = []string{"append", "rejected"}
	keyListOK         = []string{"list", "ok"}
	keyListRejected   = []string{"list", "rejected"}
	keyListLatency    = []string{"list", "latency"}
	keyListReturned   = []string{"list", "returned"}
	keyAppended       = []string{"receipts", "appended"}
)

type Cfg struct {
	Service  string
	Interval time.Duration
	Retain   time.Duration
}

type Registry struct {
	sink *gometrics.InmemSink
	m    *gometrics.Metrics
}

func New(cfg Cfg) (*Registry, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	// the sink keeps Retain/Interval intervals and needs at least two
	if cfg.Retain < 2*cfg.Interval {
		cfg.Retain = 2 * cfg.Interval
	}
	if cfg.Service == "" {
		cfg.Service = "receiptlog"
	}
	sink := gometrics.NewInmemSink(cfg.Interval, cfg.Retain)
	conf := gometrics.DefaultConfig(cfg.Service)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := gometrics.New(conf, sink)
	if err != nil {
		return nil, err
	}
	return &Registry{sink: sink, m: m}, nil
}

func (r *Registry) AppendOK() {
	r.m.IncrCounter(keyAppendOK, 1)
}

func (r *Registry) AppendRejected() {
	r.m.IncrCounter(keyAppendRejected, 1)
}

// ListOK records a served page: its latency and how many records it held.
func (r *Registry) ListOK(start time.Time, returned int) {
	r.m.IncrCounter(keyListOK, 1)
	r.m.MeasureSince(keyListLatency, start)
	r.m.SetGauge(keyListReturned, float32(returned))
}

func (r *Registry) ListRejected() {
	r.m.IncrCounter(keyListRejected, 1)
}

// Appended counts records made durable, whichever transport created them.
func (r *Registry) Appended() {
	r.m.IncrCounter(keyAppended, 1)
}

// ServeHTTP writes the most recent complete interval as JSON.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	summary, err := r.sink.DisplayMetrics(w, req)
	if err != nil {
		logger.Error(err, "metrics snapshot failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		logger.WarnErr(err, "write metrics")
	}
}
