// Package checkresult accepts checker::CheckResult messages from checker
// endpoints and forwards them to an external sink, discarding echoes of
// this process's own delegated checks. Grounded on
// original_source/components/replication/replicationcomponent.cpp's
// CheckResultRequestHandler (the original keeps this handler inside its
// replication component; this spec gives it its own engine) and
// original_source/components/cibsync/cibsynccomponent.cpp's
// CIB::UpdateTaskStatistics call for the rate counter.
package checkresult

import (
	"sync/atomic"
	"time"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpoint"
	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/timer"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

// MethodCheckResult is the protocol method checker endpoints publish
// results on.
const MethodCheckResult = "checker::CheckResult"

// Sink receives accepted check results. Implemented externally (spec.md §6:
// "the core exposes OnCheckResult(service, result) observed by the
// (external) check-result writer").
type Sink interface {
	OnCheckResult(service string, result map[string]any)
}

// Engine subscribes to checker::CheckResult and forwards accepted results
// to a Sink.
type Engine struct {
	mgr  *endpointmgr.Manager
	sink Sink

	count uint64

	rateTicker *timer.Ticker
	stopCh     chan struct{}
}

// Start wires the checker::CheckResult handler into mgr and begins the
// per-second rate sampler.
func Start(mgr *endpointmgr.Manager, sink Sink) *Engine {
	e := &Engine{mgr: mgr, sink: sink, stopCh: make(chan struct{})}

	mgr.RegisterHandler(MethodCheckResult, e.checkResultHandler)

	e.rateTicker = timer.NewTicker(time.Second, 0)
	go e.rateLoop()

	return e
}

// Stop halts the rate sampler.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.rateTicker.Stop()
}

func (e *Engine) rateLoop() {
	var last uint64
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.rateTicker.C:
			cur := atomic.LoadUint64(&e.count)
			metrics.CheckResultRate.Set(float64(cur - last))
			last = cur
		}
	}
}

// checkResultHandler extracts the service name and check-result payload
// from an inbound request, discards it if current_checker names this
// process (an echo of a result this process itself delegated and is
// already seeing via the original SendAPIMessage round-trip), and
// otherwise forwards it to the sink.
func (e *Engine) checkResultHandler(_ *endpoint.Endpoint, req message.Request) {
	service := req.GetString("service")
	if service == "" {
		return
	}
	result := req.GetMap("check_result")
	if result == nil {
		return
	}
	if cc, ok := result["current_checker"]; ok {
		if identity, _ := cc.(string); identity == e.mgr.LocalIdentity {
			return
		}
	}

	atomic.AddUint64(&e.count, 1)
	metrics.CheckResultsIngested.Inc()
	e.sink.OnCheckResult(service, result)
}
