// Package delegation redistributes monitored services across eligible
// checker endpoints on a fixed interval, balancing by a simple histogram
// and revoking assignments a checker fails to acknowledge in time.
// Grounded on
// original_source/components/delegation/delegationcomponent.cpp.
package delegation

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpoint"
	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
	"github.com/Icinga/icinga2-sub010/internal/cluster/timer"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

// Delegation protocol methods.
const (
	MethodAssignService = "checker::AssignService"
	MethodClearServices = "checker::ClearServices"
)

// ServiceType is the dynamic object type a delegation tick considers.
const ServiceType = "Service"

const attrChecker = "checker"

// tickInterval is the fixed delegation period (spec.md §8's
// delegationInterval default); no backoff or jitter beyond it is mandated.
const tickInterval = 30 * time.Second

// Engine runs the periodic service-to-checker assignment algorithm.
type Engine struct {
	mgr   *endpointmgr.Manager
	store *objectstore.Store

	ticker *timer.Ticker
	stopCh chan struct{}
}

// Start wires delegation's handlers into mgr and store and begins the
// periodic tick at the built-in default interval, running once immediately.
func Start(mgr *endpointmgr.Manager, store *objectstore.Store) *Engine {
	return StartWithInterval(mgr, store, tickInterval)
}

// StartWithInterval is Start with the tick period overridden, typically
// from operator configuration (internal/config.Config's
// DelegationInterval).
func StartWithInterval(mgr *endpointmgr.Manager, store *objectstore.Store, interval time.Duration) *Engine {
	e := &Engine{mgr: mgr, store: store, stopCh: make(chan struct{})}

	local := mgr.RegisterEndpoint(mgr.LocalIdentity, true)
	local.RegisterPublication(MethodAssignService)
	local.RegisterPublication(MethodClearServices)

	mgr.OnNewEndpoint(e.onNewEndpoint)

	e.ticker = timer.NewTicker(interval, 0)
	go e.loop()
	go e.tick()

	return e
}

// Stop halts the delegation ticker.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.ticker.Stop()
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ticker.C:
			e.tick()
		}
	}
}

// onNewEndpoint arranges for a new peer's prior assignments to be dropped
// the moment its session is established, since its checker state (which
// services it was working on before) is unknown until the next tick.
// Mirrors NewEndpointHandler/SessionEstablishedHandler.
func (e *Engine) onNewEndpoint(ep *endpoint.Endpoint) {
	ep.OnSessionEstablished(e.sessionEstablished)
}

func (e *Engine) sessionEstablished(ep *endpoint.Endpoint) {
	log.WithField("endpoint", ep.Identity).Info("clearing assigned services for endpoint")

	tx := e.store.NextTx()
	var modified []objectstore.Key
	e.store.ForEach(ServiceType, func(obj *objectstore.Object) {
		if checkerOf(obj) != ep.Identity {
			return
		}
		obj.Set(attrChecker, objectstore.State, "", tx)
		modified = append(modified, obj.Key)
	})
	if len(modified) > 0 {
		e.store.CloseTransaction(tx, modified)
	}

	e.mgr.SendUnicast(ep.Identity, message.NewRequest(MethodClearServices))
}

// tick runs one delegation pass: build the checker load histogram, then
// visit every service in random order, reassigning it away from its
// current checker if that checker is no longer eligible or carries
// significantly more load than the candidate average.
func (e *Engine) tick() {
	histogram := map[string]int{}
	for _, ep := range e.mgr.Endpoints() {
		histogram[ep.Identity] = 0
	}

	var services []*objectstore.Object
	e.store.ForEach(ServiceType, func(obj *objectstore.Object) {
		services = append(services, obj)
		if checker := checkerOf(obj); checker != "" {
			if _, known := histogram[checker]; known {
				histogram[checker]++
			}
		}
	})

	rand.Shuffle(len(services), func(i, j int) { services[i], services[j] = services[j], services[i] })

	needClear := false
	delegated := 0
	tx := e.store.NextTx()
	var modified []objectstore.Key

	for _, svc := range services {
		oldChecker := checkerOf(svc)

		candidates := e.checkerCandidates()
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

		avg, tolerance := 0, 0
		if len(candidates) > 0 {
			for _, c := range candidates {
				avg += histogram[c]
			}
			avg /= len(candidates)
			tolerance = len(candidates) * 2
		}

		if oldChecker != "" && contains(candidates, oldChecker) && histogram[oldChecker] <= avg+tolerance {
			continue
		}

		if oldChecker != "" {
			needClear = true
			svc.Set(attrChecker, objectstore.State, "", tx)
			modified = append(modified, svc.Key)
			histogram[oldChecker]--
		}

		for _, c := range candidates {
			if histogram[c] > avg {
				continue
			}
			svc.Set(attrChecker, objectstore.State, c, tx)
			modified = append(modified, svc.Key)
			histogram[c]++
			delegated++
			break
		}
	}

	if len(modified) > 0 {
		e.store.CloseTransaction(tx, modified)
	}

	if delegated == 0 {
		log.WithField("delegated", delegated).Info("updated delegations")
		return
	}

	if needClear {
		for identity := range histogram {
			e.mgr.SendUnicast(identity, message.NewRequest(MethodClearServices))
		}
	}

	for _, svc := range services {
		checker := checkerOf(svc)
		if checker == "" {
			continue
		}
		e.assignService(checker, svc)
	}

	for identity, count := range histogram {
		log.WithFields(log.Fields{"endpoint": identity, "count": count}).Debug("delegation histogram")
	}
	log.WithField("delegated", delegated).Info("updated delegations")
}

// checkerCandidates returns the identities of every connected endpoint
// advertising the checker::AssignService subscription (spec.md §4.6
// eligibility, confirmed against the subscriptions side of
// GetCheckerCandidates — not publications).
func (e *Engine) checkerCandidates() []string {
	var out []string
	for _, ep := range e.mgr.Endpoints() {
		if !ep.Connected() {
			continue
		}
		if !ep.HasSubscription(MethodAssignService) {
			continue
		}
		out = append(out, ep.Identity)
	}
	return out
}

// assignService sends checker::AssignService for svc and arranges for
// assignServiceResponse to run when the checker acknowledges or the call
// times out.
func (e *Engine) assignService(checker string, svc *objectstore.Object) {
	log.WithField("service", svc.Key.Name).Debug("trying to delegate service")

	req := message.NewRequest(MethodAssignService)
	req.Set("service", map[string]any(svc.BuildUpdate(0, objectstore.Config|objectstore.Replicated|objectstore.State)))

	e.mgr.SendAPIMessage(checker, req, 0, func(_ message.Request, from string, ok bool) {
		e.assignServiceResponse(svc, from, ok)
	})
	metrics.DelegationAssignments.WithLabelValues(checker).Inc()
}

// assignServiceResponse ignores any reply whose sender no longer matches
// the service's current checker — including a timeout report, whose
// sender is always the original call's target identity — and otherwise
// clears the checker on timeout so the next tick reassigns it.
func (e *Engine) assignServiceResponse(svc *objectstore.Object, from string, ok bool) {
	if from == "" || from != checkerOf(svc) {
		return
	}
	if ok {
		return
	}
	log.WithField("service", svc.Key.Name).Info("service delegation timed out")
	tx := e.store.NextTx()
	svc.Set(attrChecker, objectstore.State, "", tx)
	e.store.CloseTransaction(tx, []objectstore.Key{svc.Key})
}

func checkerOf(obj *objectstore.Object) string {
	v, ok := obj.Get(attrChecker)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
