// Package replication propagates the dynamic object store across the
// mesh: full resync on connect, incremental deltas as transactions close,
// and the inbound handlers that apply what peers send. Grounded on
// original_source/components/replication/replicationcomponent.cpp.
package replication

import (
	log "github.com/sirupsen/logrus"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpoint"
	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

// Replication protocol methods.
const (
	MethodObjectUpdate  = "config::ObjectUpdate"
	MethodObjectRemoved = "config::ObjectRemoved"
)

// Engine keeps every connected peer's copy of the non-local portion of the
// object store in sync with this process's own.
type Engine struct {
	mgr   *endpointmgr.Manager
	store *objectstore.Store
}

// Start wires replication's handlers into mgr and store.
func Start(mgr *endpointmgr.Manager, store *objectstore.Store) *Engine {
	e := &Engine{mgr: mgr, store: store}

	mgr.RegisterHandler(MethodObjectUpdate, e.objectUpdateHandler)
	mgr.RegisterHandler(MethodObjectRemoved, e.objectRemovedHandler)

	store.OnObjectRegistered(e.onObjectRegistered)
	store.OnObjectUnregistered(e.onObjectUnregistered)
	store.OnTransactionClosing(e.onTransactionClosing)

	mgr.OnEndpointConnected(e.onEndpointConnected)

	return e
}

// onEndpointConnected runs the initial full sync for a non-local endpoint
// each time a channel is bound to it (first contact or reconnect). Mirrors
// EndpointConnectedHandler.
func (e *Engine) onEndpointConnected(ep *endpoint.Endpoint) {
	ep.RegisterSubscription(MethodObjectUpdate)
	ep.RegisterSubscription(MethodObjectRemoved)

	e.store.ForEach("", func(obj *objectstore.Object) {
		if obj.Local {
			return
		}
		e.mgr.SendUnicast(ep.Identity, e.updateMessage(obj, 0))
	})
}

// onObjectRegistered sends a full config::ObjectUpdate for a newly created
// non-local object. This fires both for objects this process originates
// (obj.Source == "") and for objects this process just learned about from a
// peer and registered in objectUpdateHandler, forwarding them on through the
// mesh the same way the object first reached us.
func (e *Engine) onObjectRegistered(obj *objectstore.Object) {
	if obj.Local {
		return
	}
	e.mgr.SendMulticast(e.excludeEndpoint(obj.Source), e.updateMessage(obj, 0))
	metrics.ReplicationMessages.WithLabelValues("out", "update").Inc()
}

// onObjectUnregistered sends a config::ObjectRemoved for a removed non-local
// object.
func (e *Engine) onObjectUnregistered(obj *objectstore.Object) {
	if obj.Local {
		return
	}
	e.mgr.SendMulticast(e.excludeEndpoint(obj.Source), e.removedMessage(obj.Key, obj.Source))
	metrics.ReplicationMessages.WithLabelValues("out", "removed").Inc()
}

// onTransactionClosing sends an incremental config::ObjectUpdate for every
// non-local object a just-closed transaction touched.
func (e *Engine) onTransactionClosing(tx uint64, modified []objectstore.Key) {
	if len(modified) == 0 {
		return
	}
	log.WithField("count", len(modified)).Debug("sending replication updates")
	for _, key := range modified {
		obj, ok := e.store.Get(key)
		if !ok || obj.Local {
			continue
		}
		e.mgr.SendMulticast(e.excludeEndpoint(obj.Source), e.updateMessage(obj, tx))
		metrics.ReplicationMessages.WithLabelValues("out", "update").Inc()
	}
}

// objectUpdateHandler applies an inbound config::ObjectUpdate.
func (e *Engine) objectUpdateHandler(_ *endpoint.Endpoint, req message.Request) {
	name := req.GetString("name")
	typ := req.GetString("type")
	source := req.GetString("source")
	update := req.GetMap("update")
	if name == "" || typ == "" || source == "" || update == nil {
		return
	}
	key := objectstore.Key{Type: typ, Name: name}

	if obj, known := e.store.Get(key); known {
		if obj.Local {
			log.WithField("object", key).Warn("replicated update for local object, dropping")
			return
		}
		obj.ApplyUpdate(objectstore.Update(update), e.store.NextTx())
		metrics.ReplicationMessages.WithLabelValues("in", "update").Inc()
		return
	}

	if source == e.mgr.LocalIdentity {
		// the peer sent us an object that was originally created by us but
		// no longer exists locally — tell it to drop its copy rather than
		// resurrecting ours.
		e.mgr.SendMulticast(e.excludeEndpoint(source), e.removedMessage(key, source))
		return
	}

	log.WithField("source", source).Debug("received object from source")
	e.store.Register(key, source, false, objectstore.Update(update))
	metrics.ReplicationMessages.WithLabelValues("in", "update").Inc()
}

// objectRemovedHandler applies an inbound config::ObjectRemoved.
func (e *Engine) objectRemovedHandler(_ *endpoint.Endpoint, req message.Request) {
	name := req.GetString("name")
	typ := req.GetString("type")
	if name == "" || typ == "" {
		return
	}
	key := objectstore.Key{Type: typ, Name: name}

	obj, ok := e.store.Get(key)
	if !ok || obj.Local {
		return
	}
	e.store.Unregister(key)
	metrics.ReplicationMessages.WithLabelValues("in", "removed").Inc()
}

// updateMessage builds a config::ObjectUpdate carrying every Config and
// Replicated attribute obj has accrued since sinceTx (0 for a full sync).
func (e *Engine) updateMessage(obj *objectstore.Object, sinceTx uint64) message.Request {
	req := message.NewRequest(MethodObjectUpdate)
	req.Set("name", obj.Key.Name)
	req.Set("type", obj.Key.Type)
	req.Set("source", e.wireSource(obj.Source))
	req.Set("update", map[string]any(obj.BuildUpdate(sinceTx, objectstore.WireMask)))
	return req
}

func (e *Engine) removedMessage(key objectstore.Key, source string) message.Request {
	req := message.NewRequest(MethodObjectRemoved)
	req.Set("name", key.Name)
	req.Set("type", key.Type)
	req.Set("source", e.wireSource(source))
	return req
}

// wireSource substitutes the local identity for the empty source objects
// this process originates carry internally — the wire form always names an
// owner.
func (e *Engine) wireSource(source string) string {
	if source == "" {
		return e.mgr.LocalIdentity
	}
	return source
}

// excludeEndpoint resolves identity to its *endpoint.Endpoint for use as
// SendMulticast's exclusion argument, skipping the immediate echo of an
// update back to the peer it just arrived from. identity == "" (a
// locally-originated object) returns nil, so SendMulticast excludes no
// endpoint.
func (e *Engine) excludeEndpoint(identity string) *endpoint.Endpoint {
	if identity == "" {
		return nil
	}
	ep, _ := e.mgr.GetEndpoint(identity)
	return ep
}
