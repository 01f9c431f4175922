// Package endpointmgr owns the identity registry of cluster endpoints, the
// transport listener/dialer wiring, and the per-endpoint inbound/outbound
// pumps. Every other cluster engine (discovery, replication, delegation,
// check-result ingress) reaches peers through a Manager rather than talking
// to internal/transport directly.
package endpointmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpoint"
	clustererrs "github.com/Icinga/icinga2-sub010/internal/cluster/errs"
	"github.com/Icinga/icinga2-sub010/internal/cluster/timer"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
	"github.com/Icinga/icinga2-sub010/internal/transport"
)

// inboundEvent is the unit queued per endpoint to serialize handler
// execution; it carries nothing but the request since the consuming
// goroutine is bound to a single, already-known endpoint.
type inboundEvent struct {
	req message.Request
}

// ResponseHandler is invoked when a reply to a SendAPIMessage call arrives,
// or when it times out. On a reply, from is the identity of the endpoint the
// reply arrived from and ok is true; on a timeout, ok is false and from is
// the call's original target identity, so callers can still correlate a
// timeout against state keyed by that identity.
type ResponseHandler func(reply message.Request, from string, ok bool)

type pendingCall struct {
	handler ResponseHandler
	target  string
	expires time.Time
}

const (
	defaultAPITimeout = 30 * time.Second
	requeueLimit      = 3
	sweepInterval     = 1 * time.Second
)

// Manager is the identity registry and message bus for the cluster.
type Manager struct {
	LocalIdentity string

	mu        sync.RWMutex
	endpoints map[string]*endpoint.Endpoint
	listeners []*transport.Listener
	dialer    transport.Dialer

	newEndpointHooks []func(e *endpoint.Endpoint)
	connectedHooks   []func(e *endpoint.Endpoint)

	corr    uint64
	pending sync.Map // string(correlation id) -> *pendingCall
	sweeper *timer.Ticker

	queues   sync.Map // identity -> workqueue.TypedRateLimitingInterface[inboundEvent]
	stopOnce sync.Once
	stopCh   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
}

// Handler processes one inbound request, naming the endpoint that sent it.
// Registered globally by method name (mirroring the topic subscriptions of
// original_source's EndpointManager, not per-connection): any endpoint,
// local or remote, that delivers a message with this method triggers every
// handler registered for it.
type Handler func(sender *endpoint.Endpoint, req message.Request)

// New constructs a Manager for the given local identity. dialer is used for
// outbound connections established by discovery's reconnect logic.
func New(localIdentity string, dialer transport.Dialer) *Manager {
	m := &Manager{
		LocalIdentity: localIdentity,
		endpoints:     map[string]*endpoint.Endpoint{},
		dialer:        dialer,
		stopCh:        make(chan struct{}),
		handlers:      map[string][]Handler{},
	}
	m.sweeper = timer.NewTicker(sweepInterval, 0)
	go m.sweepLoop()
	return m
}

// Local registers and returns the manager's own endpoint, marked Established
// immediately since it never goes through a handshake. Messages sent to it
// are routed straight into the global handler table.
func (m *Manager) Local() *endpoint.Endpoint {
	e := m.RegisterEndpoint(m.LocalIdentity, true)
	e.SetLocalDispatch(func(req message.Request) { m.dispatch(e, req) })
	e.MarkEstablished()
	return e
}

// RegisterHandler attaches fn to run whenever any endpoint delivers a
// request with the given method.
func (m *Manager) RegisterHandler(method string, fn Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[method] = append(m.handlers[method], fn)
}

// dispatch runs every handler registered for req.Method. A method with no
// registered handler is simply dropped (spec.md §7's tolerant protocol
// policy), not an error.
func (m *Manager) dispatch(sender *endpoint.Endpoint, req message.Request) {
	m.handlersMu.RLock()
	hs := m.handlers[req.Method]
	handlers := make([]Handler, len(hs))
	copy(handlers, hs)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(sender, req)
	}
}

// RegisterEndpoint returns the endpoint for identity, creating it if this is
// the first time it's been seen. Newly created non-local endpoints fire
// OnNewEndpoint hooks (used by delegation to attach its session-established
// hook).
func (m *Manager) RegisterEndpoint(identity string, local bool) *endpoint.Endpoint {
	m.mu.Lock()
	if e, ok := m.endpoints[identity]; ok {
		m.mu.Unlock()
		return e
	}
	e := endpoint.New(identity, local)
	m.endpoints[identity] = e
	hooks := make([]func(*endpoint.Endpoint), len(m.newEndpointHooks))
	copy(hooks, m.newEndpointHooks)
	m.mu.Unlock()

	if !local {
		for _, h := range hooks {
			h(e)
		}
	}
	return e
}

// UnregisterEndpoint removes identity from the registry and stops its
// pumps. Discovery's registry expiry does not call it, and a duplicate
// identity is handled by bindTo, which disconnects the old channel and
// keeps the same endpoint.
func (m *Manager) UnregisterEndpoint(identity string) {
	m.mu.Lock()
	e, ok := m.endpoints[identity]
	if ok {
		delete(m.endpoints, identity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.Stop()
	if q, ok := m.queues.LoadAndDelete(identity); ok {
		q.(workqueue.TypedRateLimitingInterface[inboundEvent]).ShutDown()
	}
	metrics.ConnectedEndpoints.DeleteLabelValues(identity)
}

// GetEndpoint looks up an endpoint by identity without creating it.
func (m *Manager) GetEndpoint(identity string) (*endpoint.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[identity]
	return e, ok
}

// Endpoints returns a snapshot of every known endpoint.
func (m *Manager) Endpoints() []*endpoint.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, e)
	}
	return out
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints)
}

// OnNewEndpoint registers fn to run whenever a previously-unknown, non-local
// endpoint is first registered. Use this for one-time-per-identity
// bookkeeping; it does not fire again on reconnect of the same identity.
func (m *Manager) OnNewEndpoint(fn func(e *endpoint.Endpoint)) {
	m.mu.Lock()
	m.newEndpointHooks = append(m.newEndpointHooks, fn)
	m.mu.Unlock()
}

// OnEndpointConnected registers fn to run every time a channel is bound to
// a non-local endpoint — the start of a handshake — including on
// reconnect, when the same *endpoint.Endpoint is reused rather than
// recreated. Discovery uses this to (re)run the RegisterComponent/
// NewComponent handshake kickoff.
func (m *Manager) OnEndpointConnected(fn func(e *endpoint.Endpoint)) {
	m.mu.Lock()
	m.connectedHooks = append(m.connectedHooks, fn)
	m.mu.Unlock()
}

// AddListener starts accepting inbound connections from l. Each accepted
// channel is bound to the endpoint matching its peer identity (created if
// unseen) and begins its read/write pumps.
func (m *Manager) AddListener(l *transport.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
	go func() {
		for {
			ch, err := l.Accept()
			if err != nil {
				log.WithError(err).Info("listener stopped accepting connections")
				return
			}
			// bind may block reading a plaintext peer's first frame to
			// learn its identity (see bind), so it must not run on the
			// accept loop itself.
			go m.bind(ch)
		}
	}()
}

// Connect dials addr and binds the resulting channel to identity, moving
// its endpoint from Connecting to Handshaking. Used by discovery's
// reconnect ticker for endpoints with a known, currently-disconnected
// address.
func (m *Manager) Connect(ctx context.Context, identity, addr string) error {
	e := m.RegisterEndpoint(identity, false)
	e.SetConnecting()
	ch, err := m.dialer.Dial(ctx, addr)
	if err != nil {
		e.Disconnect()
		return fmt.Errorf("connect to %s at %s: %w", identity, addr, err)
	}
	m.bindTo(e, ch)
	return nil
}

// bind attaches an accepted channel to the endpoint matching its presented
// identity, creating the endpoint if this is the first contact. A peer
// presenting our own identity is a loopback connection and is rejected
// outright; a peer presenting an identity we're already connected to is a
// reconnect racing the old socket's teardown, and the old connection is the
// one torn down (mirrors original_source's CheckExistingEndpoint, which
// disconnects the older of two endpoints sharing an identity).
//
// A TLS channel already carries its identity from the peer's certificate.
// A plaintext channel (no TLS configured, development/test use) never does,
// so bind falls back to reading the peer's opening discovery frame and
// taking its "identity" field instead — every discovery::RegisterComponent/
// NewComponent request carries one (see discovery.sendDiscoveryMessage) —
// and replays that frame to the bound endpoint's queue once it exists.
func (m *Manager) bind(ch transport.Channel) {
	identity := ch.PeerIdentity()
	var first *message.Request
	if identity == "" {
		req, err := ch.Recv()
		if err != nil {
			ch.Close()
			return
		}
		identity = req.GetString("identity")
		if identity == "" {
			log.Warn("rejecting plaintext connection that never presented an identity")
			ch.Close()
			return
		}
		first = &req
	}
	if identity == m.LocalIdentity {
		log.Warn("detected loop-back connection, disconnecting")
		ch.Close()
		return
	}
	e := m.RegisterEndpoint(identity, false)
	m.bindTo(e, ch)
	if first != nil {
		m.ensureQueue(e).Add(inboundEvent{req: *first})
	}
}

func (m *Manager) bindTo(e *endpoint.Endpoint, ch transport.Channel) {
	if e.Connected() {
		log.WithField("endpoint", e.Identity).Warn("detected duplicate identity, replacing existing connection")
		e.Disconnect()
	}
	e.SetChannel(ch)
	go m.readPump(e, ch)
	go m.writePump(e, ch)
	m.ensureQueue(e)

	m.mu.RLock()
	hooks := make([]func(*endpoint.Endpoint), len(m.connectedHooks))
	copy(hooks, m.connectedHooks)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(e)
	}
}

func (m *Manager) ensureQueue(e *endpoint.Endpoint) workqueue.TypedRateLimitingInterface[inboundEvent] {
	if q, ok := m.queues.Load(e.Identity); ok {
		return q.(workqueue.TypedRateLimitingInterface[inboundEvent])
	}
	q := workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[inboundEvent]())
	actual, loaded := m.queues.LoadOrStore(e.Identity, q)
	if loaded {
		q.ShutDown()
		return actual.(workqueue.TypedRateLimitingInterface[inboundEvent])
	}
	go m.consume(e, q)
	return q
}

func (m *Manager) consume(e *endpoint.Endpoint, q workqueue.TypedRateLimitingInterface[inboundEvent]) {
	for {
		ev, shutdown := q.Get()
		if shutdown {
			return
		}
		err := m.process(e, ev)
		q.Done(ev)
		if err == nil {
			q.Forget(ev)
			continue
		}
		var re clustererrs.Retryable
		if errors.As(err, &re) && q.NumRequeues(ev) < requeueLimit {
			log.WithError(err).WithField("endpoint", e.Identity).Warn("retrying inbound message")
			q.AddRateLimited(ev)
			continue
		}
		log.WithError(err).WithField("endpoint", e.Identity).Error("dropping inbound message")
		q.Forget(ev)
	}
}

func (m *Manager) process(e *endpoint.Endpoint, ev inboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clustererrs.Wrap(fmt.Errorf("handler panic: %v", r))
		}
	}()
	if ev.req.ID != "" {
		if m.resolvePending(ev.req, e.Identity) {
			return nil
		}
	}
	m.dispatch(e, ev.req)
	return nil
}

// readPump and writePump are each bound to one specific channel value. If
// the endpoint reconnects, e.channel is swapped out from under a still-live
// old pump (its Close hasn't unblocked Recv/Send yet); both pumps check
// that their channel is still the endpoint's current one before acting on
// an error, so a stale pump exits quietly instead of tearing down the new
// connection.
func (m *Manager) readPump(e *endpoint.Endpoint, ch transport.Channel) {
	for {
		req, err := ch.Recv()
		if err != nil {
			if e.Channel() == ch {
				log.WithError(err).WithField("endpoint", e.Identity).Info("connection closed")
				e.Disconnect()
			}
			return
		}
		q := m.ensureQueue(e)
		q.Add(inboundEvent{req: req})
	}
}

func (m *Manager) writePump(e *endpoint.Endpoint, ch transport.Channel) {
	for req := range e.Outbound() {
		if e.Channel() != ch {
			return
		}
		if err := ch.Send(req); err != nil {
			if e.Channel() == ch {
				log.WithError(err).WithField("endpoint", e.Identity).Info("send failed, disconnecting")
				e.Disconnect()
			}
			return
		}
	}
}

// SendUnicast enqueues req for delivery to exactly one endpoint.
func (m *Manager) SendUnicast(identity string, req message.Request) {
	e, ok := m.GetEndpoint(identity)
	if !ok {
		return
	}
	e.Send(req)
}

// SendMulticast enqueues req for delivery to exactly the set of connected,
// non-source endpoints subscribed to req.Method — the routing rule spec.md
// §4.3 gives for SendMulticast(source, request): `{ e : e.connected ∧
// method ∈ e.subscriptions }`, minus source. source may be nil, which
// excludes no endpoint; replication passes nil for a locally originated
// object, while discovery passes the local endpoint.
func (m *Manager) SendMulticast(source *endpoint.Endpoint, req message.Request) {
	for _, e := range m.Endpoints() {
		if source != nil && e.Identity == source.Identity {
			continue
		}
		if !e.Connected() {
			continue
		}
		if !e.HasSubscription(req.Method) {
			continue
		}
		e.Send(req)
	}
}

// SendAPIMessage sends req to identity with a fresh correlation id and
// arranges for handler to be called with the reply, or with ok=false if no
// reply arrives within timeout (0 uses defaultAPITimeout). Mirrors
// original_source's ApiClient::SendMessage. Used by the delegation engine
// for checker::AssignService acknowledgement.
func (m *Manager) SendAPIMessage(identity string, req message.Request, timeout time.Duration, handler ResponseHandler) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	id := strconv.FormatUint(atomic.AddUint64(&m.corr, 1), 10) + "@" + m.LocalIdentity
	req.ID = id
	m.pending.Store(id, &pendingCall{handler: handler, target: identity, expires: time.Now().Add(timeout)})
	m.SendUnicast(identity, req)
}

// resolvePending delivers req to a pending call's handler if req.ID matches
// one, returning true if it did (the message is then consumed, not
// dispatched further).
func (m *Manager) resolvePending(req message.Request, from string) bool {
	v, ok := m.pending.LoadAndDelete(req.ID)
	if !ok {
		return false
	}
	v.(*pendingCall).handler(req, from, true)
	return true
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.sweeper.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.pending.Range(func(key, value any) bool {
		call := value.(*pendingCall)
		if now.After(call.expires) {
			m.pending.Delete(key)
			call.handler(message.Request{}, call.target, false)
		}
		return true
	})
}

// Close stops every listener, the sweep loop, and every endpoint's pumps.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.sweeper.Stop()
		m.mu.RLock()
		listeners := append([]*transport.Listener{}, m.listeners...)
		m.mu.RUnlock()
		for _, l := range listeners {
			l.Close()
		}
		for _, e := range m.Endpoints() {
			e.Stop()
		}
		m.queues.Range(func(_, v any) bool {
			v.(workqueue.TypedRateLimitingInterface[inboundEvent]).ShutDown()
			return true
		})
	})
}
