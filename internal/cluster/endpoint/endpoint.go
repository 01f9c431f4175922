// Package endpoint implements one cluster member: its connection state
// machine, declared publications/subscriptions, and its outbound queue.
// Message routing itself is the manager's concern (see endpointmgr's
// global method-name dispatch table); this package only tracks what one
// member is and whether it's reachable. Grounded on
// original_source/icinga/icingacomponent.h and jsonrpc/connectionmanager.h,
// and on the teacher's per-endpoint mutex pattern in
// controller/destination/endpoints_watcher.go (serviceLister /
// endpointLister behind one sync.RWMutex per watcher).
package endpoint

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
	"github.com/Icinga/icinga2-sub010/internal/transport"
)

// State is a position in the connection lifecycle of §4.2.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Established
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Address is the (node, service) pair used to reconnect to a non-local
// endpoint whose address is known (either explicitly configured, or learned
// via discovery gossip).
type Address struct {
	Node    string
	Service string
}

// SessionHook fires once, after the Disconnected→Established transition.
type SessionHook func(e *Endpoint)

const outboundQueueSize = 256

// Endpoint represents one member of the mesh, local or remote.
type Endpoint struct {
	Identity string
	Local    bool

	mu              sync.RWMutex
	state           State
	publications    map[string]struct{}
	subscriptions   map[string]struct{}
	welcomeSent     bool
	welcomeReceived bool
	address         *Address
	channel         transport.Channel
	localDispatch   func(message.Request)
	sessionHooks    []SessionHook
	outbound        chan message.Request
	stopped         bool
}

// New creates a disconnected endpoint. Local endpoints have no channel;
// endpointmgr.Manager.Local registers one with Local=true and calls
// MarkEstablished immediately.
func New(identity string, local bool) *Endpoint {
	return &Endpoint{
		Identity:      identity,
		Local:         local,
		state:         Disconnected,
		publications:  map[string]struct{}{},
		subscriptions: map[string]struct{}{},
		outbound:      make(chan message.Request, outboundQueueSize),
	}
}

// RegisterPublication idempotently adds method to the set this endpoint
// claims to produce.
func (e *Endpoint) RegisterPublication(method string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publications[method] = struct{}{}
}

// RegisterSubscription idempotently adds method to the set this endpoint
// wants delivered.
func (e *Endpoint) RegisterSubscription(method string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions[method] = struct{}{}
}

// HasSubscription reports whether method is in this endpoint's subscription
// set; used by routing and by the delegation engine to enumerate eligible
// checkers.
func (e *Endpoint) HasSubscription(method string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.subscriptions[method]
	return ok
}

// HasPublication reports whether method is in this endpoint's publication
// set.
func (e *Endpoint) HasPublication(method string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.publications[method]
	return ok
}

// Publications returns a snapshot of the publication set.
func (e *Endpoint) Publications() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.publications))
	for m := range e.publications {
		out = append(out, m)
	}
	return out
}

// Subscriptions returns a snapshot of the subscription set.
func (e *Endpoint) Subscriptions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.subscriptions))
	for m := range e.subscriptions {
		out = append(out, m)
	}
	return out
}

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Connected reports whether the endpoint is in the Established state.
func (e *Endpoint) Connected() bool {
	return e.State() == Established
}

// hasChannel reports whether a transport channel is currently attached,
// regardless of whether the discovery handshake has finished. Handshake
// messages (RegisterComponent, NewComponent, Welcome) must flow during
// Handshaking, before the endpoint is Established.
func (e *Endpoint) hasChannel() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channel != nil
}

// Address returns the (node, service) reconnect address, or nil if unknown.
func (e *Endpoint) Address() *Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.address
}

// SetAddress records the (node, service) address used to reconnect.
func (e *Endpoint) SetAddress(a Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.address = &a
}

// SetChannel attaches the transport channel backing a non-local endpoint
// and moves it to Handshaking.
func (e *Endpoint) SetChannel(ch transport.Channel) {
	e.mu.Lock()
	e.channel = ch
	e.state = Handshaking
	e.mu.Unlock()
}

// SetConnecting transitions a non-local endpoint to Connecting, ahead of a
// dial attempt.
func (e *Endpoint) SetConnecting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Connecting
}

// SetWelcomeSent records that this process has sent discovery::Welcome to
// the peer, and transitions to Established if both welcome flags are now
// set.
func (e *Endpoint) SetWelcomeSent() {
	e.mu.Lock()
	e.welcomeSent = true
	reached := e.maybeEstablish()
	e.mu.Unlock()
	if reached {
		metrics.ConnectedEndpoints.WithLabelValues(e.Identity).Set(1)
		e.fireSessionHooks()
	}
}

// SetWelcomeReceived records that discovery::Welcome arrived from the peer,
// and transitions to Established if both welcome flags are now set.
func (e *Endpoint) SetWelcomeReceived() {
	e.mu.Lock()
	e.welcomeReceived = true
	reached := e.maybeEstablish()
	e.mu.Unlock()
	if reached {
		metrics.ConnectedEndpoints.WithLabelValues(e.Identity).Set(1)
		e.fireSessionHooks()
	}
}

// HasSentWelcome reports whether discovery::Welcome has been sent.
func (e *Endpoint) HasSentWelcome() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.welcomeSent
}

// HasReceivedWelcome reports whether discovery::Welcome has been received.
func (e *Endpoint) HasReceivedWelcome() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.welcomeReceived
}

// maybeEstablish moves state to Established if both welcome flags are set
// and it isn't already. Caller must hold e.mu. Returns true the moment
// Established is newly reached.
func (e *Endpoint) maybeEstablish() bool {
	if e.state == Established {
		return false
	}
	if e.welcomeSent && e.welcomeReceived {
		e.state = Established
		return true
	}
	return false
}

// MarkEstablished is used for local endpoints, which skip the handshake
// entirely and fire their session hooks synchronously at registration.
func (e *Endpoint) MarkEstablished() {
	e.mu.Lock()
	e.state = Established
	e.welcomeSent = true
	e.welcomeReceived = true
	e.mu.Unlock()
	metrics.ConnectedEndpoints.WithLabelValues(e.Identity).Set(1)
	e.fireSessionHooks()
}

// Disconnect moves the endpoint back to Disconnected, clearing welcome
// flags and the channel, without unregistering it from the manager. A
// reconnect is scheduled by the discovery engine only when an address is
// known.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	e.state = Disconnected
	e.welcomeSent = false
	e.welcomeReceived = false
	ch := e.channel
	e.channel = nil
	e.mu.Unlock()
	metrics.ConnectedEndpoints.WithLabelValues(e.Identity).Set(0)
	if ch != nil {
		ch.Close()
	}
}

// OnSessionEstablished registers fn to run every time the endpoint reaches
// Established, including again after a disconnect and re-establish. fn
// does not run at registration if the endpoint is already Established.
func (e *Endpoint) OnSessionEstablished(fn SessionHook) {
	e.mu.Lock()
	e.sessionHooks = append(e.sessionHooks, fn)
	e.mu.Unlock()
}

func (e *Endpoint) fireSessionHooks() {
	e.mu.RLock()
	hooks := make([]SessionHook, len(e.sessionHooks))
	copy(hooks, e.sessionHooks)
	e.mu.RUnlock()
	for _, h := range hooks {
		h(e)
	}
}

// SetLocalDispatch wires the manager's global method-name dispatch table
// into a local endpoint, so that Send on the local endpoint routes a
// message straight into local handlers the same way an inbound network
// message would, without a round trip through the transport.
func (e *Endpoint) SetLocalDispatch(fn func(message.Request)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localDispatch = fn
}

// Send enqueues req for delivery. Fire-and-forget: a disconnected endpoint
// silently drops the message; a connected endpoint whose outbound queue is
// full drops the oldest queued message with a warning (spec.md §5
// backpressure) rather than blocking the caller.
func (e *Endpoint) Send(req message.Request) {
	if e.Local {
		e.mu.RLock()
		fn := e.localDispatch
		e.mu.RUnlock()
		if fn != nil {
			fn(req)
		}
		return
	}
	if !e.hasChannel() {
		return
	}
	for {
		select {
		case e.outbound <- req:
			return
		default:
		}
		select {
		case <-e.outbound:
			metrics.OutboundDropped.WithLabelValues(e.Identity).Inc()
			log.WithFields(log.Fields{"endpoint": e.Identity, "method": req.Method}).
				Warn("outbound queue full, dropping oldest message")
		default:
		}
	}
}

// Outbound returns the channel the writer goroutine drains.
func (e *Endpoint) Outbound() <-chan message.Request {
	return e.outbound
}

// Channel returns the current transport channel, or nil if disconnected.
func (e *Endpoint) Channel() transport.Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channel
}

// Stop permanently tears down a local representation of this endpoint:
// closes its channel and marks it unusable for further sends.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	e.stopped = true
	ch := e.channel
	e.channel = nil
	e.state = Disconnected
	e.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Stopped reports whether Stop has been called.
func (e *Endpoint) Stopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// ConnectBackoff is a fixed 30s reconnect period. Discovery's reconnect
// timer does not read it; it uses its own interval (30s by default, plus
// up to 5s of jitter).
const ConnectBackoff = 30 * time.Second
