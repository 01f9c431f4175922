// Package discovery implements the gossip protocol that lets cluster
// members learn each other's identity, address, and declared publications/
// subscriptions, and runs the welcome handshake that promotes a connection
// from Handshaking to Established. Grounded on
// original_source/components/discovery/discoverycomponent.cpp.
package discovery

import (
	"context"
	"time"

	"github.com/gobwas/glob"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpoint"
	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/timer"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

// Discovery protocol methods.
const (
	MethodRegisterComponent = "discovery::RegisterComponent"
	MethodNewComponent      = "discovery::NewComponent"
	MethodWelcome           = "discovery::Welcome"
)

const (
	reconnectInterval = 30 * time.Second
	reconnectJitter   = 5 * time.Second
	registrationTTL   = 5 * time.Minute
)

// ConfiguredAddress is the (node, service) pair an operator has statically
// assigned to an upstream endpoint; explicitly configured endpoints are
// reconnected by identity rather than relying on gossip alone.
type ConfiguredAddress struct {
	Node    string
	Service string
}

// Config supplies discovery with the statically configured endpoints and
// role-based message permissions it needs but does not own.
type Config interface {
	// ConfiguredEndpoints returns every explicitly configured upstream
	// endpoint, keyed by identity.
	ConfiguredEndpoints() map[string]ConfiguredAddress
	// Roles returns the role names assigned to identity.
	Roles(identity string) []string
	// Permissions returns the glob patterns a role grants for kind
	// ("publications" or "subscriptions").
	Permissions(role, kind string) []string
}

type componentInfo struct {
	node          string
	service       string
	publications  map[string]struct{}
	subscriptions map[string]struct{}
}

// Engine runs the discovery protocol.
type Engine struct {
	mgr   *endpointmgr.Manager
	cfg   Config
	local *endpoint.Endpoint

	registry *gocache.Cache

	ticker *timer.Ticker
	stopCh chan struct{}
}

// Start wires discovery's handlers into mgr, registers its own endpoint,
// and begins the periodic reconnect/expiry sweep using the built-in
// defaults for registration TTL and reconnect interval.
func Start(mgr *endpointmgr.Manager, cfg Config) *Engine {
	return StartWithIntervals(mgr, cfg, registrationTTL, reconnectInterval)
}

// StartWithIntervals is Start with the registration TTL and reconnect
// interval overridden, typically from operator configuration
// (internal/config.Config's RegistrationTTL/DiscoveryInterval).
func StartWithIntervals(mgr *endpointmgr.Manager, cfg Config, ttl, reconnect time.Duration) *Engine {
	e := &Engine{
		mgr:      mgr,
		cfg:      cfg,
		registry: gocache.New(ttl, ttl/2),
		stopCh:   make(chan struct{}),
	}

	e.local = mgr.Local()
	e.local.RegisterPublication(MethodRegisterComponent)
	e.local.RegisterPublication(MethodNewComponent)

	mgr.RegisterHandler(MethodRegisterComponent, e.registerComponentHandler)
	mgr.RegisterHandler(MethodNewComponent, e.newComponentHandler)
	mgr.RegisterHandler(MethodWelcome, e.welcomeHandler)

	for _, ep := range mgr.Endpoints() {
		if !ep.Local {
			e.onEndpointConnected(ep)
		}
	}
	mgr.OnEndpointConnected(e.onEndpointConnected)

	e.ticker = timer.NewTicker(reconnect, reconnectJitter)
	go e.loop()
	go e.tick(context.Background()) // run once immediately, don't wait for the first tick

	return e
}

// Stop halts the reconnect ticker.
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
			e.tick(context.Background())
		}
	}
}

// onEndpointConnected runs the handshake kickoff for a non-local endpoint
// each time a channel is bound to it (first contact or reconnect).
// Mirrors NewEndpointHandler. Loopback and duplicate-identity connections
// never reach here — endpointmgr rejects/reconciles those itself.
func (e *Engine) onEndpointConnected(ep *endpoint.Endpoint) {
	ep.RegisterPublication(MethodRegisterComponent)
	ep.RegisterPublication(MethodWelcome)

	// we assume the other component always wants RegisterComponent from us
	ep.RegisterSubscription(MethodRegisterComponent)
	e.sendDiscoveryMessage(MethodRegisterComponent, e.mgr.LocalIdentity, ep)

	// we assume the other component always wants NewComponent from us
	ep.RegisterSubscription(MethodNewComponent)
	e.sendDiscoveryMessage(MethodNewComponent, e.mgr.LocalIdentity, ep)

	for identity := range e.registry.Items() {
		e.sendDiscoveryMessage(MethodNewComponent, identity, ep)
	}

	info, ok := e.registry.Get(ep.Identity)
	if !ok {
		// we don't know the other component yet; wait for a
		// discovery::NewComponent message about it from a broker.
		return
	}
	ci := info.(*componentInfo)
	for pub := range ci.publications {
		ep.RegisterPublication(pub)
	}
	for sub := range ci.subscriptions {
		ep.RegisterSubscription(sub)
	}
	e.finishHandshake(ep)
}

// welcomeHandler processes an inbound discovery::Welcome.
func (e *Engine) welcomeHandler(sender *endpoint.Endpoint, _ message.Request) {
	if sender.HasReceivedWelcome() {
		return
	}
	sender.SetWelcomeReceived()
}

// finishHandshake sends our own discovery::Welcome, if we haven't already.
func (e *Engine) finishHandshake(ep *endpoint.Endpoint) {
	if ep.HasSentWelcome() {
		return
	}
	ep.RegisterSubscription(MethodWelcome)
	ep.Send(message.NewRequest(MethodWelcome))
	ep.SetWelcomeSent()
}

// info returns the (address, subscriptions, publications) describing
// identity. For the local identity this is computed on the fly from every
// endpoint's declared subscriptions/publications (there's no registry
// entry for ourselves); for everyone else it comes from the registry.
func (e *Engine) info(identity string) (addr ConfiguredAddress, subs, pubs map[string]struct{}, ok bool) {
	if identity == e.mgr.LocalIdentity {
		subs = map[string]struct{}{}
		pubs = map[string]struct{}{}
		for _, ep := range e.mgr.Endpoints() {
			for _, s := range ep.Subscriptions() {
				subs[s] = struct{}{}
			}
			for _, p := range ep.Publications() {
				pubs[p] = struct{}{}
			}
		}
		return ConfiguredAddress{}, subs, pubs, true
	}
	v, found := e.registry.Get(identity)
	if !found {
		return ConfiguredAddress{}, nil, nil, false
	}
	ci := v.(*componentInfo)
	return ConfiguredAddress{Node: ci.node, Service: ci.service}, ci.subscriptions, ci.publications, true
}

// sendDiscoveryMessage sends a RegisterComponent or NewComponent message
// describing identity, either to recipient (unicast) or to every connected
// endpoint (multicast, when recipient is nil).
func (e *Engine) sendDiscoveryMessage(method, identity string, recipient *endpoint.Endpoint) {
	addr, subs, pubs, ok := e.info(identity)
	if !ok {
		return
	}
	req := message.NewRequest(method)
	req.Set("identity", identity)
	if addr.Node != "" && addr.Service != "" {
		req.Set("node", addr.Node)
		req.Set("service", addr.Service)
	}
	req.Set("subscriptions", setKeys(subs))
	req.Set("publications", setKeys(pubs))

	if recipient != nil {
		recipient.Send(req)
		return
	}
	e.mgr.SendMulticast(e.local, req)
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// registerComponentHandler processes a discovery::RegisterComponent
// message, which arrived directly from its subject and so is untrusted:
// every publication/subscription it claims is checked against the
// sender's configured role permissions.
func (e *Engine) registerComponentHandler(sender *endpoint.Endpoint, req message.Request) {
	identity := req.GetString("identity")
	if identity == "" {
		identity = sender.Identity
	}
	e.processDiscoveryMessage(identity, req, false)
}

// newComponentHandler processes a discovery::NewComponent message. These
// only ever arrive relayed by a trusted broker endpoint, so every claimed
// publication/subscription is admitted unconditionally.
func (e *Engine) newComponentHandler(_ *endpoint.Endpoint, req message.Request) {
	identity := req.GetString("identity")
	if identity == "" {
		return
	}
	e.processDiscoveryMessage(identity, req, true)
}

func (e *Engine) processDiscoveryMessage(identity string, req message.Request, trusted bool) {
	if identity == e.mgr.LocalIdentity {
		return
	}

	ci := &componentInfo{
		node:          req.GetString("node"),
		service:       req.GetString("service"),
		publications:  map[string]struct{}{},
		subscriptions: map[string]struct{}{},
	}

	ep, epKnown := e.mgr.GetEndpoint(identity)

	for _, pub := range req.GetStringSlice("publications") {
		if trusted || e.hasPermission(identity, "publications", pub) {
			ci.publications[pub] = struct{}{}
			if epKnown {
				ep.RegisterPublication(pub)
			}
		}
	}
	for _, sub := range req.GetStringSlice("subscriptions") {
		if trusted || e.hasPermission(identity, "subscriptions", sub) {
			ci.subscriptions[sub] = struct{}{}
			if epKnown {
				ep.RegisterSubscription(sub)
			}
		}
	}

	e.registry.Set(identity, ci, e.registryExpiration(identity))
	metrics.RegistrySize.Set(float64(e.registry.ItemCount()))

	e.sendDiscoveryMessage(MethodNewComponent, identity, nil)

	// don't send a welcome message in response to a relayed NewComponent
	if epKnown && !trusted {
		e.finishHandshake(ep)
	}
}

// registryExpiration returns NoExpiration for an explicitly configured
// endpoint's registry entry — it must never be evicted by the janitor,
// since it's the only record of that peer's declared
// publications/subscriptions until the next gossip message refreshes it —
// and the package default otherwise.
func (e *Engine) registryExpiration(identity string) time.Duration {
	if _, configured := e.cfg.ConfiguredEndpoints()[identity]; configured {
		return gocache.NoExpiration
	}
	return gocache.DefaultExpiration
}

func (e *Engine) hasPermission(identity, kind, msg string) bool {
	for _, role := range e.cfg.Roles(identity) {
		for _, pattern := range e.cfg.Permissions(role, kind) {
			g, err := glob.Compile(pattern, ':')
			if err != nil {
				log.WithError(err).WithField("pattern", pattern).Warn("invalid role permission glob")
				continue
			}
			if g.Match(msg) {
				return true
			}
		}
	}
	return false
}

// tick runs one reconnect sweep: dial every configured endpoint we're not
// connected to, refresh the registry entries of configured and connected
// peers, and redial disconnected peers with a learned address. Registry
// entries whose TTL has elapsed are removed by go-cache's janitor, not here.
func (e *Engine) tick(ctx context.Context) {
	configured := e.cfg.ConfiguredEndpoints()
	for identity, addr := range configured {
		if ep, ok := e.mgr.GetEndpoint(identity); ok && ep.Connected() {
			continue
		}
		e.reconnect(ctx, identity, addr.Node, addr.Service)
	}

	for identity, item := range e.registry.Items() {
		if identity == e.mgr.LocalIdentity {
			continue
		}
		ci := item.Object.(*componentInfo)

		if _, isConfigured := configured[identity]; isConfigured {
			// explicitly configured endpoints are reconnected above, by
			// their config-file address rather than a learned one — but
			// the registry entry is re-set with NoExpiration on every tick,
			// since an entry first stored with the default TTL (e.g. before
			// this identity was configured) would otherwise be expired by
			// go-cache's janitor, and a reconnect never calls
			// processDiscoveryMessage on its own.
			e.registry.Set(identity, ci, gocache.NoExpiration)
			continue
		}

		ep, ok := e.mgr.GetEndpoint(identity)
		if ok && ep.Connected() {
			e.registry.Set(identity, ci, gocache.DefaultExpiration)
			e.sendDiscoveryMessage(MethodNewComponent, identity, nil)
			continue
		}

		if ci.node != "" && ci.service != "" {
			e.reconnect(ctx, identity, ci.node, ci.service)
		}
	}
}

func (e *Engine) reconnect(ctx context.Context, identity, node, service string) {
	addr := node + ":" + service
	if err := e.mgr.Connect(ctx, identity, addr); err != nil {
		log.WithError(err).WithField("endpoint", identity).Info("reconnect attempt failed")
	}
}
