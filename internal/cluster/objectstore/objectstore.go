// Package objectstore implements the in-memory dynamic-object store:
// typed, named objects with per-attribute provenance and transaction
// boundaries, from which the replication engine builds deltas. Grounded on
// spec.md §3 "Dynamic object" and §4.5, generalizing
// original_source/base/dynamicobject.h's attribute-class model.
package objectstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clarketm/json"
	jsonpatch "github.com/evanphx/json-patch"

	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

// AttributeClass classifies one attribute of a dynamic object, and also
// doubles as a bitmask selecting a subset of classes (BuildUpdate's mask
// argument).
type AttributeClass int

const (
	// Config attributes come from configuration files; they change rarely
	// and are always replicated.
	Config AttributeClass = 1 << iota
	// State attributes hold runtime/check state; they change often.
	State
	// Replicated attributes are produced by this node but must propagate
	// to peers.
	Replicated
	// Local attributes never leave this process.
	Local
)

// WireMask is the attribute-class mask replication puts on the wire: every
// config::ObjectUpdate, whether a full sync or a transaction delta, carries
// Config and Replicated attributes only — State is runtime-local and Local
// never leaves the process (spec.md §4.5).
const WireMask = Config | Replicated

type attribute struct {
	class   AttributeClass
	value   any
	version uint64
}

// Key identifies one dynamic object.
type Key struct {
	Type string
	Name string
}

func (k Key) String() string { return fmt.Sprintf("%s!%s", k.Type, k.Name) }

// Update is the serialisable delta BuildUpdate produces: every attribute
// whose class matched the requested mask and whose version is recent
// enough, keyed by attribute name.
type Update map[string]any

// Object is one dynamic object: a typed, named bag of classified,
// versioned attributes.
type Object struct {
	Key    Key
	Source string // identity that authored this object; "" means self
	Local  bool

	mu         sync.RWMutex
	attrs      map[string]*attribute
	lastTx     uint64
	registered bool
}

func newObject(key Key, source string, local bool) *Object {
	return &Object{Key: key, Source: source, Local: local, attrs: map[string]*attribute{}}
}

// Set assigns value to name under class, stamping it with tx (the
// transaction id the caller is currently inside).
func (o *Object) Set(name string, class AttributeClass, value any, tx uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attrs[name] = &attribute{class: class, value: value, version: tx}
	if tx > o.lastTx {
		o.lastTx = tx
	}
}

// Get returns an attribute's value, regardless of class.
func (o *Object) Get(name string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.attrs[name]
	if !ok {
		return nil, false
	}
	return a.value, true
}

// BuildUpdate produces a delta with every attribute whose class is in mask
// and whose version is ≥ sinceTx. sinceTx=0 yields a full snapshot of the
// masked classes.
func (o *Object) BuildUpdate(sinceTx uint64, mask AttributeClass) Update {
	o.mu.RLock()
	defer o.mu.RUnlock()
	u := make(Update, len(o.attrs))
	for name, a := range o.attrs {
		if a.class&mask == 0 {
			continue
		}
		if a.version < sinceTx {
			continue
		}
		u[name] = a.value
	}
	return u
}

// ApplyUpdate merges u into the object's current Config and Replicated
// attributes as an RFC 7386 JSON merge patch (u supplies the patch: a null
// value deletes the attribute, any other value replaces it wholesale) and
// stamps every attribute named in the result to tx, classified Replicated
// — inbound updates carry no class information of their own on the wire,
// so a remote-sourced object's attributes are by definition replicated
// state (spec.md §4.5).
func (o *Object) ApplyUpdate(u Update, tx uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current := make(map[string]any, len(o.attrs))
	for name, a := range o.attrs {
		if a.class&(Config|Replicated) != 0 {
			current[name] = a.value
		}
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return
	}
	patchJSON, err := json.Marshal(map[string]any(u))
	if err != nil {
		return
	}
	mergedJSON, err := jsonpatch.MergePatch(currentJSON, patchJSON)
	if err != nil {
		return
	}
	var merged map[string]any
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return
	}

	for name := range current {
		if _, ok := merged[name]; !ok {
			delete(o.attrs, name)
		}
	}
	for name, value := range merged {
		o.attrs[name] = &attribute{class: Replicated, value: value, version: tx}
	}
	if tx > o.lastTx {
		o.lastTx = tx
	}
}

// Store is a type-sharded collection of dynamic objects, guarded by one
// reader-writer lock per type (spec.md §5: "the dynamic-object store is
// guarded by one reader-writer lock per type").
type Store struct {
	txCounter uint64

	shardsMu sync.RWMutex
	shards   map[string]*shard

	hooksMu           sync.RWMutex
	registeredHooks   []ObjectHook
	unregisteredHooks []ObjectHook
	txHooks           []TransactionHook
}

type shard struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// ObjectHook runs when an object is registered or unregistered.
type ObjectHook func(obj *Object)

// TransactionHook runs after a transaction's mutations are committed,
// naming the transaction id and the keys touched during it.
type TransactionHook func(tx uint64, modified []Key)

// New constructs an empty store.
func New() *Store {
	return &Store{shards: map[string]*shard{}}
}

// OnObjectRegistered registers fn to run whenever a new non-local object is
// created via Register. Used by the replication engine to multicast a
// config::ObjectUpdate for each newly created object (spec.md §4.5).
func (s *Store) OnObjectRegistered(fn ObjectHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.registeredHooks = append(s.registeredHooks, fn)
}

// OnObjectUnregistered registers fn to run whenever a non-local object is
// removed via Unregister. Used by the replication engine to multicast a
// config::ObjectRemoved.
func (s *Store) OnObjectUnregistered(fn ObjectHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.unregisteredHooks = append(s.unregisteredHooks, fn)
}

// OnTransactionClosing registers fn to run whenever CloseTransaction commits
// a batch of mutations. Used by the replication engine to multicast a
// config::ObjectUpdate for each modified non-local object.
func (s *Store) OnTransactionClosing(fn TransactionHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.txHooks = append(s.txHooks, fn)
}

// CloseTransaction marks tx as committed, having touched the given keys, and
// fires every registered TransactionHook. Callers batch their Set calls under
// a single tx id (from NextTx) and call CloseTransaction once the batch is
// complete.
func (s *Store) CloseTransaction(tx uint64, modified []Key) {
	s.hooksMu.RLock()
	hooks := make([]TransactionHook, len(s.txHooks))
	copy(hooks, s.txHooks)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(tx, modified)
	}
}

func (s *Store) fireObjectHooks(hooks []ObjectHook, obj *Object) {
	for _, h := range hooks {
		h(obj)
	}
}

func (s *Store) shardFor(typ string) *shard {
	s.shardsMu.RLock()
	sh, ok := s.shards[typ]
	s.shardsMu.RUnlock()
	if ok {
		return sh
	}
	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	if sh, ok := s.shards[typ]; ok {
		return sh
	}
	sh = &shard{objects: map[string]*Object{}}
	s.shards[typ] = sh
	return sh
}

// NextTx allocates a fresh transaction id.
func (s *Store) NextTx() uint64 {
	return atomic.AddUint64(&s.txCounter, 1)
}

// Register creates and returns a new object, or returns the existing one
// if key is already present (idempotent, matching config::ObjectUpdate's
// "create if it doesn't exist" rule). initial, if non-nil, is applied to the
// object before the registered hooks fire, so a relay built from the new
// object (e.g. replication's onObjectRegistered, which calls BuildUpdate)
// already sees its real attributes rather than an empty bag — mirrors
// original_source/components/replication/replicationcomponent.cpp's
// RemoteObjectUpdateHandler, which populates the object via
// dtype->CreateObject(update) before Register fires its signal.
func (s *Store) Register(key Key, source string, local bool, initial Update) (obj *Object, created bool) {
	sh := s.shardFor(key.Type)
	sh.mu.Lock()
	if existing, ok := sh.objects[key.Name]; ok {
		sh.mu.Unlock()
		return existing, false
	}
	obj = newObject(key, source, local)
	obj.registered = true
	sh.objects[key.Name] = obj
	sh.mu.Unlock()
	metrics.ObjectsByType.WithLabelValues(key.Type).Inc()

	if initial != nil {
		obj.ApplyUpdate(initial, s.NextTx())
	}

	if !local {
		s.hooksMu.RLock()
		hooks := make([]ObjectHook, len(s.registeredHooks))
		copy(hooks, s.registeredHooks)
		s.hooksMu.RUnlock()
		s.fireObjectHooks(hooks, obj)
	}
	return obj, true
}

// Get looks up an object without creating it.
func (s *Store) Get(key Key) (*Object, bool) {
	sh := s.shardFor(key.Type)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	obj, ok := sh.objects[key.Name]
	return obj, ok
}

// Unregister removes key from the store, returning false if it wasn't
// present.
func (s *Store) Unregister(key Key) bool {
	sh := s.shardFor(key.Type)
	sh.mu.Lock()
	obj, ok := sh.objects[key.Name]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(sh.objects, key.Name)
	sh.mu.Unlock()
	metrics.ObjectsByType.WithLabelValues(key.Type).Dec()

	if !obj.Local {
		s.hooksMu.RLock()
		hooks := make([]ObjectHook, len(s.unregisteredHooks))
		copy(hooks, s.unregisteredHooks)
		s.hooksMu.RUnlock()
		s.fireObjectHooks(hooks, obj)
	}
	return true
}

// ForEach calls fn for every object of the given type. Passing "" iterates
// every type.
func (s *Store) ForEach(typ string, fn func(*Object)) {
	s.shardsMu.RLock()
	var shards []*shard
	if typ == "" {
		shards = make([]*shard, 0, len(s.shards))
		for _, sh := range s.shards {
			shards = append(shards, sh)
		}
	} else if sh, ok := s.shards[typ]; ok {
		shards = []*shard{sh}
	}
	s.shardsMu.RUnlock()

	for _, sh := range shards {
		sh.mu.RLock()
		objs := make([]*Object, 0, len(sh.objects))
		for _, o := range sh.objects {
			objs = append(objs, o)
		}
		sh.mu.RUnlock()
		for _, o := range objs {
			fn(o)
		}
	}
}

// Count returns the number of objects of the given type ("" for every
// type).
func (s *Store) Count(typ string) int {
	n := 0
	s.ForEach(typ, func(*Object) { n++ })
	return n
}
