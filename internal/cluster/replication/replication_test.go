package replication

import (
	"testing"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/transport"
	"github.com/Icinga/icinga2-sub010/testutil"
)

func newTestEngine(identity string) (*Engine, *endpointmgr.Manager, *objectstore.Store) {
	mgr := endpointmgr.New(identity, transport.Dialer{})
	store := objectstore.New()
	return Start(mgr, store), mgr, store
}

func TestObjectUpdateHandlerRegistersUnknownObjectFromPeer(t *testing.T) {
	e, _, store := newTestEngine("master1")

	req := message.NewRequest(MethodObjectUpdate)
	req.Set("name", "web")
	req.Set("type", "Service")
	req.Set("source", "satellite1")
	req.Set("update", map[string]any{"check_interval": float64(60)})

	e.objectUpdateHandler(nil, req)

	obj, ok := store.Get(objectstore.Key{Type: "Service", Name: "web"})
	if !ok {
		t.Fatal("expected object to be registered")
	}
	if obj.Source != "satellite1" {
		t.Errorf("expected Source %q, got %q", "satellite1", obj.Source)
	}
	if v, _ := obj.Get("check_interval"); v != float64(60) {
		t.Errorf("expected check_interval 60, got %v", v)
	}
}

func TestObjectUpdateHandlerBouncesBackOwnDeletedObject(t *testing.T) {
	e, _, store := newTestEngine("master1")

	req := message.NewRequest(MethodObjectUpdate)
	req.Set("name", "web")
	req.Set("type", "Service")
	req.Set("source", "master1") // the local identity: an object we once owned
	req.Set("update", map[string]any{"check_interval": float64(60)})

	e.objectUpdateHandler(nil, req)

	if _, ok := store.Get(objectstore.Key{Type: "Service", Name: "web"}); ok {
		t.Error("expected a bounced-back own object not to be re-registered")
	}
}

func TestObjectUpdateHandlerDropsUpdateForLocalObject(t *testing.T) {
	e, _, store := newTestEngine("master1")
	store.Register(objectstore.Key{Type: "Service", Name: "web"}, "", true, nil)

	req := message.NewRequest(MethodObjectUpdate)
	req.Set("name", "web")
	req.Set("type", "Service")
	req.Set("source", "satellite1")
	req.Set("update", map[string]any{"check_interval": float64(60)})

	e.objectUpdateHandler(nil, req)

	obj, _ := store.Get(objectstore.Key{Type: "Service", Name: "web"})
	if _, ok := obj.Get("check_interval"); ok {
		t.Error("expected a local object to ignore an inbound replicated update")
	}
}

func TestObjectRemovedHandlerUnregistersKnownNonLocalObject(t *testing.T) {
	e, _, store := newTestEngine("master1")
	store.Register(objectstore.Key{Type: "Service", Name: "web"}, "satellite1", false, nil)

	req := message.NewRequest(MethodObjectRemoved)
	req.Set("name", "web")
	req.Set("type", "Service")

	e.objectRemovedHandler(nil, req)

	if _, ok := store.Get(objectstore.Key{Type: "Service", Name: "web"}); ok {
		t.Error("expected object to be unregistered")
	}
}

func TestObjectUpdateHandlerRelaysFullAttributesToThirdPeer(t *testing.T) {
	e, mgr, _ := newTestEngine("master1")

	third := mgr.RegisterEndpoint("satellite2", false)
	third.RegisterSubscription(MethodObjectUpdate)
	third.SetChannel(testutil.NewFakeChannel("satellite2"))
	third.SetWelcomeSent()
	third.SetWelcomeReceived()

	req := message.NewRequest(MethodObjectUpdate)
	req.Set("name", "web")
	req.Set("type", "Service")
	req.Set("source", "satellite1")
	req.Set("update", map[string]any{"check_interval": float64(60)})

	e.objectUpdateHandler(nil, req)

	select {
	case relayed := <-third.Outbound():
		update := relayed.GetMap("update")
		if len(update) == 0 {
			t.Fatal("expected the relayed update to carry the object's attributes, got an empty map")
		}
		if update["check_interval"] != float64(60) {
			t.Errorf("expected check_interval 60 in the relay, got %v", update["check_interval"])
		}
	default:
		t.Fatal("expected a relayed config::ObjectUpdate for the third peer")
	}
}

func TestWireSourceSubstitutesLocalIdentityForEmptySource(t *testing.T) {
	e, _, _ := newTestEngine("master1")
	if got := e.wireSource(""); got != "master1" {
		t.Errorf("expected local identity substituted for empty source, got %q", got)
	}
	if got := e.wireSource("satellite1"); got != "satellite1" {
		t.Errorf("expected explicit source to pass through unchanged, got %q", got)
	}
}
