package delegation

import (
	"testing"

	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
)

func newTestService(t *testing.T, store *objectstore.Store, name, checker string) *objectstore.Object {
	t.Helper()
	obj, _ := store.Register(objectstore.Key{Type: ServiceType, Name: name}, "", true, nil)
	tx := store.NextTx()
	obj.Set(attrChecker, objectstore.State, checker, tx)
	store.CloseTransaction(tx, []objectstore.Key{obj.Key})
	return obj
}

func TestAssignServiceResponseClearsOnMatchingTimeout(t *testing.T) {
	store := objectstore.New()
	svc := newTestService(t, store, "web", "satellite1")
	e := &Engine{store: store}

	e.assignServiceResponse(svc, "satellite1", false)

	if got := checkerOf(svc); got != "" {
		t.Errorf("expected checker cleared after matching timeout, got %q", got)
	}
}

func TestAssignServiceResponseIgnoresStaleSender(t *testing.T) {
	store := objectstore.New()
	svc := newTestService(t, store, "web", "satellite2")
	e := &Engine{store: store}

	// A reply (or timeout) from satellite1 arrives after the service was
	// already reassigned to satellite2 by a later tick; it must not
	// clobber the current assignment.
	e.assignServiceResponse(svc, "satellite1", false)

	if got := checkerOf(svc); got != "satellite2" {
		t.Errorf("expected assignment to satellite2 to survive a stale sender's timeout, got %q", got)
	}
}

func TestAssignServiceResponseIgnoresSuccessfulAck(t *testing.T) {
	store := objectstore.New()
	svc := newTestService(t, store, "web", "satellite1")
	e := &Engine{store: store}

	e.assignServiceResponse(svc, "satellite1", true)

	if got := checkerOf(svc); got != "satellite1" {
		t.Errorf("expected assignment to remain after a successful ack, got %q", got)
	}
}

func TestContains(t *testing.T) {
	if !contains([]string{"a", "b"}, "b") {
		t.Error("expected contains to find present element")
	}
	if contains([]string{"a", "b"}, "c") {
		t.Error("expected contains to reject absent element")
	}
}
