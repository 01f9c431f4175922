package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/clarketm/json"
	"github.com/julienschmidt/httprouter"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
	"github.com/Icinga/icinga2-sub010/internal/transport"
)

func TestAssignmentsRouteReadsCheckerAttribute(t *testing.T) {
	mgr := endpointmgr.New("master1", transport.Dialer{})
	store := objectstore.New()
	obj, _ := store.Register(objectstore.Key{Type: "Service", Name: "web"}, "", true, nil)
	obj.Set("checker", objectstore.State, "satellite1", store.NextTx())

	r := httprouter.New()
	Register(r, mgr, store, "Service", "checker")

	req := httptest.NewRequest("GET", "/cluster/assignments", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var views []AssignmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 || views[0].Service != "web" || views[0].Checker != "satellite1" {
		t.Errorf("unexpected assignments: %+v", views)
	}
}

func TestAssignmentsRouteOmitsServicesWithNoChecker(t *testing.T) {
	mgr := endpointmgr.New("master1", transport.Dialer{})
	store := objectstore.New()
	store.Register(objectstore.Key{Type: "Service", Name: "idle"}, "", true, nil)

	r := httprouter.New()
	Register(r, mgr, store, "Service", "checker")

	req := httptest.NewRequest("GET", "/cluster/assignments", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var views []AssignmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("expected no assignments for a service with no checker, got %+v", views)
	}
}

func TestEndpointsRouteListsLocalEndpoint(t *testing.T) {
	mgr := endpointmgr.New("master1", transport.Dialer{})
	mgr.Local()
	store := objectstore.New()

	r := httprouter.New()
	Register(r, mgr, store, "Service", "checker")

	req := httptest.NewRequest("GET", "/cluster/endpoints", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var views []EndpointView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 || views[0].Identity != "master1" || !views[0].Local {
		t.Errorf("unexpected endpoints: %+v", views)
	}
}
