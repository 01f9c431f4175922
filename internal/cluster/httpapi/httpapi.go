// Package httpapi serves the read-only cluster introspection routes
// pkg/admin mounts under /cluster/ and clusterctl queries: connected
// endpoints, objects held in the store, and current checker assignments.
// Grounded on the teacher's controller/api read-only handlers
// (julienschmidt/httprouter route registration) and on
// pkg/admin.NewRouter, which builds the empty router this package fills
// in. Responses are encoded with clarketm/json, the same JSON
// implementation internal/message and internal/cluster/objectstore use,
// keeping the whole module on one JSON codec.
package httpapi

import (
	"net/http"

	"github.com/clarketm/json"
	"github.com/julienschmidt/httprouter"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
)

// EndpointView is one row of GET /cluster/endpoints.
type EndpointView struct {
	Identity      string   `json:"identity"`
	Local         bool     `json:"local"`
	State         string   `json:"state"`
	Publications  []string `json:"publications"`
	Subscriptions []string `json:"subscriptions"`
}

// ObjectView is one row of GET /cluster/objects.
type ObjectView struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Local  bool   `json:"local"`
}

// AssignmentView is one row of GET /cluster/assignments.
type AssignmentView struct {
	Service string `json:"service"`
	Checker string `json:"checker"`
}

// Register builds the /cluster/* routes onto r (an empty router from
// admin.NewRouter), reading live state from mgr and store. serviceType
// names the object type delegation assigns checkers to.
func Register(r *httprouter.Router, mgr *endpointmgr.Manager, store *objectstore.Store, serviceType, checkerAttr string) {
	r.GET("/cluster/endpoints", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		views := make([]EndpointView, 0, len(mgr.Endpoints()))
		for _, e := range mgr.Endpoints() {
			views = append(views, EndpointView{
				Identity:      e.Identity,
				Local:         e.Local,
				State:         e.State().String(),
				Publications:  e.Publications(),
				Subscriptions: e.Subscriptions(),
			})
		}
		writeJSON(w, views)
	})

	r.GET("/cluster/objects", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		var views []ObjectView
		store.ForEach("", func(obj *objectstore.Object) {
			views = append(views, ObjectView{
				Type:   obj.Key.Type,
				Name:   obj.Key.Name,
				Source: obj.Source,
				Local:  obj.Local,
			})
		})
		writeJSON(w, views)
	})

	r.GET("/cluster/assignments", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		var views []AssignmentView
		store.ForEach(serviceType, func(obj *objectstore.Object) {
			checker, _ := obj.Get(checkerAttr)
			identity, _ := checker.(string)
			if identity == "" {
				return
			}
			views = append(views, AssignmentView{Service: obj.Key.Name, Checker: identity})
		})
		writeJSON(w, views)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
