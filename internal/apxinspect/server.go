// Package apxinspect is the read-only HTTP introspection surface over a
// running apxserver.Server: GET /nodes, GET /nodes/{id}/ports, GET /routes,
// and a live connector-change stream at GET /ws (spec.md §4.J/§6, SPEC_FULL
// §2 ambient observability). It never accepts a write: every handler only
// reads apxserver.Server's connection registry and apxroute.Table snapshots.
package apxinspect

import (
	"net/http"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"

	"github.com/sandia-apx/apxd/internal/apxserver"
)

// Server is the HTTP handler for the introspection API. Grounded on
// phenix/web/server.go's mux.Router + negroni-style middleware chain
// (minus phenix's RBAC/JWT layer, since this surface has no mutating
// endpoints to gate).
type Server struct {
	apx    *apxserver.Server
	broker *broker
	mux    http.Handler
}

// New returns an introspection Server wrapping apx. Start its broker before
// serving any requests.
func New(apx *apxserver.Server) *Server {
	s := &Server{
		apx:    apx,
		broker: newBroker(),
	}

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/nodes", s.handleNodes).Methods("GET")
	router.HandleFunc("/nodes/{id}/ports", s.handleNodePorts).Methods("GET")
	router.HandleFunc("/routes", s.handleRoutes).Methods("GET")
	router.HandleFunc("/ws", s.handleWS).Methods("GET")

	n := negroni.New(negroni.NewRecovery(), negroni.NewLogger())
	n.UseHandler(router)
	s.mux = n

	apx.OnChange = func(connID int, kind string, portID, count int) {
		s.Broadcast(ChangeEvent{ConnectionID: connID, Kind: kind, PortID: portID, Count: count})
	}

	return s
}

// Start launches the websocket broadcast hub. Call once before serving.
func (s *Server) Start() {
	go s.broker.run()
}

// Broadcast pushes a connector-change notification to every connected /ws
// client. internal/apxserver's routing callbacks call this after dispatching
// a ChangeTable, so the introspection stream reflects the same events real
// connections receive.
func (s *Server) Broadcast(ev ChangeEvent) {
	s.broker.Broadcast(ev)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
