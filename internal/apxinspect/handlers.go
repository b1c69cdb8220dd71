package apxinspect

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.apx.Connections())
}

func (s *Server) handleNodePorts(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}

	snap, ok := s.apx.Connection(id)
	if !ok {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}

	writeJSON(w, snap.Ports)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.apx.Routes().Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	serveWS(s.broker, w, r)
}
