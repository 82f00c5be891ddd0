package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newRouter(h *Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/gateway", gatewayHandler(h))
	r.HandleFunc("/api/users/{id:[0-9]+}", userHandler(h)).Methods("GET")
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// userHandler serves the public key directory. Tokens are never included.
func userHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "Invalid user id", http.StatusBadRequest)
			return
		}
		user, err := h.LookupUser(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Errorf("user lookup failed: %v", err)
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(user)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}
