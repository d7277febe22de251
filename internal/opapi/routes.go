package opapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *Handler) {
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.HandleFunc("/commands", h.Submit).Methods(http.MethodPost)
	sub.HandleFunc("/commands", h.History).Methods(http.MethodGet)
	sub.HandleFunc("/commands/{id:[a-fA-F0-9\\-]{36}}", h.GetCommand).Methods(http.MethodGet)
	sub.HandleFunc("/commands/{id:[a-fA-F0-9\\-]{36}}/cancel", h.Cancel).Methods(http.MethodPost)
	sub.HandleFunc("/devices", h.Devices).Methods(http.MethodGet)
}
