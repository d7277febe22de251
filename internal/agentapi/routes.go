package agentapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *Handler, apiKey string) {
	sub := r.PathPrefix("/agent/v1").Subrouter()
	sub.Use(APIKeyAuth(apiKey))
	sub.HandleFunc("/devices/{device_id}/next-command", h.NextCommand).Methods(http.MethodGet)
	sub.HandleFunc("/commands/{id:[a-fA-F0-9\\-]{36}}/report", h.Report).Methods(http.MethodPost)
}
