package agentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"relay/internal/dispatch"
	"relay/internal/logs"
	"relay/internal/models"
)

// Handler — сторона агента шлюза: забрать следующую команду, отдать результат.
// Сервер никогда не ходит к устройству сам — только отвечает на опросы.
type Handler struct {
	svc *dispatch.Service
}

func New(svc *dispatch.Service) *Handler { return &Handler{svc: svc} }

// GET /agent/v1/devices/{device_id}/next-command
// 200 + команда (уже running) либо 204, если делать нечего.
func (h *Handler) NextCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	cmd, err := h.svc.PollNext(r.Context(), deviceID)
	if err != nil {
		writeAgentError(w, r, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	models.WriteJSON(w, http.StatusOK, cmd)
}

type reportRequest struct {
	ExitCode     *int   `json:"exit_code"`
	Output       string `json:"output"`
	ErrorMessage string `json:"error_message"`
}

// POST /agent/v1/commands/{id}/report
// 409, если команда уже не running — результат никому не нужен, агент
// просто выбрасывает его.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", nil)
		return
	}
	if req.ExitCode == nil {
		models.WriteProblem(w, http.StatusBadRequest, "Validation Error", "exit_code is required", nil)
		return
	}
	cmd, err := h.svc.Report(r.Context(), id, *req.ExitCode, req.Output, req.ErrorMessage)
	if err != nil {
		writeAgentError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, cmd)
}

func writeAgentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		models.WriteProblem(w, http.StatusBadRequest, "Validation Error", err.Error(), nil)
	case errors.Is(err, dispatch.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "command not found", nil)
	case errors.Is(err, dispatch.ErrConflict):
		models.WriteProblem(w, http.StatusConflict, "Conflict",
			"command is no longer running; result discarded", nil)
	default:
		logs.Logger.Errorf("agent request failed uri=%s: %v", r.RequestURI, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
			"store unavailable, retry later", nil)
	}
}
