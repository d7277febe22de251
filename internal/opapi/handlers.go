package opapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"relay/internal/dispatch"
	"relay/internal/logs"
	"relay/internal/models"
)

// Handler — операторская сторона: приём команд, отмена, история, парк
// устройств. Аутентификация оператора происходит выше по стеку; здесь
// только фиксируем submitted_by из тела запроса.
type Handler struct {
	svc          *dispatch.Service
	offlineAfter time.Duration
}

func New(svc *dispatch.Service, offlineAfter time.Duration) *Handler {
	return &Handler{svc: svc, offlineAfter: offlineAfter}
}

type submitRequest struct {
	DeviceID    string `json:"device_id"`
	Command     string `json:"command"`
	SubmittedBy string `json:"submitted_by"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// POST /api/v1/commands
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", nil)
		return
	}
	cmd, err := h.svc.Submit(r.Context(), dispatch.SubmitInput{
		DeviceID:    req.DeviceID,
		Command:     req.Command,
		SubmittedBy: req.SubmittedBy,
		TimeoutSecs: req.TimeoutSecs,
		Metadata: map[string]any{
			"ip":         clientIP(r),
			"user_agent": r.UserAgent(),
		},
	})
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, cmd)
}

// clientIP — адрес оператора для метаданных команды. Доверяем первому
// элементу X-Forwarded-For, если прокси его проставил.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GET /api/v1/commands/{id}
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, cmd)
}

// POST /api/v1/commands/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrConflict) {
			models.WriteProblem(w, http.StatusConflict, "Conflict",
				"command is already running or resolved", nil)
			return
		}
		writeDispatchError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, cmd)
}

type historyResponse struct {
	Commands []models.Command `json:"commands"`
	Limit    int              `json:"limit"`
	// NextBefore/NextBeforeID — составной курсор следующей страницы
	// (created_at и id последней записи), пустые, когда страница неполная.
	NextBefore   string `json:"next_before,omitempty"`
	NextBeforeID string `json:"next_before_id,omitempty"`
}

// GET /api/v1/commands?device_id=&limit=&status=&before=&before_id=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := dispatch.HistoryQuery{
		DeviceID: r.URL.Query().Get("device_id"),
		Status:   models.CommandStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "limit must be an integer", nil)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request",
				"before must be an RFC3339 timestamp", nil)
			return
		}
		q.Before = t
	}
	q.BeforeID = r.URL.Query().Get("before_id")
	// нормализуем здесь же, чтобы в ответе был действующий limit
	if q.Limit < 1 {
		q.Limit = dispatch.HistoryDefaultLimit
	}
	if q.Limit > dispatch.HistoryMaxLimit {
		q.Limit = dispatch.HistoryMaxLimit
	}

	list, err := h.svc.History(r.Context(), q)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	resp := historyResponse{Commands: list, Limit: q.Limit}
	if resp.Commands == nil {
		resp.Commands = []models.Command{}
	}
	if q.Limit > 0 && len(list) == q.Limit {
		last := list[len(list)-1]
		resp.NextBefore = last.CreatedAt.Format(time.RFC3339Nano)
		resp.NextBeforeID = last.ID
	}
	models.WriteJSON(w, http.StatusOK, resp)
}

type deviceView struct {
	DeviceID    string    `json:"device_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Online      bool      `json:"online"`
}

// GET /api/v1/devices
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	devs, err := h.svc.Devices(r.Context())
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	cutoff := time.Now().UTC().Add(-h.offlineAfter)
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceView{
			DeviceID:    d.DeviceID,
			FirstSeenAt: d.FirstSeenAt,
			LastSeenAt:  d.LastSeenAt,
			Online:      d.LastSeenAt.After(cutoff),
		})
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// Единое отображение доменных ошибок на HTTP-статусы.
func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		models.WriteProblem(w, http.StatusBadRequest, "Validation Error", err.Error(), nil)
	case errors.Is(err, dispatch.ErrBlocked):
		models.WriteProblem(w, http.StatusForbidden, "Blocked",
			"this command is blocked for safety reasons", nil)
	case errors.Is(err, dispatch.ErrTooManyPending):
		models.WriteProblem(w, http.StatusTooManyRequests, "Rate Limited", err.Error(), nil)
	case errors.Is(err, dispatch.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "command not found", nil)
	case errors.Is(err, dispatch.ErrConflict):
		models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), nil)
	default:
		logs.Logger.Errorf("request failed uri=%s: %v", r.RequestURI, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
			"store unavailable, retry later", nil)
	}
}
