package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
)

// Engine is the queue surface exposed over HTTP.
type Engine interface {
	Join(ctx context.Context, phone string, serviceID int64) (queue.Ticket, error)
	QueueStatus(ctx context.Context, phone string) (queue.QueueStatus, error)
	CheckIn(ctx context.Context, phone, name string) (models.Patient, error)
	AvailableServices(ctx context.Context) ([]models.Service, error)
	Display(ctx context.Context) ([]queue.DisplayRow, error)
	CounterForStaff(ctx context.Context, staffID int64) (models.Counter, error)
	StaffBoard(ctx context.Context, staffID int64) (queue.Board, error)
	StartServing(ctx context.Context, staffID, counterID int64) (queue.ServeResult, error)
	ServeNext(ctx context.Context, staffID, counterID int64) (queue.ServeResult, error)
	Skip(ctx context.Context, staffID, counterID int64, queueID string) (queue.ServeResult, error)
	Announce(ctx context.Context, staffID, counterID int64, queueID string) (queue.AnnounceResult, error)
	SetStatus(ctx context.Context, staffID, counterID int64, status models.CounterStatus) (models.CounterStatus, error)
}

type Handler struct {
	engine Engine
	log    *slog.Logger
}

type checkInRequest struct {
	Name string `json:"name"`
}

type joinRequest struct {
	ServiceID int64 `json:"service_id"`
}

type staffActionRequest struct {
	CounterID int64  `json:"counter_id"`
	QueueID   string `json:"queue_id"`
}

type statusRequest struct {
	CounterID int64  `json:"counter_id"`
	Status    string `json:"status"`
}

type serveResponse struct {
	Status string `json:"status"`
	queue.ServeResult
}

type statusResponse struct {
	CounterID int64                `json:"counter_id"`
	Status    models.CounterStatus `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, log: logger}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/display", h.handleDisplay)
	mux.HandleFunc("/api/patients/check-in", h.handleCheckIn)
	mux.HandleFunc("/api/queue/join", h.handleJoin)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/staff/queue", h.handleStaffBoard)
	mux.HandleFunc("/api/staff/start", h.handleStartServing)
	mux.HandleFunc("/api/staff/serve-next", h.handleServeNext)
	mux.HandleFunc("/api/staff/skip", h.handleSkip)
	mux.HandleFunc("/api/staff/announce", h.handleAnnounce)
	mux.HandleFunc("/api/staff/status", h.handleCounterStatus)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services, err := h.engine.AvailableServices(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.engine.Display(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []queue.DisplayRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": rows})
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone, ok := requirePatient(w, r)
	if !ok {
		return
	}
	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	patient, err := h.engine.CheckIn(r.Context(), phone, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone, ok := requirePatient(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.engine.Join(r.Context(), phone, req.ServiceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone, ok := requirePatient(w, r)
	if !ok {
		return
	}
	status, err := h.engine.QueueStatus(r.Context(), phone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleStaffBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	staffID, ok := requireStaff(w, r)
	if !ok {
		return
	}
	board, err := h.engine.StaffBoard(r.Context(), staffID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleStartServing(w http.ResponseWriter, r *http.Request) {
	h.serveAction(w, r, false, func(ctx context.Context, staffID int64, req staffActionRequest) (queue.ServeResult, error) {
		return h.engine.StartServing(ctx, staffID, req.CounterID)
	})
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request) {
	h.serveAction(w, r, false, func(ctx context.Context, staffID int64, req staffActionRequest) (queue.ServeResult, error) {
		return h.engine.ServeNext(ctx, staffID, req.CounterID)
	})
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	h.serveAction(w, r, true, func(ctx context.Context, staffID int64, req staffActionRequest) (queue.ServeResult, error) {
		return h.engine.Skip(ctx, staffID, req.CounterID, req.QueueID)
	})
}

func (h *Handler) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	staffID, req, ok := h.staffRequest(w, r, true)
	if !ok {
		return
	}
	result, err := h.engine.Announce(r.Context(), staffID, req.CounterID, req.QueueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	staffID, ok := requireStaff(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	counterID, ok := h.resolveCounter(w, r, staffID, req.CounterID)
	if !ok {
		return
	}
	status := models.CounterStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	stored, err := h.engine.SetStatus(r.Context(), staffID, counterID, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{CounterID: counterID, Status: stored})
}

func (h *Handler) serveAction(w http.ResponseWriter, r *http.Request, needQueueID bool, action func(context.Context, int64, staffActionRequest) (queue.ServeResult, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	staffID, req, ok := h.staffRequest(w, r, needQueueID)
	if !ok {
		return
	}
	result, err := action(r.Context(), staffID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := serveResponse{Status: "serving", ServeResult: result}
	if result.Empty() {
		resp.Status = "empty"
	}
	writeJSON(w, http.StatusOK, resp)
}

// staffRequest authenticates a staff caller and decodes the action body. A
// missing counter_id defaults to the counter bound to the caller.
func (h *Handler) staffRequest(w http.ResponseWriter, r *http.Request, needQueueID bool) (int64, staffActionRequest, bool) {
	var req staffActionRequest
	staffID, ok := requireStaff(w, r)
	if !ok {
		return 0, req, false
	}
	if !decodeRequest(w, r, &req) {
		return 0, req, false
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	if needQueueID && req.QueueID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "queue_id is required")
		return 0, req, false
	}
	req.CounterID, ok = h.resolveCounter(w, r, staffID, req.CounterID)
	return staffID, req, ok
}

func (h *Handler) resolveCounter(w http.ResponseWriter, r *http.Request, staffID, counterID int64) (int64, bool) {
	if counterID != 0 {
		return counterID, true
	}
	counter, err := h.engine.CounterForStaff(r.Context(), staffID)
	if err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return counter.CounterID, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "request_id", requestIDFromRequest(r), "error", err)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

// decodeRequest accepts an empty body as a zero-value request.
func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	code := queue.Reason(err)
	switch {
	case errors.Is(err, queue.ErrAuthentication):
		return http.StatusUnauthorized, code, "authentication required"
	case errors.Is(err, queue.ErrNotAssigned):
		return http.StatusForbidden, code, "staff is not assigned to this counter"
	case errors.Is(err, queue.ErrAlreadyQueued):
		return http.StatusConflict, code, "patient is already in a queue"
	case errors.Is(err, queue.ErrServiceUnavailable):
		return http.StatusConflict, code, "service is not accepting patients"
	case errors.Is(err, queue.ErrAlreadyServing):
		return http.StatusConflict, code, "counter is already serving a patient"
	case errors.Is(err, queue.ErrNotServing):
		return http.StatusConflict, code, "entry is not being served at this counter"
	case errors.Is(err, queue.ErrCounterUnavailable):
		return http.StatusConflict, code, "counter is on break or closed"
	case errors.Is(err, queue.ErrInvalidStatus):
		return http.StatusBadRequest, code, "status must be one of available, busy, break, closed"
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, code, "invalid request"
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, code, "not found"
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, code, "request conflicted with a concurrent update, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
