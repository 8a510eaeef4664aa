package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"qline/internal/lifecycle"
	"qline/internal/models"
	"qline/internal/service"
	"qline/internal/store"

	"github.com/google/uuid"
)

// Service is the slice of the queue service the HTTP edge calls.
type Service interface {
	CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error)
	CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error)
	StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	CompleteCurrent(ctx context.Context, tenantID, userID, reason string) (models.Ticket, error)
	CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input store.TransferInput) (models.Ticket, error)
	GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	GetQueuePosition(ctx context.Context, tenantID, queueID, ticketID string) (int, error)
	GetQueueStatus(ctx context.Context, tenantID, queueID string) (service.QueueStatus, error)
	ListQueues(ctx context.Context, tenantID, unitID string) ([]models.Queue, error)
	StartSession(ctx context.Context, input store.StartSessionInput) (models.Session, error)
	PauseSession(ctx context.Context, input store.SessionActionInput) (models.Session, error)
	ResumeSession(ctx context.Context, input store.SessionActionInput) (models.Session, error)
	CompleteSession(ctx context.Context, input store.SessionActionInput) (models.Session, error)
	FindActiveSession(ctx context.Context, tenantID, userID string) (models.Session, error)
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/actions/complete-current", h.handleCompleteCurrent)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/queues", h.handleListQueues)
	mux.HandleFunc("/api/queues/", h.handleQueueSubtree)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionActions)
	return mux
}

type createTicketRequest struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	QueueID   string `json:"queue_id"`
	ServiceID string `json:"service_id"`
	Priority  string `json:"priority"`
}

type callNextRequest struct {
	TenantID  string `json:"tenant_id"`
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id"`
}

type ticketActionRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type transferRequest struct {
	TenantID    string `json:"tenant_id"`
	ToQueueID   string `json:"to_queue_id"`
	ToServiceID string `json:"to_service_id"`
}

type completeCurrentRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
}

type startSessionRequest struct {
	TenantID   string `json:"tenant_id"`
	UnitID     string `json:"unit_id"`
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
}

type sessionActionRequest struct {
	TenantID string `json:"tenant_id"`
	Force    bool   `json:"force"`
}

type positionResponse struct {
	TicketID string `json:"ticket_id"`
	QueueID  string `json:"queue_id"`
	Position int    `json:"position"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.QueueID = strings.TrimSpace(req.QueueID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.Priority = strings.TrimSpace(req.Priority)

	if req.TenantID == "" || req.QueueID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and queue_id are required")
		return
	}
	if !isValidUUID(req.TenantID) || !isValidUUID(req.QueueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and queue_id must be UUIDs")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.ServiceID != "" && !isValidUUID(req.ServiceID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id must be a UUID when provided")
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if models.PriorityRank(req.Priority) < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be low, normal, high, or urgent")
		return
	}

	ticket, created, err := h.svc.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		QueueID:   req.QueueID,
		ServiceID: req.ServiceID,
		Priority:  req.Priority,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.QueueID = strings.TrimSpace(req.QueueID)
	req.SessionID = strings.TrimSpace(req.SessionID)

	if req.TenantID == "" || req.QueueID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, queue_id, and session_id are required")
		return
	}
	if !isValidUUID(req.TenantID) || !isValidUUID(req.QueueID) || !isValidUUID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, queue_id, and session_id must be UUIDs")
		return
	}

	ticket, err := h.svc.CallNext(r.Context(), store.CallNextInput{
		TenantID:  req.TenantID,
		QueueID:   req.QueueID,
		SessionID: req.SessionID,
		CalledAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCompleteCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req completeCurrentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.UserID = strings.TrimSpace(req.UserID)

	if req.TenantID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and user_id are required")
		return
	}
	if !isValidUUID(req.TenantID) || !isValidUUID(req.UserID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and user_id must be UUIDs")
		return
	}

	ticket, err := h.svc.CompleteCurrent(r.Context(), req.TenantID, req.UserID, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleTicketSubtree covers GET /api/tickets/{id}, GET
// /api/tickets/{id}/position, and POST /api/tickets/{id}/{action}.
func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "position" && r.Method == http.MethodGet:
		h.handleTicketPosition(w, r, ticketID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		h.handleTicketAction(w, r, ticketID, parts[1])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	tenantID, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	ticket, err := h.svc.GetTicket(r.Context(), tenantID, ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketPosition(w http.ResponseWriter, r *http.Request, ticketID string) {
	tenantID, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	queueID := strings.TrimSpace(r.URL.Query().Get("queue_id"))
	if queueID == "" || !isValidUUID(queueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	position, err := h.svc.GetQueuePosition(r.Context(), tenantID, queueID, ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{TicketID: ticketID, QueueID: queueID, Position: position})
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	switch action {
	case "transfer":
		h.handleTransfer(w, r, ticketID)
		return
	case "start", "complete", "cancel":
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req ticketActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.TenantID == "" || !isValidUUID(req.TenantID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	if req.SessionID != "" && !isValidUUID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id must be a UUID when provided")
		return
	}

	input := store.TicketActionInput{
		TenantID:   req.TenantID,
		TicketID:   ticketID,
		SessionID:  req.SessionID,
		Reason:     strings.TrimSpace(req.Reason),
		OccurredAt: time.Now().UTC(),
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "start":
		ticket, err = h.svc.StartService(r.Context(), input)
	case "complete":
		ticket, err = h.svc.CompleteTicket(r.Context(), input)
	case "cancel":
		ticket, err = h.svc.CancelTicket(r.Context(), input)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ToQueueID = strings.TrimSpace(req.ToQueueID)
	req.ToServiceID = strings.TrimSpace(req.ToServiceID)

	if req.TenantID == "" || req.ToQueueID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and to_queue_id are required")
		return
	}
	if !isValidUUID(req.TenantID) || !isValidUUID(req.ToQueueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id and to_queue_id must be UUIDs")
		return
	}
	if req.ToServiceID != "" && !isValidUUID(req.ToServiceID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "to_service_id must be a UUID when provided")
		return
	}

	ticket, err := h.svc.TransferTicket(r.Context(), store.TransferInput{
		TenantID:   req.TenantID,
		TicketID:   ticketID,
		ToQueueID:  req.ToQueueID,
		ToService:  req.ToServiceID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
	if unitID != "" && !isValidUUID(unitID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unit_id must be a UUID when provided")
		return
	}

	queues, err := h.svc.ListQueues(r.Context(), tenantID, unitID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

// handleQueueSubtree covers GET /api/queues/{id}/status.
func (h *Handler) handleQueueSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "status" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}
	tenantID, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}

	status, err := h.svc.GetQueueStatus(r.Context(), tenantID, queueID)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, code, errCode, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		h.handleFindSession(w, r)
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ResourceID = strings.TrimSpace(req.ResourceID)

	if req.TenantID == "" || req.UnitID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, unit_id, and user_id are required")
		return
	}
	if !isValidUUID(req.TenantID) || !isValidUUID(req.UnitID) || !isValidUUID(req.UserID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, unit_id, and user_id must be UUIDs")
		return
	}

	session, err := h.svc.StartSession(r.Context(), store.StartSessionInput{
		TenantID:   req.TenantID,
		UnitID:     req.UnitID,
		UserID:     req.UserID,
		ResourceID: req.ResourceID,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleFindSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" || !isValidUUID(userID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id must be a UUID")
		return
	}

	session, err := h.svc.FindActiveSession(r.Context(), tenantID, userID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleSessionActions covers POST /api/sessions/{id}/{action}.
func (h *Handler) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sessionID := parts[0]
	action := parts[1]
	if !isValidUUID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id must be a UUID")
		return
	}

	var req sessionActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" || !isValidUUID(req.TenantID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}

	input := store.SessionActionInput{
		TenantID:   req.TenantID,
		SessionID:  sessionID,
		Force:      req.Force,
		OccurredAt: time.Now().UTC(),
	}

	var session models.Session
	var err error
	switch action {
	case "pause":
		session, err = h.svc.PauseSession(r.Context(), input)
	case "resume":
		session, err = h.svc.ResumeSession(r.Context(), input)
	case "complete":
		session, err = h.svc.CompleteSession(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func tenantFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	}
	if tenantID == "" || !isValidUUID(tenantID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return "", false
	}
	return tenantID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, lifecycle.ErrStateConflict):
		return http.StatusConflict, "state_conflict", "current state does not allow this action"
	case errors.Is(err, lifecycle.ErrSessionConflict):
		return http.StatusConflict, "session_conflict", "session state does not allow this action"
	case errors.Is(err, lifecycle.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded", "queue is at capacity"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
