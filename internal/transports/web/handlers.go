package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triplog/internal/storage"
)

type executeRequest struct {
	Module  string   `json:"module"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type startTripRequest struct {
	LicensePlate string `json:"license_plate"`
	Description  string `json:"description"`
}

type confirmSyncRequest struct {
	SyncedAt   string `json:"synced_at"`
	SyncedAtMS int64  `json:"synced_at_ms"`
}

func decodeJSONBody(r *http.Request, v interface{}) (string, int) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if isBodyTooLargeErr(err) {
			return "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return "invalid_json", http.StatusBadRequest
	}
	return "", 0
}

func isBodyTooLargeErr(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id":  requestIDFromContext(r.Context()),
		"subject":     subjectIDFromContext(r.Context()),
		"roles":       rolesFromContext(r.Context()),
		"auth_method": authMethodFromContext(r.Context()),
	})
}

func (a *Adapter) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      a.registry.Providers(),
	})
}

func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := r.Context().Value(ctxExecuteReq).(executeRequest)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "bad_command")
		return
	}
	a.runCommand(w, r, req.Module, req.Command, req.Args, http.StatusOK)
}

func (a *Adapter) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var req startTripRequest
	if code, status := decodeJSONBody(r, &req); code != "" {
		writeError(w, r, status, code)
		return
	}
	args := []string{req.LicensePlate, subjectIDFromContext(r.Context()), req.Description}
	a.runCommand(w, r, "trip", "start", args, http.StatusCreated)
}

func (a *Adapter) handleListTrips(w http.ResponseWriter, r *http.Request) {
	var args []string
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		args = append(args, status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		args = append(args, strconv.Itoa(parseLimit(limit)))
	}
	a.runCommand(w, r, "trip", "list", args, http.StatusOK)
}

func (a *Adapter) handleCurrentTrip(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "current", nil, http.StatusOK)
}

func (a *Adapter) handleResumeSampling(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "resume", nil, http.StatusOK)
}

func (a *Adapter) handleFlush(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "flush", nil, http.StatusOK)
}

func (a *Adapter) handleShowTrip(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "show", []string{r.PathValue("id")}, http.StatusOK)
}

func (a *Adapter) handleArrival(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "arrive", []string{r.PathValue("id")}, http.StatusOK)
}

func (a *Adapter) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "trip", "cancel", []string{r.PathValue("id")}, http.StatusOK)
}

func (a *Adapter) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, r, "sync", "status", nil, http.StatusOK)
}

func (a *Adapter) handleSyncConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmSyncRequest
	if code, status := decodeJSONBody(r, &req); code != "" {
		writeError(w, r, status, code)
		return
	}
	arg := strings.TrimSpace(req.SyncedAt)
	if arg == "" && req.SyncedAtMS != 0 {
		arg = strconv.FormatInt(req.SyncedAtMS, 10)
	}
	if arg == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_argument")
		return
	}
	a.runCommand(w, r, "sync", "confirm", []string{arg}, http.StatusOK)
}

// runCommand выполняет команду модуля и переводит ответ в HTTP.
func (a *Adapter) runCommand(w http.ResponseWriter, r *http.Request, module, command string, args []string, okStatus int) {
	subjectID := subjectIDFromContext(r.Context())
	requestID := requestIDFromContext(r.Context())
	authMethod := authMethodFromContext(r.Context())
	auditAction := "web:" + module + "_" + command

	resp, err := a.registry.Execute(r.Context(), module, command, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			a.writeAudit(r.Context(), subjectID, auditAction, "error", map[string]string{"error_code": "request_timeout", "auth_method": authMethod}, requestID)
			return
		}
		code := resp.ErrorCode
		if code == "" {
			code = "internal"
		}
		body := map[string]interface{}{
			"request_id": requestID,
			"status":     "error",
			"error_code": code,
			"message":    err.Error(),
		}
		if resp.Data != nil {
			body["data"] = resp.Data
		}
		writeJSON(w, r, httpStatus(code), body)
		a.writeAudit(r.Context(), subjectID, auditAction, "error", map[string]string{"error_code": code, "auth_method": authMethod}, requestID)
		return
	}

	writeJSON(w, r, okStatus, map[string]interface{}{
		"request_id": requestID,
		"status":     resp.Status,
		"data":       resp.Data,
	})
	a.writeAudit(r.Context(), subjectID, auditAction, "ok", map[string]string{"auth_method": authMethod}, requestID)
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	subjectID := subjectIDFromContext(r.Context())
	authMethod := authMethodFromContext(r.Context())

	q := storage.AuditQuery{
		Subject: r.URL.Query().Get("subject"),
		Limit:   parseLimit(r.URL.Query().Get("limit")),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := r.URL.Query().Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.audit.QueryAudit(r.Context(), q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			return
		}
		a.logger.Error("audit query failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}

	type eventDTO struct {
		Subject   string          `json:"subject"`
		Action    string          `json:"action"`
		Source    string          `json:"source"`
		Status    string          `json:"status"`
		RequestID string          `json:"request_id"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		TS        string          `json:"ts"`
	}
	items := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dto := eventDTO{
			Subject:   ev.Subject,
			Action:    ev.Action,
			Source:    ev.Source,
			Status:    ev.Status,
			RequestID: ev.RequestID,
			TS:        ev.TS.UTC().Format(time.RFC3339),
		}
		if json.Valid(ev.Payload) {
			dto.Payload = json.RawMessage(ev.Payload)
		}
		items = append(items, dto)
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"items":      items,
	})
	a.writeAudit(r.Context(), subjectID, "web:audit_read", "ok", map[string]string{"items": strconv.Itoa(len(items)), "auth_method": authMethod}, requestID)
}

func (a *Adapter) writeAudit(ctx context.Context, subject, action, status string, payload interface{}, requestID string) {
	var raw []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = data
	}
	// Аудит пишется и после отмены запроса.
	ctx = context.WithoutCancel(ctx)
	if err := a.audit.SaveAudit(ctx, storage.AuditEvent{
		Subject:   subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: requestID,
		Payload:   raw,
	}); err != nil {
		a.logger.Warn("audit write failed", "action", action, "err", err)
	}
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}
