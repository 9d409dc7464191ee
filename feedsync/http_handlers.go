// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both tenant and device identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetTenantID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the mobile sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleUpload processes POST /sync/upload
func (h *HTTPSyncHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var uploadReq UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&uploadReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}
	if uploadReq.DeviceID != "" && uploadReq.DeviceID != deviceID {
		h.writeError(w, http.StatusUnauthorized, "device_mismatch", "Body device_id does not match token")
		return
	}

	response, err := h.service.ProcessUpload(r.Context(), tenantID, deviceID, &uploadReq)
	if err != nil {
		h.writeServiceError(w, err, "upload_failed", deviceID)
		return
	}

	h.writeJSON(w, response, deviceID)
}

// HandleDownload processes GET /sync/download
func (h *HTTPSyncHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	since, ok := h.queryInt64(w, r, "since", 0)
	if !ok {
		return
	}
	until, ok := h.queryInt64(w, r, "until", 0)
	if !ok {
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 || parsedLimit > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	// Escape hatch for device-replacement recovery
	includeSelf := r.URL.Query().Get("include_self") == "true"

	response, err := h.service.ProcessDownload(r.Context(), tenantID, deviceID, since, limit, until, includeSelf)
	if err != nil {
		h.writeServiceError(w, err, "download_failed", deviceID)
		return
	}

	h.writeJSON(w, response, deviceID)
}

// HandleActivity processes POST /sync/activity
func (h *HTTPSyncHandlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req ActivityLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse activity request")
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		h.writeError(w, http.StatusUnauthorized, "device_mismatch", "Body device_id does not match token")
		return
	}

	response, err := h.service.LogActivities(r.Context(), tenantID, deviceID, &req)
	if err != nil {
		h.writeServiceError(w, err, "activity_failed", deviceID)
		return
	}

	h.writeJSON(w, response, deviceID)
}

// HandleDeviceStatus processes GET /sync/device-status.
// Served regardless of authorization state so a pending or revoked device
// can discover its standing and the tenant sync policy.
func (h *HTTPSyncHandlers) HandleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	_, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	response, err := h.service.DeviceStatus(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceUnknown) {
			h.writeError(w, http.StatusNotFound, "device_unknown", err.Error())
			return
		}
		h.logger.Error("Failed to load device status", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to load device status")
		return
	}

	h.writeJSON(w, response, deviceID)
}

func (h *HTTPSyncHandlers) identity(w http.ResponseWriter, r *http.Request) (tenantID, deviceID string, ok bool) {
	tenantID, err := h.authenticator.GetTenantID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return tenantID, deviceID, true
}

func (h *HTTPSyncHandlers) queryInt64(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

// writeServiceError maps the admission error taxonomy to HTTP statuses.
// Item-level failures never reach here; they travel inside a 200 response.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, fallbackCode, deviceID string) {
	switch {
	case errors.Is(err, ErrDeviceUnknown), errors.Is(err, ErrDeviceUnauthorized):
		h.writeError(w, http.StatusUnauthorized, "device_unauthorized", err.Error())
	case errors.Is(err, ErrTenantSuspended):
		h.writeError(w, http.StatusForbidden, "tenant_suspended", err.Error())
	case errors.Is(err, ErrQuotaExceeded):
		h.writeError(w, http.StatusRequestEntityTooLarge, "quota_exceeded", err.Error())
	case errors.Is(err, ErrBatchTooLarge):
		h.writeError(w, http.StatusBadRequest, "batch_too_large", err.Error())
	default:
		h.logger.Error("Sync request failed", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, fallbackCode, "Failed to process request")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any, deviceID string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err, "device_id", deviceID)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
