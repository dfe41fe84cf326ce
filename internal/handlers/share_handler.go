package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leafguard/backend/internal/services"
)

type ShareHandler struct {
	service   *services.ShareService
	validator *services.ValidationHelper
}

func NewShareHandler(service *services.ShareService) *ShareHandler {
	return &ShareHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateShare creates a shareable link for a scan report
// @Summary Share a scan
// @Description Generate a short-lived share code and QR image for a scan report
// @Tags shares
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{scanId=string} true "Share request"
// @Success 201 {object} object{code=string,url=string,qrImage=string}
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /shares [post]
func (h *ShareHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ScanID string `json:"scanId" validate:"required,uuid4"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, url, qrImage, err := h.service.CreateShare(r.Context(), accountID, req.ScanID)
	if err != nil {
		switch err {
		case services.ErrScanNotFound:
			services.SendErrorResponse(w, "Scan not found", http.StatusNotFound, nil)
		case services.ErrPermissionDenied:
			services.SendErrorResponse(w, "Permission denied", http.StatusForbidden, nil)
		default:
			services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    code,
		"url":     url,
		"qrImage": qrImage,
	})
}

// ResolveShare resolves a share code to its scan reference
// @Summary Resolve a share code
// @Tags shares
// @Produce json
// @Param code path string true "Share code"
// @Success 200 {object} services.SharePayload
// @Failure 404 {object} services.ErrorResponse
// @Router /shares/{code} [get]
func (h *ShareHandler) ResolveShare(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		services.SendErrorResponse(w, "Missing share code", http.StatusBadRequest, nil)
		return
	}

	payload, err := h.service.ResolveShare(r.Context(), code)
	if err != nil {
		services.SendErrorResponse(w, "Invalid or expired share code", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"share": payload})
}

// RevokeShare revokes a share code
// @Summary Revoke a share code
// @Tags shares
// @Security BearerAuth
// @Param code path string true "Share code"
// @Success 204
// @Failure 404 {object} services.ErrorResponse
// @Router /shares/{code} [delete]
func (h *ShareHandler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	code := chi.URLParam(r, "code")

	if err := h.service.RevokeShare(r.Context(), accountID, code); err != nil {
		if err == services.ErrPermissionDenied {
			services.SendErrorResponse(w, "Permission denied", http.StatusForbidden, nil)
			return
		}
		services.SendErrorResponse(w, "Invalid or expired share code", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
