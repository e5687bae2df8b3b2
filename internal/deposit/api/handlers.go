// Package api exposes the deposit subsystem over HTTP.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"slipdesk/internal/common/api"
	"slipdesk/internal/common/middleware"
	"slipdesk/internal/deposit"
)

// maxSlipSize caps slip uploads at 10 MB.
const maxSlipSize = 10 << 20

// Handler holds HTTP handlers for deposit operations.
type Handler struct {
	service *deposit.Service
	logger  *slog.Logger
}

// NewHandler creates a new deposit API handler.
func NewHandler(service *deposit.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the deposit API routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/pending", h.ListPending)
	r.Get("/accounts", h.ListAccounts)
	r.Get("/recover/{token}", h.Resume)
	r.Post("/{id}/slip", h.UploadSlip)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/extend", h.Extend)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)

	return r
}

// Create handles POST / - create a new deposit request.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	var req deposit.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.UserID = userID

	summary, err := h.service.Create(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, summary)
}

// ListPending handles GET /pending - list the caller's active requests.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	items, err := h.service.ListPending(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, items)
}

// ListAccounts handles GET /accounts - list active store bank accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListStoreAccounts(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, accounts)
}

// Resume handles GET /recover/{token} - resume a request by recovery token.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	summary, err := h.service.ResumeByToken(r.Context(), token)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// UploadSlip handles POST /{id}/slip - attach a transfer slip image.
func (h *Handler) UploadSlip(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}
	requestID := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(maxSlipSize); err != nil {
		api.BadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("slip")
	if err != nil {
		api.BadRequest(w, "slip file is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxSlipSize))
	if err != nil {
		api.BadRequest(w, "failed to read slip file")
		return
	}

	result, err := h.service.AttachSlip(r.Context(), requestID, userID, image, header.Filename)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

// Cancel handles POST /{id}/cancel - cancel the caller's own request.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}
	requestID := chi.URLParam(r, "id")

	cancelled, err := h.service.Cancel(r.Context(), requestID, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, cancelled)
}

type extendRequest struct {
	Hours int `json:"hours" validate:"required,min=1,max=48"`
}

// Extend handles POST /{id}/extend - extend the deposit window.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}
	requestID := chi.URLParam(r, "id")

	var req extendRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	extended, err := h.service.ExtendExpiry(r.Context(), requestID, userID, req.Hours)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, extended)
}

// Approve handles POST /{id}/approve - admin approval of an uploaded slip.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())
	if adminID == "" {
		api.Forbidden(w, "admin access required")
		return
	}
	requestID := chi.URLParam(r, "id")

	approved, err := h.service.AdminApprove(r.Context(), requestID, adminID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, approved)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /{id}/reject - admin rejection of an uploaded slip.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())
	if adminID == "" {
		api.Forbidden(w, "admin access required")
		return
	}
	requestID := chi.URLParam(r, "id")

	var req rejectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	rejected, err := h.service.AdminReject(r.Context(), requestID, adminID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, rejected)
}

// writeDomainError maps domain error kinds onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *deposit.Error
	if !errors.As(err, &derr) {
		h.logger.Error("unexpected error",
			"path", r.URL.Path,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "an unexpected error occurred")
		return
	}

	switch derr.Kind {
	case deposit.KindValidation:
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeBadRequest, derr.Message)
	case deposit.KindNotFound:
		api.WriteError(w, http.StatusNotFound, api.ErrCodeNotFound, derr.Message)
	case deposit.KindRecoveryTokenInvalid:
		api.WriteError(w, http.StatusNotFound, api.ErrCodeRecoveryTokenInvalid, derr.Message)
	case deposit.KindInvalidTransition:
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidTransition, derr.Message)
	case deposit.KindDuplicateSlip:
		api.WriteError(w, http.StatusConflict, api.ErrCodeDuplicateSlip, derr.Message)
	case deposit.KindProviderRejection:
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeSlipRejected, derr.Message,
			map[string]string{"provider_code": derr.Code})
	case deposit.KindProviderTransport, deposit.KindCreditFailed:
		h.logger.Error("upstream dependency failed",
			"path", r.URL.Path,
			"kind", string(derr.Kind),
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeServiceUnavail, derr.Message)
	default:
		api.InternalError(w, "an unexpected error occurred")
	}
}
