// Package api exposes the signature lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/accordsai/openletter/pkg/httpx"
	"github.com/accordsai/openletter/services/signatures/internal/lifecycle"
	"github.com/accordsai/openletter/services/signatures/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

type Manager interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (store.Signature, error)
	Verify(ctx context.Context, token string) (store.Signature, error)
	Revoke(ctx context.Context, token string) error
	GetPublic(ctx context.Context, id string) (lifecycle.PublicView, error)
	ListVerified(ctx context.Context) ([]lifecycle.PublicView, error)
}

type SignatureHandler struct {
	manager  Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewSignatureHandler(manager Manager, logger *slog.Logger) *SignatureHandler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &SignatureHandler{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (h *SignatureHandler) Routes(r chi.Router) {
	r.Get("/signatures", h.List)
	r.Post("/signatures", h.Create)
	r.Get("/signatures/{id}", h.Get)
	r.Put("/signatures/{token}/verify", h.Verify)
	r.Put("/signatures/{token}/revoke", h.Revoke)
}

type signatureForm struct {
	FirstName string  `json:"first_name" validate:"required,max=100"`
	LastName  string  `json:"last_name"  validate:"required,max=100"`
	Org       *string `json:"org"        validate:"omitempty,max=200"`
	Email     string  `json:"email"      validate:"required,email,max=254"`
	Message   *string `json:"message"    validate:"omitempty,max=2000"`
}

func (h *SignatureHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.manager.ListVerified(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if views == nil {
		views = []lifecycle.PublicView{}
	}
	httpx.WriteJSON(w, 200, views)
}

func (h *SignatureHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.GetPublic(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, view)
}

func (h *SignatureHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var form signatureForm
	if err := httpx.ReadJSON(r, &form); err != nil {
		httpx.WriteError(w, 400, "invalid request body")
		return
	}
	form.FirstName = strings.TrimSpace(form.FirstName)
	form.LastName = strings.TrimSpace(form.LastName)
	form.Email = strings.TrimSpace(form.Email)
	if err := h.validate.Struct(form); err != nil {
		httpx.WriteError(w, 400, validationMessage(err))
		return
	}
	_, err := h.manager.Create(r.Context(), lifecycle.CreateInput{
		FirstName: form.FirstName,
		LastName:  form.LastName,
		Org:       form.Org,
		Email:     form.Email,
		Message:   form.Message,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteOK(w)
}

func (h *SignatureHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if _, err := h.manager.Verify(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteOK(w)
}

func (h *SignatureHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Revoke(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteOK(w)
}

func (h *SignatureHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrDuplicateEmail):
		httpx.WriteError(w, 403, "this email address has already signed")
	case errors.Is(err, lifecycle.ErrNotFound):
		httpx.WriteError(w, 404, "signature not found")
	case errors.Is(err, lifecycle.ErrInvalidTokenFormat):
		httpx.WriteError(w, 400, "malformed token")
	case errors.Is(err, lifecycle.ErrInvalidToken):
		httpx.WriteError(w, 403, "invalid or expired token")
	case errors.Is(err, lifecycle.ErrNotificationFailed):
		httpx.WriteError(w, 500, "could not send email, please try again")
	case errors.Is(err, lifecycle.ErrInternal):
		h.logger.Error("request failed on internal invariant",
			"component", "api",
			"request_id", r.Header.Get(httpx.RequestIDHeader),
			"path", r.URL.Path,
			"error", err,
		)
		httpx.WriteError(w, 500, "internal error")
	case errors.Is(err, lifecycle.ErrStore):
		h.logger.Warn("store failure",
			"component", "api",
			"request_id", r.Header.Get(httpx.RequestIDHeader),
			"path", r.URL.Path,
			"error", err,
		)
		if r.Method == http.MethodPost {
			httpx.WriteError(w, 400, "could not save signature")
			return
		}
		httpx.WriteError(w, 500, "storage unavailable")
	default:
		h.logger.Error("unhandled error",
			"component", "api",
			"request_id", r.Header.Get(httpx.RequestIDHeader),
			"error", err,
		)
		httpx.WriteError(w, 500, "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fieldNames[fe.StructField()]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " is invalid"
	case "max":
		return field + " is too long"
	}
	return field + " is invalid"
}

var fieldNames = map[string]string{
	"FirstName": "first_name",
	"LastName":  "last_name",
	"Org":       "org",
	"Email":     "email",
	"Message":   "message",
}
