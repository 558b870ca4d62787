// Package http contains the HTTP transport layer: thin request/response
// marshaling over the key service. Handlers never encode business rules;
// they bind input, call the service and map its errors to rejections.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/middleware"
	"keygate/internal/services"
)

// KeyHandler handles key issuance and validation requests.
type KeyHandler struct {
	service  *services.KeyService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewKeyHandler creates a new key handler.
func NewKeyHandler(service *services.KeyService, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "key")),
		validate: validator.New(),
	}
}

// IssueKeyRequest is the issuance payload.
type IssueKeyRequest struct {
	ControlSecret string  `json:"control_secret" validate:"required"`
	Key           string  `json:"key" validate:"required"`
	ExpireMonths  float64 `json:"expire_months" validate:"required,gt=0"`
	MaxUsers      int     `json:"max_users" validate:"required,gt=0"`
}

// ValidateKeyRequest is the validation payload; every call must identify
// its caller.
type ValidateKeyRequest struct {
	User string `json:"user" validate:"required"`
}

// IssueKeyResponse is the successful issuance envelope.
type IssueKeyResponse struct {
	Valid          bool      `json:"valid"`
	Key            string    `json:"key"`
	ExpirationTime time.Time `json:"expiration_time"`
	MaxUsers       int       `json:"max_users"`
	Users          []string  `json:"users"`
}

// ValidateKeyResponse is the successful validation envelope. TimeRemaining
// is reported in seconds and never negative.
type ValidateKeyResponse struct {
	Valid         bool     `json:"valid"`
	TimeRemaining float64  `json:"time_remaining"`
	Users         []string `json:"users"`
	MaxUsers      int      `json:"max_users"`
}

// Routes returns a chi router for key endpoints.
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Post("/{key}/validate", h.Validate)
	return r
}

// Issue handles POST /api/keys.
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("key-handler")

	ctx, span := tracer.Start(ctx, "key_handler.issue",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/keys"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &IssueKeyRequest{}
	if err := render.DecodeJSON(r.Body, data); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "failed to decode issuance request",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.logger.WarnContext(ctx, "issuance request failed validation",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.BadRequest(issueValidationMessage(err)))
		return
	}

	rec, err := h.service.Issue(ctx, data.ControlSecret, data.Key, data.ExpireMonths, data.MaxUsers)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, h.mapServiceError(ctx, err))
		return
	}

	span.SetAttributes(
		attribute.String("key.id", rec.ID),
		attribute.Int("key.max_users", rec.MaxSeats),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, IssueKeyResponse{
		Valid:          true,
		Key:            rec.ID,
		ExpirationTime: rec.ExpiresAt,
		MaxUsers:       rec.MaxSeats,
		Users:          rec.Seats,
	})
}

// Validate handles POST /api/keys/{key}/validate.
func (h *KeyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("key-handler")

	key := chi.URLParam(r, "key")

	ctx, span := tracer.Start(ctx, "key_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/keys/{key}/validate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &ValidateKeyRequest{}
	if err := render.DecodeJSON(r.Body, data); err != nil {
		span.RecordError(err)
		render.Render(w, r, apierrors.BadRequest("malformed request body"))
		return
	}
	if err := h.validate.Struct(data); err != nil {
		span.SetAttributes(attribute.String("error.type", "missing_identity"))
		render.Render(w, r, apierrors.BadRequest("user is required"))
		return
	}

	adm, err := h.service.Validate(ctx, key, data.User)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("key.result", "denied"))
		render.Render(w, r, h.mapServiceError(ctx, err))
		return
	}

	remaining := adm.TimeRemaining.Seconds()
	if remaining < 0 {
		remaining = 0
	}

	span.SetAttributes(
		attribute.String("key.result", "admitted"),
		attribute.Int("key.seats", len(adm.Record.Seats)),
		attribute.Int("key.max_users", adm.Record.MaxSeats),
	)

	render.JSON(w, r, ValidateKeyResponse{
		Valid:         true,
		TimeRemaining: remaining,
		Users:         adm.Record.Seats,
		MaxUsers:      adm.Record.MaxSeats,
	})
}

// mapServiceError converts service sentinels to structured rejections. No
// raw fault ever reaches the caller.
func (h *KeyHandler) mapServiceError(ctx context.Context, err error) *apierrors.Rejection {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		return apierrors.Unauthorized(err.Error())
	case errors.Is(err, services.ErrInvalidInput):
		return apierrors.BadRequest(err.Error())
	case errors.Is(err, services.ErrKeyExists):
		return apierrors.Conflict(err.Error())
	case errors.Is(err, services.ErrKeyInvalid):
		return apierrors.NotFound(err.Error())
	case errors.Is(err, services.ErrKeyExpired), errors.Is(err, services.ErrSeatLimit):
		return apierrors.Forbidden(err.Error())
	case errors.Is(err, services.ErrMissingIdentity):
		return apierrors.BadRequest(err.Error())
	default:
		h.logger.ErrorContext(ctx, "request failed",
			slog.String("error", err.Error()))
		return apierrors.Internal()
	}
}

// issueValidationMessage names the first offending issuance field.
func issueValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "ControlSecret":
			return "control_secret is required"
		case "Key":
			return "key is required"
		case "ExpireMonths":
			return "expire_months must be a positive number"
		case "MaxUsers":
			return "max_users must be a positive integer"
		}
	}
	return "invalid request"
}
