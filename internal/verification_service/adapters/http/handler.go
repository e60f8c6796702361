package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/aradsms/verification_gateway/internal/verification_service/app"
	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
	"github.com/aradsms/verification_gateway/internal/verification_service/notifier"
	"github.com/aradsms/verification_gateway/internal/verification_service/upstream"
)

// VerificationAPI is the part of the state machine exposed over HTTP.
type VerificationAPI interface {
	Create(ctx context.Context, ownerID string, req app.CreateRequest) (*domain.Verification, error)
	Get(ctx context.Context, id, ownerID string) (*domain.Verification, error)
	Cancel(ctx context.Context, id, ownerID string) (*domain.Verification, error)
}

// CircuitReporter exposes upstream breaker state for the health endpoint.
type CircuitReporter interface {
	Snapshot() []upstream.CircuitState
}

type VerificationHandler struct {
	verifications VerificationAPI
	hub           *notifier.Hub
	circuits      CircuitReporter
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	wsCfg         notifier.WebsocketConfig
	logger        *slog.Logger
}

func NewVerificationHandler(
	verifications VerificationAPI,
	hub *notifier.Hub,
	circuits CircuitReporter,
	validate *validator.Validate,
	wsCfg notifier.WebsocketConfig,
	logger *slog.Logger,
) *VerificationHandler {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &VerificationHandler{
		verifications: verifications,
		hub:           hub,
		circuits:      circuits,
		validate:      validate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Owners authenticate with a token, never a cookie.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wsCfg:  wsCfg,
		logger: logger.With("handler", "verification"),
	}
}

func (h *VerificationHandler) CreateVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	ownerID, ok := OwnerFromContext(ctx)
	if !ok {
		jsonError(w, "authorization required", http.StatusUnauthorized)
		return
	}

	var req CreateVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode create verification request", "error", err)
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		logger.WarnContext(ctx, "Validation failed for create verification", "error", err)
		jsonError(w, "validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	capability := domain.CapabilitySMS
	if req.Capability != "" {
		capability = domain.Capability(req.Capability)
	}
	v, err := h.verifications.Create(ctx, ownerID, app.CreateRequest{
		ServiceName: req.ServiceName,
		Capability:  capability,
		Carrier:     req.Carrier,
		AreaCode:    req.AreaCode,
	})
	if err != nil {
		writeServiceError(w, logger.With("owner_id", ownerID), err, "CreateVerification")
		return
	}
	respondJSON(w, http.StatusCreated, toVerificationResponse(v))
}

func (h *VerificationHandler) GetVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := OwnerFromContext(ctx)
	if !ok {
		jsonError(w, "authorization required", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "verificationID")
	v, err := h.verifications.Get(ctx, id, ownerID)
	if err != nil {
		writeServiceError(w, h.logger.With("verification_id", id, "owner_id", ownerID), err, "GetVerification")
		return
	}
	respondJSON(w, http.StatusOK, toVerificationResponse(v))
}

func (h *VerificationHandler) CancelVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := OwnerFromContext(ctx)
	if !ok {
		jsonError(w, "authorization required", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "verificationID")
	v, err := h.verifications.Cancel(ctx, id, ownerID)
	if err != nil {
		writeServiceError(w, h.logger.With("verification_id", id, "owner_id", ownerID), err, "CancelVerification")
		return
	}
	respondJSON(w, http.StatusOK, toVerificationResponse(v))
}

// Events upgrades to a websocket and streams the owner's events until either side closes.
func (h *VerificationHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := OwnerFromContext(ctx)
	if !ok {
		jsonError(w, "authorization required", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.WarnContext(ctx, "Websocket upgrade failed", "owner_id", ownerID, "error", err)
		return
	}
	h.hub.ServeWebsocket(ctx, ownerID, ws, h.wsCfg)
}

func (h *VerificationHandler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Circuits: []CircuitResponse{}}
	if h.circuits != nil {
		for _, cs := range h.circuits.Snapshot() {
			if cs.State == upstream.StateOpen {
				resp.Status = "degraded"
			}
			resp.Circuits = append(resp.Circuits, CircuitResponse{
				Name:                cs.Name,
				State:               cs.State.String(),
				ConsecutiveFailures: cs.ConsecutiveFailures,
				OpenedAt:            cs.OpenedAt,
			})
		}
	}
	if h.hub != nil {
		resp.Connections = h.hub.Count()
	}
	respondJSON(w, http.StatusOK, resp)
}

// writeServiceError maps state machine and upstream errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, operation string) {
	logEntry := logger.With("operation", operation, "error", err)

	var openErr *domain.CircuitOpenError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		logEntry.Warn("Invalid request")
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientCredit):
		logEntry.Info("Insufficient credit")
		jsonError(w, "insufficient credit", http.StatusPaymentRequired)
	case errors.Is(err, domain.ErrAccountNotFound):
		logEntry.Warn("Account not found")
		jsonError(w, "account not found", http.StatusPaymentRequired)
	case errors.Is(err, domain.ErrAccessDenied):
		logEntry.Warn("Access denied")
		jsonError(w, "access denied", http.StatusForbidden)
	case errors.Is(err, domain.ErrNotFound):
		logEntry.Info("Verification not found")
		jsonError(w, "verification not found", http.StatusNotFound)
	case domain.IsUnavailable(err):
		if errors.As(err, &openErr) && openErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(openErr.RetryAfter.Seconds()))))
		}
		logEntry.Warn("Upstream unavailable")
		jsonError(w, "service unavailable, try again", http.StatusServiceUnavailable)
	default:
		logEntry.Error("Unhandled service error")
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
