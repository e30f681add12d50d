package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appAsset "github.com/dataspace-connector/connector/internal/application/asset"
	appNegotiation "github.com/dataspace-connector/connector/internal/application/negotiation"
	appTransfer "github.com/dataspace-connector/connector/internal/application/transfer"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	"github.com/dataspace-connector/connector/internal/faults"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiationSvc *appNegotiation.Service
	transferSvc    *appTransfer.Service
	assetSvc       *appAsset.Service
	identity       protocol.IdentityService
	managementKey  string
	metrics        http.Handler
	logger         zerolog.Logger
}

// NewServer wires the HTTP API. An empty managementKey leaves the management API open; a nil
// metrics handler leaves /metrics unmounted.
func NewServer(
	negotiationSvc *appNegotiation.Service,
	transferSvc *appTransfer.Service,
	assetSvc *appAsset.Service,
	identity protocol.IdentityService,
	managementKey string,
	metrics http.Handler,
	logger zerolog.Logger,
) *Server {
	return &Server{
		negotiationSvc: negotiationSvc,
		transferSvc:    transferSvc,
		assetSvc:       assetSvc,
		identity:       identity,
		managementKey:  managementKey,
		metrics:        metrics,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/protocol", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireParticipant)

		r.Route("/negotiations", func(r chi.Router) {
			r.Post("/request", s.negotiationRequest)
			r.Post("/{pid}/request", s.negotiationRequest)
			r.Post("/{pid}/offers", s.negotiationOffer)
			r.Post("/{pid}/events", s.negotiationEvent)
			r.Post("/{pid}/agreement", s.negotiationAgreement)
			r.Post("/{pid}/agreement/verification", s.negotiationVerification)
			r.Post("/{pid}/termination", s.negotiationTermination)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/request", s.transferRequest)
			r.Post("/{pid}/start", s.transferStart)
			r.Post("/{pid}/completion", s.transferCompletion)
			r.Post("/{pid}/termination", s.transferTermination)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireManagementKey)

		r.Route("/assets", func(r chi.Router) {
			r.Post("/", s.createAsset)
			r.Get("/", s.listAssets)
			r.Get("/{assetId}", s.getAsset)
		})

		r.Route("/negotiations", func(r chi.Router) {
			r.Post("/", s.initiateNegotiation)
			r.Get("/", s.listNegotiations)
			r.Get("/{negotiationId}", s.getNegotiation)
			r.Post("/{negotiationId}/accept", s.acceptOffer)
			r.Post("/{negotiationId}/terminate", s.terminateNegotiation)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", s.initiateTransfer)
			r.Get("/", s.listTransfers)
			r.Get("/{transferId}", s.getTransfer)
			r.Post("/{transferId}/complete", s.completeTransfer)
			r.Post("/{transferId}/terminate", s.terminateTransfer)
			r.Post("/{transferId}/deprovision", s.deprovisionTransfer)
		})
	})

	r.Route("/callback/{flowId}/{resourceId}", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireManagementKey)
		r.Post("/provision", s.provisionCallback)
		r.Post("/deprovision", s.deprovisionCallback)
	})

	// Streams can run longer than the API timeout.
	r.Get("/public/{processId}", s.pullData)

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps service errors onto HTTP statuses. Counterparties treat 4xx as
// final and everything else as retryable.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *faults.Error
	switch {
	case errors.Is(err, entity.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, protocol.ErrInvalidMessage), errors.Is(err, dataplane.ErrUnsupportedType):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, protocol.ErrForbidden), errors.Is(err, policy.ErrDenied):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, dataplane.ErrTokenInvalid):
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, entity.ErrInvalidTransition), errors.Is(err, appAsset.ErrExists):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, entity.ErrLeased):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "BUSY", err.Error())
	case errors.As(err, &fe) && fe.Class == faults.Transient:
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeMessage decodes a protocol message. Counterparties may send fields this connector does
// not know, so unknown fields are ignored.
func decodeMessage(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
