package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	appAsset "github.com/dataspace-connector/connector/internal/application/asset"
	appNegotiation "github.com/dataspace-connector/connector/internal/application/negotiation"
	appTransfer "github.com/dataspace-connector/connector/internal/application/transfer"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

type terminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// decodeOptionalBody decodes v from the body, accepting an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	err := decodeBody(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Asset handlers
func (s *Server) createAsset(w http.ResponseWriter, r *http.Request) {
	var req appAsset.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	a, err := s.assetSvc.Create(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 500)
	items, err := s.assetSvc.List(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.assetSvc.Get(r.Context(), chi.URLParam(r, "assetId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Negotiation handlers
func (s *Server) initiateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req appNegotiation.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	n, err := s.negotiationSvc.Initiate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 500)
	items, err := s.negotiationSvc.List(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiationSvc.Get(r.Context(), chi.URLParam(r, "negotiationId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiationSvc.AcceptOffer(r.Context(), chi.URLParam(r, "negotiationId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) terminateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	n, err := s.negotiationSvc.Terminate(r.Context(), chi.URLParam(r, "negotiationId"), req.Reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// Transfer handlers
func (s *Server) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	var req appTransfer.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	p, err := s.transferSvc.Initiate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 500)
	items, err := s.transferSvc.List(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	p, err := s.transferSvc.Get(r.Context(), chi.URLParam(r, "transferId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) completeTransfer(w http.ResponseWriter, r *http.Request) {
	p, err := s.transferSvc.Complete(r.Context(), chi.URLParam(r, "transferId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) terminateTransfer(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	p, err := s.transferSvc.Terminate(r.Context(), chi.URLParam(r, "transferId"), req.Reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) deprovisionTransfer(w http.ResponseWriter, r *http.Request) {
	p, err := s.transferSvc.Deprovision(r.Context(), chi.URLParam(r, "transferId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Callback handlers
type provisionCallbackRequest struct {
	DataAddress *transfer.DataAddress `json:"dataAddress,omitempty"`
}

func (s *Server) provisionCallback(w http.ResponseWriter, r *http.Request) {
	var req provisionCallbackRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	p, err := s.transferSvc.ProvisionCallback(r.Context(), chi.URLParam(r, "flowId"), chi.URLParam(r, "resourceId"), req.DataAddress)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": p.ID, "state": transfer.StateName(p.State)})
}

func (s *Server) deprovisionCallback(w http.ResponseWriter, r *http.Request) {
	p, err := s.transferSvc.DeprovisionCallback(r.Context(), chi.URLParam(r, "flowId"), chi.URLParam(r, "resourceId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": p.ID, "state": transfer.StateName(p.State)})
}

// pullData streams the content of a started pull transfer to the holder of its access token.
func (s *Server) pullData(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "processId")
	rc, err := s.transferSvc.OpenPull(r.Context(), processID, extractToken(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("transfer_id", processID).Msg("pull stream interrupted")
	}
}
