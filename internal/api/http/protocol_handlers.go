package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dataspace-connector/connector/internal/domain/protocol"
)

// bindPID fills the process id addressed by the path into the message field, rejecting a body
// that names a different process.
func bindPID(w http.ResponseWriter, r *http.Request, field *string) bool {
	pid := chi.URLParam(r, "pid")
	if pid == "" {
		return true
	}
	if *field != "" && *field != pid {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "process id in body does not match path")
		return false
	}
	*field = pid
	return true
}

func (s *Server) respondAck(w http.ResponseWriter, r *http.Request, ack *protocol.Ack, err error) {
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) negotiationRequest(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractRequestMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !bindPID(w, r, &msg.ProviderPID) {
		return
	}
	ack, err := s.negotiationSvc.HandleRequest(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) negotiationOffer(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractOfferMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !bindPID(w, r, &msg.ConsumerPID) {
		return
	}
	ack, err := s.negotiationSvc.HandleOffer(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) negotiationEvent(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractNegotiationEventMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	field := &msg.ConsumerPID
	if msg.EventType == protocol.EventAccepted {
		field = &msg.ProviderPID
	}
	if !bindPID(w, r, field) {
		return
	}
	ack, err := s.negotiationSvc.HandleEvent(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) negotiationAgreement(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractAgreementMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !bindPID(w, r, &msg.ConsumerPID) {
		return
	}
	ack, err := s.negotiationSvc.HandleAgreement(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) negotiationVerification(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractAgreementVerificationMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !bindPID(w, r, &msg.ProviderPID) {
		return
	}
	ack, err := s.negotiationSvc.HandleVerification(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) negotiationTermination(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ContractNegotiationTerminationMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ack, err := s.negotiationSvc.HandleTermination(r.Context(), participantFromContext(r.Context()), chi.URLParam(r, "pid"), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) transferRequest(w http.ResponseWriter, r *http.Request) {
	var msg protocol.TransferRequestMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ack, err := s.transferSvc.HandleRequest(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) transferStart(w http.ResponseWriter, r *http.Request) {
	var msg protocol.TransferStartMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if !bindPID(w, r, &msg.ConsumerPID) {
		return
	}
	ack, err := s.transferSvc.HandleStart(r.Context(), participantFromContext(r.Context()), msg)
	s.respondAck(w, r, ack, err)
}

func (s *Server) transferCompletion(w http.ResponseWriter, r *http.Request) {
	var msg protocol.TransferCompletionMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ack, err := s.transferSvc.HandleCompletion(r.Context(), participantFromContext(r.Context()), chi.URLParam(r, "pid"))
	s.respondAck(w, r, ack, err)
}

func (s *Server) transferTermination(w http.ResponseWriter, r *http.Request) {
	var msg protocol.TransferTerminationMessage
	if err := decodeMessage(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ack, err := s.transferSvc.HandleTermination(r.Context(), participantFromContext(r.Context()), chi.URLParam(r, "pid"), msg)
	s.respondAck(w, r, ack, err)
}
