package negotiation

import (
	"context"

	"github.com/google/uuid"

	sm "github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	domain "github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
)

func (s *Service) registerHandlers() {
	consumer := func(state int) entity.Query { return entity.Query{State: state, Role: entity.RoleConsumer} }
	provider := func(state int) entity.Query { return entity.Query{State: state, Role: entity.RoleProvider} }

	s.processor.Register(consumer(domain.Initial), s.handleInitial)
	s.processor.Register(consumer(domain.Requesting), s.handleRequesting)
	s.processor.Register(consumer(domain.Accepting), s.handleAccepting)
	s.processor.Register(consumer(domain.Agreed), s.handleConsumerAgreed)
	s.processor.Register(consumer(domain.Verifying), s.handleVerifying)

	s.processor.Register(provider(domain.Offering), s.handleOffering)
	s.processor.Register(provider(domain.Accepted), s.handleProviderAccepted)
	s.processor.Register(provider(domain.Agreeing), s.handleAgreeing)
	s.processor.Register(provider(domain.Verified), s.handleProviderVerified)
	s.processor.Register(provider(domain.Finalizing), s.handleFinalizing)

	s.processor.Register(entity.Query{State: domain.Terminating}, s.handleTerminating)
}

// processIDs addresses n's process on both sides.
func processIDs(n *domain.ContractNegotiation) protocol.ProcessIDs {
	if n.Role == entity.RoleConsumer {
		return protocol.ProcessIDs{ConsumerPID: n.ID, ProviderPID: n.CorrelationID}
	}
	return protocol.ProcessIDs{ProviderPID: n.ID, ConsumerPID: n.CorrelationID}
}

func (s *Service) send(ctx context.Context, n *domain.ContractNegotiation, msg protocol.Message, next int) sm.Outcome {
	if _, err := s.dispatcher.Dispatch(ctx, n.CounterPartyAddress, msg); err != nil {
		return sm.FromError(err)
	}
	return sm.Advance(next)
}

func (s *Service) handleInitial(_ context.Context, _ *domain.ContractNegotiation) sm.Outcome {
	return sm.Advance(domain.Requesting)
}

func (s *Service) handleRequesting(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	offer := n.LastContractOffer()
	if offer == nil {
		return sm.Fatal("no contract offer to request")
	}
	ack, err := s.dispatcher.Dispatch(ctx, n.CounterPartyAddress, protocol.ContractRequestMessage{
		ProcessIDs:      processIDs(n),
		Offer:           *offer,
		CallbackAddress: s.cfg.ProtocolAddress,
	})
	if err != nil {
		return sm.FromError(err)
	}
	if ack != nil && ack.ProviderPID != "" {
		n.CorrelationID = ack.ProviderPID
	}
	return sm.Advance(domain.Requested)
}

func (s *Service) handleAccepting(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	return s.send(ctx, n, protocol.ContractNegotiationEventMessage{
		ProcessIDs: processIDs(n),
		EventType:  protocol.EventAccepted,
	}, domain.Accepted)
}

func (s *Service) handleConsumerAgreed(_ context.Context, _ *domain.ContractNegotiation) sm.Outcome {
	return sm.Advance(domain.Verifying)
}

func (s *Service) handleVerifying(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	return s.send(ctx, n, protocol.ContractAgreementVerificationMessage{ProcessIDs: processIDs(n)}, domain.Verified)
}

func (s *Service) handleOffering(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	offer := n.LastContractOffer()
	if offer == nil {
		return sm.Fatal("no contract offer to send")
	}
	return s.send(ctx, n, protocol.ContractOfferMessage{
		ProcessIDs:      processIDs(n),
		Offer:           *offer,
		CallbackAddress: s.cfg.ProtocolAddress,
	}, domain.Offered)
}

func (s *Service) handleProviderAccepted(_ context.Context, _ *domain.ContractNegotiation) sm.Outcome {
	return sm.Advance(domain.Agreeing)
}

// handleAgreeing concludes the agreement. Its id derives from the negotiation id so a retried
// send carries the same agreement.
func (s *Service) handleAgreeing(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	offer := n.LastContractOffer()
	if offer == nil {
		return sm.Fatal("no contract offer to agree on")
	}
	// Built from the persisted negotiation only, so a replay after a lost save sends the same agreement.
	if n.ContractAgreement == nil {
		agreed := offer.Policy
		agreed.Target = offer.AssetID
		agreed.Assigner = s.cfg.ParticipantID
		agreed.Assignee = n.CounterPartyID
		n.ContractAgreement = &domain.ContractAgreement{
			ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("agreement:"+n.ID)).String(),
			ProviderID:  s.cfg.ParticipantID,
			ConsumerID:  n.CounterPartyID,
			AssetID:     offer.AssetID,
			SigningDate: n.StateTimestamp,
			Policy:      agreed,
		}
	}
	return s.send(ctx, n, protocol.ContractAgreementMessage{
		ProcessIDs:      processIDs(n),
		Agreement:       *n.ContractAgreement,
		CallbackAddress: s.cfg.ProtocolAddress,
	}, domain.Agreed)
}

func (s *Service) handleProviderVerified(_ context.Context, _ *domain.ContractNegotiation) sm.Outcome {
	return sm.Advance(domain.Finalizing)
}

func (s *Service) handleFinalizing(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	return s.send(ctx, n, protocol.ContractNegotiationEventMessage{
		ProcessIDs: processIDs(n),
		EventType:  protocol.EventFinalized,
	}, domain.Finalized)
}

// handleTerminating notifies the counterparty. Without a correlation id the counterparty has no
// process to terminate.
func (s *Service) handleTerminating(ctx context.Context, n *domain.ContractNegotiation) sm.Outcome {
	if n.CorrelationID == "" {
		return sm.Advance(domain.Terminated)
	}
	to := protocol.ToProvider
	if n.Role == entity.RoleProvider {
		to = protocol.ToConsumer
	}
	reason := ""
	if n.ErrorDetail != nil {
		reason = *n.ErrorDetail
	}
	return s.send(ctx, n, protocol.ContractNegotiationTerminationMessage{
		ProcessIDs: processIDs(n),
		Reason:     reason,
		To:         to,
	}, domain.Terminated)
}
