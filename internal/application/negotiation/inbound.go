package negotiation

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"

	sm "github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	domain "github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
)

func ack(n *domain.ContractNegotiation) *protocol.Ack {
	return &protocol.Ack{ProcessIDs: processIDs(n), State: domain.StateName(n.State)}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// checkCounterParty rejects messages from anyone but the negotiation's counterparty. An empty
// participant id means inbound authentication is disabled.
func checkCounterParty(n *domain.ContractNegotiation, participantID string, role entity.Role) error {
	if n.Role != role {
		return fmt.Errorf("negotiation %s: %w", n.ID, entity.ErrNotFound)
	}
	if participantID != "" && n.CounterPartyID != "" && n.CounterPartyID != participantID {
		return protocol.ErrForbidden
	}
	return nil
}

// HandleRequest processes a contract request on the provider side. A first request creates the
// negotiation; a request naming providerPid is a counter-request on an existing one. The
// request is evaluated against the asset's policy before the response is returned.
func (s *Service) HandleRequest(ctx context.Context, participantID string, msg protocol.ContractRequestMessage) (*protocol.Ack, error) {
	if msg.ConsumerPID == "" {
		return nil, invalid("consumerPid is required")
	}
	if msg.Offer.ID == "" || msg.Offer.AssetID == "" {
		return nil, invalid("offer id and assetId are required")
	}

	if msg.ProviderPID != "" {
		n, err := s.mutator.Update(ctx, msg.ProviderPID, func(n *domain.ContractNegotiation) error {
			if err := checkCounterParty(n, participantID, entity.RoleProvider); err != nil {
				return err
			}
			if err := sm.Transition(n, domain.Requested, s.clock.Now()); err != nil {
				return err
			}
			n.AddContractOffer(msg.Offer)
			return s.decide(ctx, n, participantID)
		})
		if err != nil {
			return nil, err
		}
		return ack(n), nil
	}

	if msg.CallbackAddress == "" {
		return nil, invalid("callbackAddress is required")
	}
	existing, err := s.store.FindByCorrelationID(ctx, msg.ConsumerPID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Role == entity.RoleProvider {
		if participantID != "" && existing.CounterPartyID != participantID {
			return nil, protocol.ErrForbidden
		}
		return ack(existing), nil
	}

	n := domain.New(uuid.NewString(), entity.RoleProvider, domain.Requested, s.clock.Now())
	n.CorrelationID = msg.ConsumerPID
	n.CounterPartyID = participantID
	n.CounterPartyAddress = msg.CallbackAddress
	n.Protocol = DefaultProtocol
	n.AddContractOffer(msg.Offer)
	sm.InjectTraceContext(ctx, &n.Base)
	if err := s.decide(ctx, n, participantID); err != nil {
		return nil, err
	}
	stored, created, err := s.store.Create(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("save negotiation: %w", err)
	}
	if !created {
		// A concurrent copy of the same request won.
		if participantID != "" && stored.CounterPartyID != participantID {
			return nil, protocol.ErrForbidden
		}
		return ack(stored), nil
	}
	return ack(n), nil
}

// decide evaluates the requested offer against the asset's own policy. An approved request whose
// offer carries the asset policy goes straight to AGREEING; one carrying a different policy is
// answered with a counter-offer of the asset policy. A denied request is terminated.
func (s *Service) decide(ctx context.Context, n *domain.ContractNegotiation, participantID string) error {
	now := s.clock.Now()
	offer := n.LastContractOffer()
	log := s.logger.With().Str("negotiation_id", n.ID).Str("asset_id", offer.AssetID).Logger()

	a, err := s.assets.FindByID(ctx, offer.AssetID)
	if err != nil {
		return fmt.Errorf("find asset %s: %w", offer.AssetID, err)
	}
	if a == nil {
		log.Warn().Msg("contract request for unknown asset")
		n.Fail(domain.Terminating, "asset not found: "+offer.AssetID, now)
		return nil
	}

	facts := map[string]any{
		"agent": map[string]any{"id": participantID},
		"asset": map[string]any{"id": a.ID},
		"now":   now.UnixMilli(),
	}
	if err := s.policies.Evaluate(ctx, policy.ScopeNegotiation, a.Policy, facts); err != nil {
		log.Info().Err(err).Msg("contract request rejected")
		n.Fail(domain.Terminating, "contract request rejected: "+err.Error(), now)
		return nil
	}

	if !samePolicy(offer.Policy, a.Policy) {
		n.AddContractOffer(domain.ContractOffer{
			ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(n.ID+":offer:"+strconv.Itoa(len(n.ContractOffers)))).String(),
			AssetID: a.ID,
			Policy:  a.Policy,
		})
		n.TransitionTo(domain.Offering, now)
		log.Info().Msg("contract request answered with counter-offer")
		return nil
	}
	n.TransitionTo(domain.Agreeing, now)
	log.Info().Msg("contract request approved")
	return nil
}

func samePolicy(a, b policy.Policy) bool {
	return reflect.DeepEqual(a.Permissions, b.Permissions) && reflect.DeepEqual(a.Prohibitions, b.Prohibitions)
}

// HandleOffer records a provider offer on a consumer negotiation.
func (s *Service) HandleOffer(ctx context.Context, participantID string, msg protocol.ContractOfferMessage) (*protocol.Ack, error) {
	if msg.ConsumerPID == "" {
		return nil, invalid("consumerPid is required")
	}
	n, err := s.mutator.Update(ctx, msg.ConsumerPID, func(n *domain.ContractNegotiation) error {
		if err := checkCounterParty(n, participantID, entity.RoleConsumer); err != nil {
			return err
		}
		if n.State == domain.Offered && n.LastContractOffer().ID == msg.Offer.ID {
			return sm.ErrUnchanged
		}
		if err := sm.Transition(n, domain.Offered, s.clock.Now()); err != nil {
			return err
		}
		if n.CorrelationID == "" {
			n.CorrelationID = msg.ProviderPID
		}
		n.AddContractOffer(msg.Offer)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack(n), nil
}

// HandleEvent applies an ACCEPTED event on the provider or a FINALIZED event on the consumer.
func (s *Service) HandleEvent(ctx context.Context, participantID string, msg protocol.ContractNegotiationEventMessage) (*protocol.Ack, error) {
	var (
		id     string
		role   entity.Role
		target int
	)
	switch msg.EventType {
	case protocol.EventAccepted:
		id, role, target = msg.ProviderPID, entity.RoleProvider, domain.Accepted
	case protocol.EventFinalized:
		id, role, target = msg.ConsumerPID, entity.RoleConsumer, domain.Finalized
	default:
		return nil, invalid("unknown event type %q", msg.EventType)
	}
	if id == "" {
		return nil, invalid("process id is required")
	}
	n, err := s.mutator.Update(ctx, id, func(n *domain.ContractNegotiation) error {
		if err := checkCounterParty(n, participantID, role); err != nil {
			return err
		}
		return sm.Transition(n, target, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	return ack(n), nil
}

// HandleAgreement records the provider's agreement on a consumer negotiation.
func (s *Service) HandleAgreement(ctx context.Context, participantID string, msg protocol.ContractAgreementMessage) (*protocol.Ack, error) {
	if msg.ConsumerPID == "" {
		return nil, invalid("consumerPid is required")
	}
	if msg.Agreement.ID == "" {
		return nil, invalid("agreement id is required")
	}
	n, err := s.mutator.Update(ctx, msg.ConsumerPID, func(n *domain.ContractNegotiation) error {
		if err := checkCounterParty(n, participantID, entity.RoleConsumer); err != nil {
			return err
		}
		if n.ContractAgreement != nil && n.ContractAgreement.ID == msg.Agreement.ID {
			return sm.ErrUnchanged
		}
		if offer := n.LastContractOffer(); offer != nil && offer.AssetID != msg.Agreement.AssetID {
			return invalid("agreement asset %s does not match requested asset %s", msg.Agreement.AssetID, offer.AssetID)
		}
		if err := sm.Transition(n, domain.Agreed, s.clock.Now()); err != nil {
			return err
		}
		if n.CorrelationID == "" {
			n.CorrelationID = msg.ProviderPID
		}
		agreement := msg.Agreement
		n.ContractAgreement = &agreement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack(n), nil
}

// HandleVerification records the consumer's verification on a provider negotiation.
func (s *Service) HandleVerification(ctx context.Context, participantID string, msg protocol.ContractAgreementVerificationMessage) (*protocol.Ack, error) {
	if msg.ProviderPID == "" {
		return nil, invalid("providerPid is required")
	}
	n, err := s.mutator.Update(ctx, msg.ProviderPID, func(n *domain.ContractNegotiation) error {
		if err := checkCounterParty(n, participantID, entity.RoleProvider); err != nil {
			return err
		}
		return sm.Transition(n, domain.Verified, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	return ack(n), nil
}

// HandleTermination ends the negotiation id the counterparty terminated. The counterparty
// already knows, so the negotiation goes straight to TERMINATED.
func (s *Service) HandleTermination(ctx context.Context, participantID, id string, msg protocol.ContractNegotiationTerminationMessage) (*protocol.Ack, error) {
	if id == "" {
		return nil, invalid("process id is required")
	}
	n, err := s.mutator.Update(ctx, id, func(n *domain.ContractNegotiation) error {
		if err := checkCounterParty(n, participantID, n.Role); err != nil {
			return err
		}
		if n.State == domain.Terminated {
			return sm.ErrUnchanged
		}
		if !n.CanTransitionTo(domain.Terminated) {
			return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, domain.StateName(n.State), domain.StateName(domain.Terminated))
		}
		detail := "terminated by counterparty"
		if reason := strings.TrimSpace(msg.Reason); reason != "" {
			detail += ": " + reason
		}
		n.Fail(domain.Terminated, detail, s.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack(n), nil
}
