package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	sm "github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	domain "github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/faults"
)

func ack(p *domain.Process) *protocol.Ack {
	return &protocol.Ack{ProcessIDs: processIDs(p), State: domain.StateName(p.State)}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func checkCounterParty(p *domain.Process, participantID string, role entity.Role) error {
	if p.Role != role {
		return fmt.Errorf("transfer %s: %w", p.ID, entity.ErrNotFound)
	}
	if participantID != "" && p.CounterPartyID != "" && p.CounterPartyID != participantID {
		return protocol.ErrForbidden
	}
	return nil
}

// HandleRequest creates a provider transfer for a consumer's request. The agreement must have
// been concluded with the caller and its policy must permit the transfer.
func (s *Service) HandleRequest(ctx context.Context, participantID string, msg protocol.TransferRequestMessage) (*protocol.Ack, error) {
	var problems []string
	if msg.ConsumerPID == "" {
		problems = append(problems, "consumerPid is required")
	}
	if msg.AgreementID == "" {
		problems = append(problems, "agreementId is required")
	}
	if msg.TransferType == "" {
		problems = append(problems, "format is required")
	}
	if msg.CallbackAddress == "" {
		problems = append(problems, "callbackAddress is required")
	}
	req := domain.DataRequest{ContractID: msg.AgreementID, TransferType: msg.TransferType}
	if req.FlowType() == domain.FlowPush && (msg.DataAddress == nil || msg.DataAddress.Type == "") {
		problems = append(problems, "dataAddress is required for push transfers")
	}
	if len(problems) > 0 {
		return nil, invalid("%s", strings.Join(problems, "; "))
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

	n, err := s.agreements.AgreementFor(ctx, msg.AgreementID)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, invalid("unknown agreement %s", msg.AgreementID)
	}
	if err != nil {
		return nil, err
	}
	if n.Role != entity.RoleProvider {
		return nil, invalid("agreement %s was not concluded by this provider", msg.AgreementID)
	}
	if participantID != "" && n.ContractAgreement.ConsumerID != participantID {
		return nil, protocol.ErrForbidden
	}
	agreement := n.ContractAgreement
	facts := map[string]any{
		"agent":     map[string]any{"id": participantID},
		"asset":     map[string]any{"id": agreement.AssetID},
		"agreement": map[string]any{"id": agreement.ID},
		"now":       s.clock.Now().UnixMilli(),
	}
	if err := s.policies.Evaluate(ctx, policy.ScopeTransfer, agreement.Policy, facts); err != nil {
		return nil, err
	}
	a, err := s.assets.FindByID(ctx, agreement.AssetID)
	if err != nil {
		return nil, fmt.Errorf("find asset %s: %w", agreement.AssetID, err)
	}
	if a == nil {
		return nil, invalid("asset %s is no longer offered", agreement.AssetID)
	}

	req.AssetID = agreement.AssetID
	if msg.DataAddress != nil {
		req.Destination = *msg.DataAddress
	}
	p := domain.New(uuid.NewString(), entity.RoleProvider, req, s.clock.Now())
	p.CorrelationID = msg.ConsumerPID
	p.CounterPartyID = agreement.ConsumerID
	p.CounterPartyAddress = msg.CallbackAddress
	p.Protocol = DefaultProtocol
	content := a.DataAddress
	p.ContentDataAddress = &content
	sm.InjectTraceContext(ctx, &p.Base)
	stored, created, err := s.store.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("save transfer: %w", err)
	}
	if !created {
		// A concurrent copy of the same request won.
		if participantID != "" && stored.CounterPartyID != participantID {
			return nil, protocol.ErrForbidden
		}
		return ack(stored), nil
	}
	s.logger.Info().Str("transfer_id", p.ID).Str("agreement_id", agreement.ID).Str("transfer_type", msg.TransferType).Msg("transfer requested")
	return ack(p), nil
}

// HandleStart records the provider's start on a consumer transfer. For pull transfers the
// message carries the endpoint, kept as the content data address.
func (s *Service) HandleStart(ctx context.Context, participantID string, msg protocol.TransferStartMessage) (*protocol.Ack, error) {
	if msg.ConsumerPID == "" {
		return nil, invalid("consumerPid is required")
	}
	p, err := s.mutator.Update(ctx, msg.ConsumerPID, func(p *domain.Process) error {
		if err := checkCounterParty(p, participantID, entity.RoleConsumer); err != nil {
			return err
		}
		if err := sm.Transition(p, domain.Started, s.clock.Now()); err != nil {
			return err
		}
		if p.CorrelationID == "" {
			p.CorrelationID = msg.ProviderPID
		}
		if msg.DataAddress != nil {
			addr := *msg.DataAddress
			p.ContentDataAddress = &addr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack(p), nil
}

// HandleCompletion completes transfer id on the counterparty's notice.
func (s *Service) HandleCompletion(ctx context.Context, participantID, id string) (*protocol.Ack, error) {
	if id == "" {
		return nil, invalid("process id is required")
	}
	p, err := s.mutator.Update(ctx, id, func(p *domain.Process) error {
		if err := checkCounterParty(p, participantID, p.Role); err != nil {
			return err
		}
		return sm.Transition(p, domain.Completed, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	s.revokeTokens(ctx, p)
	return ack(p), nil
}

// HandleTermination terminates transfer id on the counterparty's notice.
func (s *Service) HandleTermination(ctx context.Context, participantID, id string, msg protocol.TransferTerminationMessage) (*protocol.Ack, error) {
	if id == "" {
		return nil, invalid("process id is required")
	}
	p, err := s.mutator.Update(ctx, id, func(p *domain.Process) error {
		if err := checkCounterParty(p, participantID, p.Role); err != nil {
			return err
		}
		if p.State == domain.Terminated {
			return sm.ErrUnchanged
		}
		if !p.CanTransitionTo(domain.Terminated) {
			return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, domain.StateName(p.State), domain.StateName(domain.Terminated))
		}
		detail := "terminated by counterparty"
		if reason := strings.TrimSpace(msg.Reason); reason != "" {
			detail += ": " + reason
		}
		p.Fail(domain.Terminated, detail, s.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.revokeTokens(ctx, p)
	return ack(p), nil
}

// ProvisionCallback resolves a pending resource reported by an asynchronous provisioner. The
// process advances on its next processing cycle.
func (s *Service) ProvisionCallback(ctx context.Context, processID, definitionID string, addr *domain.DataAddress) (*domain.Process, error) {
	return s.mutator.Update(ctx, processID, func(p *domain.Process) error {
		if p.Provisioned(definitionID) {
			return sm.ErrUnchanged
		}
		if p.State != domain.Provisioning {
			return fmt.Errorf("%w: transfer is %s", entity.ErrInvalidTransition, domain.StateName(p.State))
		}
		if !p.CompleteProvisioning(definitionID, addr) {
			return fmt.Errorf("resource definition %s: %w", definitionID, entity.ErrNotFound)
		}
		return nil
	})
}

// DeprovisionCallback resolves a pending teardown reported by an asynchronous provisioner.
func (s *Service) DeprovisionCallback(ctx context.Context, processID, resourceID string) (*domain.Process, error) {
	return s.mutator.Update(ctx, processID, func(p *domain.Process) error {
		if p.State == domain.Deprovisioned {
			return sm.ErrUnchanged
		}
		if p.State != domain.Deprovisioning {
			return fmt.Errorf("%w: transfer is %s", entity.ErrInvalidTransition, domain.StateName(p.State))
		}
		if !p.CompleteDeprovisioning(resourceID) {
			return fmt.Errorf("provisioned resource %s: %w", resourceID, entity.ErrNotFound)
		}
		return nil
	})
}

// CompleteDataFlow records the result of a push data flow on its provider transfer: success
// moves it to COMPLETING, failure to TERMINATING. A result arriving while the start message is
// still being delivered is kept on the transfer and applied once STARTING succeeds.
func (s *Service) CompleteDataFlow(ctx context.Context, processID string, flowErr error) error {
	_, err := s.mutator.Update(ctx, processID, func(p *domain.Process) error {
		switch p.State {
		case domain.Provisioned, domain.Starting:
			if !p.DataFlowSubmitted {
				return faults.Transientf("complete data flow", "transfer %s is %s", p.ID, domain.StateName(p.State))
			}
			if p.DataFlowResult != nil {
				return sm.ErrUnchanged
			}
			p.DataFlowResult = &domain.DataFlowResult{}
			if flowErr != nil {
				p.DataFlowResult.Error = flowErr.Error()
			}
			return nil
		case domain.Started:
		default:
			return sm.ErrUnchanged
		}
		now := s.clock.Now()
		if flowErr != nil {
			p.Fail(domain.Terminating, "data flow failed: "+flowErr.Error(), now)
			return nil
		}
		p.TransitionTo(domain.Completing, now)
		return nil
	})
	return err
}

// OpenPull opens the content of a started pull transfer for the holder of token.
func (s *Service) OpenPull(ctx context.Context, processID, token string) (io.ReadCloser, error) {
	claims, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.ProcessID != processID {
		return nil, dataplane.ErrTokenInvalid
	}
	p, err := s.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	if p.Role != entity.RoleProvider || p.State != domain.Started || p.ContentDataAddress == nil {
		return nil, dataplane.ErrTokenInvalid
	}
	src, ok := s.dataPlane.Source(p.ContentDataAddress.Type)
	if !ok {
		return nil, fmt.Errorf("%w: source %q", dataplane.ErrUnsupportedType, p.ContentDataAddress.Type)
	}
	return src.Open(ctx, *p.ContentDataAddress)
}
