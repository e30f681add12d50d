package transfer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	sm "github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	domain "github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/faults"
)

// Properties of the address handed to a consumer for pull transfers. They match the HttpData
// source so the consumer can read the endpoint directly.
const (
	pullAddressType = "HttpData"
	propBaseURL     = "baseUrl"
	propAuthKey     = "authKey"
	propAuthCode    = "authCode"
)

func (s *Service) registerHandlers() {
	consumer := func(state int) entity.Query { return entity.Query{State: state, Role: entity.RoleConsumer} }
	provider := func(state int) entity.Query { return entity.Query{State: state, Role: entity.RoleProvider} }
	both := func(state int) entity.Query { return entity.Query{State: state} }

	s.processor.Register(both(domain.Initial), s.handleInitial)
	s.processor.Register(both(domain.Provisioning), s.handleProvisioning)
	s.processor.Register(both(domain.Provisioned), s.handleProvisioned)
	s.processor.Register(consumer(domain.Requesting), s.handleRequesting)
	s.processor.Register(provider(domain.Starting), s.handleStarting)
	s.processor.Register(both(domain.Completing), s.handleCompleting)
	s.processor.Register(both(domain.Terminating), s.handleTerminating)
	s.processor.Register(both(domain.Deprovisioning), s.handleDeprovisioning)
}

func processIDs(p *domain.Process) protocol.ProcessIDs {
	if p.Role == entity.RoleConsumer {
		return protocol.ProcessIDs{ConsumerPID: p.ID, ProviderPID: p.CorrelationID}
	}
	return protocol.ProcessIDs{ProviderPID: p.ID, ConsumerPID: p.CorrelationID}
}

func counterparty(p *domain.Process) protocol.Recipient {
	if p.Role == entity.RoleConsumer {
		return protocol.ToProvider
	}
	return protocol.ToConsumer
}

// handleInitial builds the resource manifest. A process without an explicit manifest gets one
// definition for the address it writes to (consumer) or reads from (provider) when a
// provisioner handles that address type.
func (s *Service) handleInitial(_ context.Context, p *domain.Process) sm.Outcome {
	if len(p.ResourceManifest) == 0 {
		addr := p.DataRequest.Destination
		if p.Role == entity.RoleProvider && p.ContentDataAddress != nil {
			addr = *p.ContentDataAddress
		}
		if _, ok := s.provisioners[addr.Type]; ok && addr.Type != "" {
			p.ResourceManifest = []domain.ResourceDefinition{{
				ID:         uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.ID+":"+addr.Type)).String(),
				Type:       addr.Type,
				Properties: maps.Clone(addr.Properties),
			}}
		}
	}
	return sm.Advance(domain.Provisioning)
}

// handleProvisioning runs the provisioner of every definition not handled yet. Asynchronous
// results stay pending until their callback arrives; the state is retried until then.
func (s *Service) handleProvisioning(ctx context.Context, p *domain.Process) sm.Outcome {
	for _, def := range p.UnprovisionedDefinitions() {
		prov, ok := s.provisioners[def.Type]
		if !ok {
			return sm.Fatalf("no provisioner for resource type %q", def.Type)
		}
		res, err := prov.Provision(ctx, p.ID, def)
		if err != nil {
			return sm.FromError(fmt.Errorf("provision %s: %w", def.ID, err))
		}
		pr := res.Resource
		if pr.ID == "" {
			pr.ID = def.ID
		}
		pr.ResourceDefinitionID = def.ID
		if pr.Type == "" {
			pr.Type = def.Type
		}
		pr.Pending = res.Async
		p.RecordProvisioned(pr)
	}
	if !p.ProvisioningComplete() {
		pending := 0
		for _, pr := range p.ProvisionedResources {
			if pr.Pending {
				pending++
			}
		}
		return sm.Retry(fmt.Errorf("waiting for %d asynchronously provisioned resources", pending))
	}
	return sm.Advance(domain.Provisioned)
}

func (s *Service) handleProvisioned(_ context.Context, p *domain.Process) sm.Outcome {
	if p.Role == entity.RoleConsumer {
		return sm.Advance(domain.Requesting)
	}
	return sm.Advance(domain.Starting)
}

func (s *Service) handleRequesting(ctx context.Context, p *domain.Process) sm.Outcome {
	msg := protocol.TransferRequestMessage{
		ProcessIDs:      processIDs(p),
		AgreementID:     p.DataRequest.ContractID,
		TransferType:    p.DataRequest.TransferType,
		CallbackAddress: s.cfg.ProtocolAddress,
	}
	if p.DataRequest.FlowType() == domain.FlowPush {
		dest := p.Destination()
		msg.DataAddress = &dest
	}
	ack, err := s.dispatcher.Dispatch(ctx, p.CounterPartyAddress, msg)
	if err != nil {
		return sm.FromError(err)
	}
	if ack != nil && ack.ProviderPID != "" {
		p.CorrelationID = ack.ProviderPID
	}
	return sm.Advance(domain.Requested)
}

// handleStarting starts the data flow on the provider. Push transfers are queued on the data
// plane once, before the consumer is told; a retry only repeats the start message. Pull
// transfers hand the consumer an endpoint and token.
func (s *Service) handleStarting(ctx context.Context, p *domain.Process) sm.Outcome {
	if p.ContentDataAddress == nil {
		return sm.Fatal("transfer has no content data address")
	}
	msg := protocol.TransferStartMessage{ProcessIDs: processIDs(p)}

	switch p.DataRequest.FlowType() {
	case domain.FlowPush:
		if !p.DataFlowSubmitted {
			err := s.dataPlane.Submit(dataplane.Task{
				FlowID:       p.ID,
				AgreementID:  p.DataRequest.ContractID,
				Source:       *p.ContentDataAddress,
				Destination:  p.Destination(),
				TransferType: p.DataRequest.TransferType,
			})
			if err != nil {
				return sm.FromError(err)
			}
			p.DataFlowSubmitted = true
		}
	case domain.FlowPull:
		token, _, err := s.tokens.Issue(ctx, dataplane.TokenRequest{
			AgreementID:  p.DataRequest.ContractID,
			AssetID:      p.DataRequest.AssetID,
			ProcessID:    p.ID,
			TransferType: p.DataRequest.TransferType,
			Audience:     p.CounterPartyID,
		})
		if err != nil {
			return sm.Retry(err)
		}
		msg.DataAddress = &domain.DataAddress{
			Type: pullAddressType,
			Properties: map[string]string{
				propBaseURL:  strings.TrimRight(s.cfg.PublicAddress, "/") + "/public/" + p.ID,
				propAuthKey:  "Authorization",
				propAuthCode: "Bearer " + token,
			},
		}
	}

	if _, err := s.dispatcher.Dispatch(ctx, p.CounterPartyAddress, msg); err != nil {
		return sm.FromError(err)
	}
	// The flow may have finished while the start message was being retried.
	if res := p.DataFlowResult; res != nil {
		if res.Error != "" {
			return sm.Fatal("data flow failed: " + res.Error)
		}
		return sm.Advance(domain.Completing)
	}
	return sm.Advance(domain.Started)
}

func (s *Service) handleCompleting(ctx context.Context, p *domain.Process) sm.Outcome {
	if _, err := s.dispatcher.Dispatch(ctx, p.CounterPartyAddress, protocol.TransferCompletionMessage{
		ProcessIDs: processIDs(p),
		To:         counterparty(p),
	}); err != nil {
		return sm.FromError(err)
	}
	s.revokeTokens(ctx, p)
	return sm.Advance(domain.Completed)
}

// handleTerminating notifies the counterparty when it knows the process.
func (s *Service) handleTerminating(ctx context.Context, p *domain.Process) sm.Outcome {
	s.revokeTokens(ctx, p)
	if p.CorrelationID == "" {
		return sm.Advance(domain.Terminated)
	}
	reason := ""
	if p.ErrorDetail != nil {
		reason = *p.ErrorDetail
	}
	if _, err := s.dispatcher.Dispatch(ctx, p.CounterPartyAddress, protocol.TransferTerminationMessage{
		ProcessIDs: processIDs(p),
		Reason:     reason,
		To:         counterparty(p),
	}); err != nil {
		return sm.FromError(err)
	}
	return sm.Advance(domain.Terminated)
}

// handleDeprovisioning tears down every provisioned resource. Resources whose type no longer
// has a provisioner, or that are already gone, count as deprovisioned.
func (s *Service) handleDeprovisioning(ctx context.Context, p *domain.Process) sm.Outcome {
	for _, res := range p.ResourcesToDeprovision() {
		prov, ok := s.provisioners[res.Type]
		if !ok {
			p.RecordDeprovisioned(domain.DeprovisionedResource{ProvisionedResourceID: res.ID})
			continue
		}
		async, err := prov.Deprovision(ctx, p.ID, res)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				p.RecordDeprovisioned(domain.DeprovisionedResource{ProvisionedResourceID: res.ID})
				continue
			}
			return sm.FromError(fmt.Errorf("deprovision %s: %w", res.ID, err))
		}
		p.RecordDeprovisioned(domain.DeprovisionedResource{ProvisionedResourceID: res.ID, Pending: async})
	}
	if !p.DeprovisioningComplete() {
		return sm.Retry(faults.Transientf("deprovision", "waiting for asynchronous deprovisioning"))
	}
	return sm.Advance(domain.Deprovisioned)
}

func (s *Service) revokeTokens(ctx context.Context, p *domain.Process) {
	if p.Role != entity.RoleProvider || p.DataRequest.FlowType() != domain.FlowPull {
		return
	}
	if err := s.tokens.Revoke(ctx, p.ID); err != nil {
		s.logger.Warn().Err(err).Str("transfer_id", p.ID).Msg("failed to revoke access tokens")
	}
}
