// Package transfer runs transfer processes on both the consumer and the provider side:
// provisioning, the protocol exchange, starting the data flow and tearing resources down.
package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	domain "github.com/dataspace-connector/connector/internal/domain/transfer"
)

// DefaultProtocol is the protocol id recorded on transfers that do not name one.
const DefaultProtocol = "dataspace-protocol-http"

// Agreements resolves contract agreements concluded by the negotiation service.
type Agreements interface {
	AgreementFor(ctx context.Context, agreementID string) (*negotiation.ContractNegotiation, error)
}

// DataPlane executes push flows and serves pull sources.
type DataPlane interface {
	Submit(task dataplane.Task) error
	Source(typ string) (dataplane.Source, bool)
}

// Tokens issues and checks pull access tokens.
type Tokens interface {
	Issue(ctx context.Context, req dataplane.TokenRequest) (string, dataplane.Claims, error)
	Verify(ctx context.Context, token string) (*dataplane.Claims, error)
	Revoke(ctx context.Context, processID string) error
}

// Config identifies this connector to its counterparties. PublicAddress is the base URL of the
// pull endpoint handed to consumers.
type Config struct {
	ParticipantID   string
	ProtocolAddress string
	PublicAddress   string
	StateMachine    statemachine.Config
}

// Service handles transfer processes.
type Service struct {
	cfg          Config
	store        domain.Store
	agreements   Agreements
	assets       asset.Store
	dispatcher   protocol.Dispatcher
	policies     policy.Engine
	dataPlane    DataPlane
	tokens       Tokens
	provisioners map[string]domain.Provisioner
	processor    *statemachine.Processor[*domain.Process]
	mutator      *statemachine.Mutator[*domain.Process]
	clock        clock.Clock
	logger       zerolog.Logger
}

// NewService creates a transfer service and registers its state handlers.
func NewService(
	cfg Config,
	store domain.Store,
	agreements Agreements,
	assets asset.Store,
	dispatcher protocol.Dispatcher,
	policies policy.Engine,
	dataPlane DataPlane,
	tokens Tokens,
	wait statemachine.WaitStrategy,
	clk clock.Clock,
	metrics *statemachine.Metrics,
	logger zerolog.Logger,
) *Service {
	if cfg.StateMachine.Name == "" {
		cfg.StateMachine.Name = "transfer"
	}
	processor := statemachine.NewProcessor[*domain.Process](cfg.StateMachine, store, wait, clk, metrics, logger)
	s := &Service{
		cfg:          cfg,
		store:        store,
		agreements:   agreements,
		assets:       assets,
		dispatcher:   dispatcher,
		policies:     policies,
		dataPlane:    dataPlane,
		tokens:       tokens,
		provisioners: map[string]domain.Provisioner{},
		processor:    processor,
		mutator:      statemachine.NewMutator[*domain.Process](store, processor.Leases(), statemachine.ContentionRetry()),
		clock:        clk,
		logger:       logger.With().Str("service", "transfer").Logger(),
	}
	s.registerHandlers()
	return s
}

// RegisterProvisioner adds a provisioner for its resource type. Registration happens before Run.
func (s *Service) RegisterProvisioner(p domain.Provisioner) {
	s.provisioners[p.ResourceType()] = p
}

// Run drives transfer processes until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error { return s.processor.Run(ctx) }

// ProcessOnce runs a single processing cycle.
func (s *Service) ProcessOnce(ctx context.Context) (int, error) { return s.processor.ProcessOnce(ctx) }

// InitiateRequest starts a transfer as consumer under a concluded agreement.
type InitiateRequest struct {
	AgreementID         string                      `json:"agreementId"`
	CounterPartyAddress string                      `json:"counterPartyAddress,omitempty"`
	TransferType        string                      `json:"transferType"`
	Destination         domain.DataAddress          `json:"dataDestination"`
	ResourceManifest    []domain.ResourceDefinition `json:"resourceManifest,omitempty"`
	CallbackAddresses   []domain.CallbackAddress    `json:"callbackAddresses,omitempty"`
}

func (r InitiateRequest) validate() error {
	var problems []string
	if r.AgreementID == "" {
		problems = append(problems, "agreementId is required")
	}
	if r.TransferType == "" {
		problems = append(problems, "transferType is required")
	}
	req := domain.DataRequest{TransferType: r.TransferType}
	if req.FlowType() == domain.FlowPush && r.Destination.Type == "" {
		problems = append(problems, "dataDestination.type is required for push transfers")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", protocol.ErrInvalidMessage, strings.Join(problems, "; "))
	}
	return nil
}

// Initiate creates a consumer transfer in INITIAL.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domain.Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n, err := s.agreements.AgreementFor(ctx, req.AgreementID)
	if err != nil {
		return nil, err
	}
	if n.Role != entity.RoleConsumer {
		return nil, fmt.Errorf("%w: agreement %s was not concluded as consumer", protocol.ErrInvalidMessage, req.AgreementID)
	}
	p := domain.New(uuid.NewString(), entity.RoleConsumer, domain.DataRequest{
		AssetID:      n.ContractAgreement.AssetID,
		ContractID:   req.AgreementID,
		Destination:  req.Destination,
		TransferType: req.TransferType,
	}, s.clock.Now())
	p.CounterPartyID = n.CounterPartyID
	p.CounterPartyAddress = req.CounterPartyAddress
	if p.CounterPartyAddress == "" {
		p.CounterPartyAddress = n.CounterPartyAddress
	}
	p.Protocol = DefaultProtocol
	p.ResourceManifest = req.ResourceManifest
	p.CallbackAddresses = req.CallbackAddresses
	statemachine.InjectTraceContext(ctx, &p.Base)
	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save transfer: %w", err)
	}
	s.logger.Info().Str("transfer_id", p.ID).Str("agreement_id", req.AgreementID).Str("transfer_type", req.TransferType).Msg("transfer initiated")
	return p, nil
}

// Get returns a transfer process by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Process, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("transfer %s: %w", id, entity.ErrNotFound)
	}
	return p, nil
}

// List returns transfer processes, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*domain.Process, error) {
	return s.store.List(ctx, limit, offset)
}

// Complete finishes a started transfer on local request, typically a consumer done pulling.
func (s *Service) Complete(ctx context.Context, id string) (*domain.Process, error) {
	return s.mutator.Update(ctx, id, func(p *domain.Process) error {
		if p.State == domain.Completed {
			return statemachine.ErrUnchanged
		}
		return statemachine.Transition(p, domain.Completing, s.clock.Now())
	})
}

// Terminate ends a transfer on local request.
func (s *Service) Terminate(ctx context.Context, id, reason string) (*domain.Process, error) {
	if reason == "" {
		reason = "terminated by local request"
	}
	return s.mutator.Update(ctx, id, func(p *domain.Process) error {
		if p.State == domain.Terminating || p.State == domain.Terminated {
			return statemachine.ErrUnchanged
		}
		if !p.CanTransitionTo(domain.Terminating) {
			return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, domain.StateName(p.State), domain.StateName(domain.Terminating))
		}
		p.Fail(domain.Terminating, reason, s.clock.Now())
		return nil
	})
}

// Deprovision tears down the resources of a completed or terminated transfer.
func (s *Service) Deprovision(ctx context.Context, id string) (*domain.Process, error) {
	return s.mutator.Update(ctx, id, func(p *domain.Process) error {
		if p.State == domain.Deprovisioning || p.State == domain.Deprovisioned {
			return statemachine.ErrUnchanged
		}
		return statemachine.Transition(p, domain.Deprovisioning, s.clock.Now())
	})
}
