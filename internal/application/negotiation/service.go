// Package negotiation runs contract negotiations on both the consumer and the provider side.
package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/application/statemachine"
	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	domain "github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
)

// DefaultProtocol is the protocol id recorded on negotiations that do not name one.
const DefaultProtocol = "dataspace-protocol-http"

// Config identifies this connector to its counterparties.
type Config struct {
	ParticipantID   string
	ProtocolAddress string
	StateMachine    statemachine.Config
}

// Service handles contract negotiations.
type Service struct {
	cfg        Config
	store      domain.Store
	assets     asset.Store
	dispatcher protocol.Dispatcher
	policies   policy.Engine
	processor  *statemachine.Processor[*domain.ContractNegotiation]
	mutator    *statemachine.Mutator[*domain.ContractNegotiation]
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewService creates a negotiation service and registers its state handlers.
func NewService(
	cfg Config,
	store domain.Store,
	assets asset.Store,
	dispatcher protocol.Dispatcher,
	policies policy.Engine,
	wait statemachine.WaitStrategy,
	clk clock.Clock,
	metrics *statemachine.Metrics,
	logger zerolog.Logger,
) *Service {
	if cfg.StateMachine.Name == "" {
		cfg.StateMachine.Name = "negotiation"
	}
	processor := statemachine.NewProcessor[*domain.ContractNegotiation](cfg.StateMachine, store, wait, clk, metrics, logger)
	s := &Service{
		cfg:        cfg,
		store:      store,
		assets:     assets,
		dispatcher: dispatcher,
		policies:   policies,
		processor:  processor,
		mutator:    statemachine.NewMutator[*domain.ContractNegotiation](store, processor.Leases(), statemachine.ContentionRetry()),
		clock:      clk,
		logger:     logger.With().Str("service", "negotiation").Logger(),
	}
	s.registerHandlers()
	return s
}

// Run drives negotiations until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error { return s.processor.Run(ctx) }

// ProcessOnce runs a single processing cycle.
func (s *Service) ProcessOnce(ctx context.Context) (int, error) { return s.processor.ProcessOnce(ctx) }

// InitiateRequest starts a negotiation as consumer.
type InitiateRequest struct {
	CounterPartyID      string                   `json:"counterPartyId"`
	CounterPartyAddress string                   `json:"counterPartyAddress"`
	Protocol            string                   `json:"protocol,omitempty"`
	Offer               domain.ContractOffer     `json:"offer"`
	CallbackAddresses   []domain.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (r InitiateRequest) validate() error {
	var problems []string
	if r.CounterPartyAddress == "" {
		problems = append(problems, "counterPartyAddress is required")
	}
	if r.Offer.ID == "" {
		problems = append(problems, "offer.id is required")
	}
	if r.Offer.AssetID == "" {
		problems = append(problems, "offer.assetId is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", protocol.ErrInvalidMessage, strings.Join(problems, "; "))
	}
	return nil
}

// Initiate creates a consumer negotiation in INITIAL. The state machine sends the request.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domain.ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n := domain.New(uuid.NewString(), entity.RoleConsumer, domain.Initial, s.clock.Now())
	n.CounterPartyID = req.CounterPartyID
	n.CounterPartyAddress = req.CounterPartyAddress
	n.Protocol = req.Protocol
	if n.Protocol == "" {
		n.Protocol = DefaultProtocol
	}
	n.AddContractOffer(req.Offer)
	n.CallbackAddresses = req.CallbackAddresses
	statemachine.InjectTraceContext(ctx, &n.Base)
	if err := s.store.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("save negotiation: %w", err)
	}
	s.logger.Info().Str("negotiation_id", n.ID).Str("asset_id", req.Offer.AssetID).Str("counter_party", n.CounterPartyAddress).Msg("negotiation initiated")
	return n, nil
}

// Get returns a negotiation by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.ContractNegotiation, error) {
	n, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("negotiation %s: %w", id, entity.ErrNotFound)
	}
	return n, nil
}

// List returns negotiations, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*domain.ContractNegotiation, error) {
	return s.store.List(ctx, limit, offset)
}

// AgreementFor returns the negotiation that concluded agreementID.
func (s *Service) AgreementFor(ctx context.Context, agreementID string) (*domain.ContractNegotiation, error) {
	n, err := s.store.FindByAgreementID(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if n == nil || n.ContractAgreement == nil {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, entity.ErrNotFound)
	}
	return n, nil
}

// AcceptOffer accepts the provider's latest offer on a consumer negotiation.
func (s *Service) AcceptOffer(ctx context.Context, id string) (*domain.ContractNegotiation, error) {
	return s.mutator.Update(ctx, id, func(n *domain.ContractNegotiation) error {
		if n.Role != entity.RoleConsumer {
			return fmt.Errorf("%w: only the consumer accepts offers", protocol.ErrInvalidMessage)
		}
		if n.State == domain.Accepted {
			return statemachine.ErrUnchanged
		}
		return statemachine.Transition(n, domain.Accepting, s.clock.Now())
	})
}

// Terminate ends a negotiation on local request. The counterparty is notified unless it has
// never heard of the negotiation.
func (s *Service) Terminate(ctx context.Context, id, reason string) (*domain.ContractNegotiation, error) {
	if reason == "" {
		reason = "terminated by local request"
	}
	return s.mutator.Update(ctx, id, func(n *domain.ContractNegotiation) error {
		if n.State == domain.Terminating || n.State == domain.Terminated {
			return statemachine.ErrUnchanged
		}
		target := domain.Terminating
		if n.Role == entity.RoleConsumer && n.State == domain.Initial {
			target = domain.Terminated
		}
		if !n.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, domain.StateName(n.State), domain.StateName(target))
		}
		n.Fail(target, reason, s.clock.Now())
		return nil
	})
}
