// Package asset manages the catalogue of assets this connector offers.
package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/clock"
	domain "github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/protocol"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

var ErrExists = errors.New("asset already exists")

type Service struct {
	store  domain.Store
	clock  clock.Clock
	logger zerolog.Logger
}

func NewService(store domain.Store, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{store: store, clock: clk, logger: logger.With().Str("service", "asset").Logger()}
}

type CreateRequest struct {
	ID          string               `json:"id,omitempty"`
	DataAddress transfer.DataAddress `json:"dataAddress"`
	Policy      policy.Policy        `json:"policy"`
}

// Create registers a new asset. An empty id is generated.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Asset, error) {
	if req.DataAddress.Type == "" {
		return nil, fmt.Errorf("%w: dataAddress.type is required", protocol.ErrInvalidMessage)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	a := &domain.Asset{
		ID:          id,
		DataAddress: req.DataAddress,
		Policy:      req.Policy,
		CreatedAt:   s.clock.Now().UnixMilli(),
	}
	if a.Policy.Target == "" {
		a.Policy.Target = id
	}
	if err := s.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save asset: %w", err)
	}
	s.logger.Info().Str("asset_id", id).Str("address_type", a.DataAddress.Type).Msg("asset created")
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Asset, error) {
	a, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("asset %s: %w", id, entity.ErrNotFound)
	}
	return a, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*domain.Asset, error) {
	return s.store.List(ctx, limit, offset)
}
