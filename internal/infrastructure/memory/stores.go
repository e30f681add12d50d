package memory

import (
	"context"
	"sync"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

// NegotiationStore implements negotiation.Store.
type NegotiationStore struct {
	*Store[*negotiation.ContractNegotiation]
}

func NewNegotiationStore(clk clock.Clock) *NegotiationStore {
	return &NegotiationStore{NewStore(clk, func(n *negotiation.ContractNegotiation) string { return n.CorrelationID })}
}

func (s *NegotiationStore) FindByAgreementID(_ context.Context, agreementID string) (*negotiation.ContractNegotiation, error) {
	return s.findFirst(func(n *negotiation.ContractNegotiation) bool {
		return n.ContractAgreement != nil && n.ContractAgreement.ID == agreementID
	}), nil
}

// TransferStore implements transfer.Store.
type TransferStore struct {
	*Store[*transfer.Process]
}

func NewTransferStore(clk clock.Clock) *TransferStore {
	return &TransferStore{NewStore(clk, func(p *transfer.Process) string { return p.CorrelationID })}
}

// AssetStore implements asset.Store.
type AssetStore struct {
	mu     sync.RWMutex
	assets map[string]asset.Asset
	order  []string
}

func NewAssetStore() *AssetStore {
	return &AssetStore{assets: map[string]asset.Asset{}}
}

func (s *AssetStore) Save(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.assets[a.ID] = *a
	return nil
}

func (s *AssetStore) FindByID(_ context.Context, id string) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *AssetStore) List(_ context.Context, limit, offset int) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asset.Asset
	for i := offset; i < len(s.order); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		a := s.assets[s.order[i]]
		out = append(out, &a)
	}
	return out, nil
}

var (
	_ negotiation.Store = (*NegotiationStore)(nil)
	_ transfer.Store    = (*TransferStore)(nil)
	_ asset.Store       = (*AssetStore)(nil)
)
