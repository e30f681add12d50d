package negotiation

import (
	"context"

	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Store persists contract negotiations.
type Store interface {
	entity.Store[*ContractNegotiation]
	// FindByAgreementID returns the negotiation that produced the agreement, or nil.
	FindByAgreementID(ctx context.Context, agreementID string) (*ContractNegotiation, error)
	List(ctx context.Context, limit, offset int) ([]*ContractNegotiation, error)
}
