package asset

import (
	"context"

	"github.com/dataspace-connector/connector/internal/domain/policy"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

// Asset is data this connector offers. DataAddress is where the provider reads it from.
type Asset struct {
	ID          string               `json:"id"`
	DataAddress transfer.DataAddress `json:"dataAddress"`
	Policy      policy.Policy        `json:"policy"`
	CreatedAt   int64                `json:"createdAt"`
}

// Store persists assets. FindByID returns nil, nil when the asset does not exist.
type Store interface {
	Save(ctx context.Context, a *Asset) error
	FindByID(ctx context.Context, id string) (*Asset, error)
	List(ctx context.Context, limit, offset int) ([]*Asset, error)
}
