package transfer

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_provisioner.go -package=mocks . Provisioner

import (
	"context"

	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Store persists transfer processes.
type Store interface {
	entity.Store[*Process]
	List(ctx context.Context, limit, offset int) ([]*Process, error)
}

// ProvisionResult is what a provisioner reports for one definition. Async means the resource
// will be confirmed later through the provisioning callback.
type ProvisionResult struct {
	Resource ProvisionedResource
	Async    bool
}

// Provisioner prepares and tears down resources of one type. Both operations must be safe to
// repeat for the same process and resource.
type Provisioner interface {
	ResourceType() string
	Provision(ctx context.Context, processID string, def ResourceDefinition) (*ProvisionResult, error)
	// Deprovision tears the resource down. Async means completion arrives through the callback.
	Deprovision(ctx context.Context, processID string, res ProvisionedResource) (async bool, err error)
}
