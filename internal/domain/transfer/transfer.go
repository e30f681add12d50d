package transfer

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Transfer process states. Codes are persisted and must not change.
const (
	Initial        = 100
	Provisioning   = 200
	Provisioned    = 300
	Requesting     = 400
	Requested      = 500
	Starting       = 550
	Started        = 600
	Completing     = 650
	Completed      = 800
	Terminating    = 825
	Terminated     = 850
	Deprovisioning = 900
	Deprovisioned  = 1100
)

var stateNames = map[int]string{
	Initial:        "INITIAL",
	Provisioning:   "PROVISIONING",
	Provisioned:    "PROVISIONED",
	Requesting:     "REQUESTING",
	Requested:      "REQUESTED",
	Starting:       "STARTING",
	Started:        "STARTED",
	Completing:     "COMPLETING",
	Completed:      "COMPLETED",
	Terminating:    "TERMINATING",
	Terminated:     "TERMINATED",
	Deprovisioning: "DEPROVISIONING",
	Deprovisioned:  "DEPROVISIONED",
}

// StateName returns the protocol name of a state code.
func StateName(state int) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}

var transitions = map[int][]int{
	Initial:        {Provisioning},
	Provisioning:   {Provisioned},
	Provisioned:    {Requesting, Starting},
	Requesting:     {Requested},
	Requested:      {Started, Completed},
	Starting:       {Started, Completing},
	Started:        {Completing, Completed},
	Completing:     {Completed},
	Completed:      {Deprovisioning},
	Terminating:    {Terminated},
	Terminated:     {Deprovisioning},
	Deprovisioning: {Deprovisioned},
	Deprovisioned:  {},
}

// FlowType tells which side moves the bytes.
type FlowType string

const (
	FlowPush FlowType = "PUSH"
	FlowPull FlowType = "PULL"
)

// DataAddress locates data for a source or sink. Type selects the implementation.
type DataAddress struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns the named property or "".
func (a DataAddress) Property(key string) string {
	return a.Properties[key]
}

func (a DataAddress) clone() DataAddress {
	a.Properties = maps.Clone(a.Properties)
	return a
}

// DataRequest describes what the consumer asked for.
type DataRequest struct {
	AssetID      string      `json:"assetId"`
	ContractID   string      `json:"contractId"`
	Destination  DataAddress `json:"dataDestination"`
	TransferType string      `json:"transferType"`
}

// FlowType derives the flow type from a transfer type such as "HttpData-PULL".
func (r DataRequest) FlowType() FlowType {
	if strings.HasSuffix(strings.ToUpper(r.TransferType), "-PULL") {
		return FlowPull
	}
	return FlowPush
}

// ResourceDefinition is one resource to provision before the transfer can start.
type ResourceDefinition struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ProvisionedResource records the outcome of provisioning one definition. Pending is set while an
// asynchronous provisioner has not called back yet.
type ProvisionedResource struct {
	ID                   string       `json:"id"`
	ResourceDefinitionID string       `json:"resourceDefinitionId"`
	Type                 string       `json:"type"`
	Pending              bool         `json:"pending,omitempty"`
	DataAddress          *DataAddress `json:"dataAddress,omitempty"`
}

// DeprovisionedResource records the teardown of one provisioned resource.
type DeprovisionedResource struct {
	ProvisionedResourceID string `json:"provisionedResourceId"`
	Pending               bool   `json:"pending,omitempty"`
}

// DataFlowResult is the outcome the data plane reported for a push flow.
type DataFlowResult struct {
	Error string `json:"error,omitempty"`
}

// CallbackAddress is where lifecycle events of a transfer are reported.
type CallbackAddress struct {
	URI           string   `json:"uri"`
	Events        []string `json:"events,omitempty"`
	Transactional bool     `json:"transactional,omitempty"`
}

// Process is one transfer process, seen from either side.
type Process struct {
	entity.Base
	Role                   entity.Role             `json:"role"`
	CorrelationID          string                  `json:"correlationId,omitempty"`
	CounterPartyID         string                  `json:"counterPartyId,omitempty"`
	CounterPartyAddress    string                  `json:"counterPartyAddress"`
	Protocol               string                  `json:"protocol"`
	DataRequest            DataRequest             `json:"dataRequest"`
	ResourceManifest       []ResourceDefinition    `json:"resourceManifest,omitempty"`
	ProvisionedResources   []ProvisionedResource   `json:"provisionedResources,omitempty"`
	ContentDataAddress     *DataAddress            `json:"contentDataAddress,omitempty"`
	DeprovisionedResources []DeprovisionedResource `json:"deprovisionedResources,omitempty"`
	CallbackAddresses      []CallbackAddress       `json:"callbackAddresses,omitempty"`
	DataFlowSubmitted      bool                    `json:"dataFlowSubmitted,omitempty"`
	DataFlowResult         *DataFlowResult         `json:"dataFlowResult,omitempty"`
}

// New creates a transfer process in INITIAL.
func New(id string, role entity.Role, req DataRequest, now time.Time) *Process {
	return &Process{Base: entity.NewBase(id, Initial, now), Role: role, DataRequest: req}
}

func (p *Process) Stateful() *entity.Base { return &p.Base }

func (p *Process) ProcessRole() entity.Role { return p.Role }

func (p *Process) StateName(state int) string { return StateName(state) }

// CanTransitionTo validates a transfer state change. Active states may also move to TERMINATING
// or TERMINATED.
func (p *Process) CanTransitionTo(target int) bool {
	if _, ok := stateNames[target]; !ok || p.State == target {
		return false
	}
	if (target == Terminating || target == Terminated) && p.active() {
		return true
	}
	return slices.Contains(transitions[p.State], target)
}

func (p *Process) active() bool {
	switch p.State {
	case Completed, Terminated, Deprovisioning, Deprovisioned:
		return false
	}
	return true
}

// ErrorState is where a fatal failure in the current state leads.
func (p *Process) ErrorState() int {
	switch p.State {
	case Terminating:
		return Terminated
	case Deprovisioning:
		return Deprovisioned
	case Initial, Provisioning, Provisioned, Requesting:
		if p.Role == entity.RoleConsumer {
			return Terminated
		}
	}
	return Terminating
}

// UnprovisionedDefinitions returns the manifest entries no provisioner has handled yet.
func (p *Process) UnprovisionedDefinitions() []ResourceDefinition {
	var out []ResourceDefinition
	for _, def := range p.ResourceManifest {
		if p.provisionedFor(def.ID) == nil {
			out = append(out, def)
		}
	}
	return out
}

func (p *Process) provisionedFor(definitionID string) *ProvisionedResource {
	for i := range p.ProvisionedResources {
		if p.ProvisionedResources[i].ResourceDefinitionID == definitionID {
			return &p.ProvisionedResources[i]
		}
	}
	return nil
}

// RecordProvisioned adds or replaces the provisioned resource for its definition.
func (p *Process) RecordProvisioned(pr ProvisionedResource) {
	if existing := p.provisionedFor(pr.ResourceDefinitionID); existing != nil {
		*existing = pr
		return
	}
	p.ProvisionedResources = append(p.ProvisionedResources, pr)
}

// CompleteProvisioning resolves a pending resource reported by an asynchronous provisioner. It
// returns false when the definition is unknown to this process.
func (p *Process) CompleteProvisioning(definitionID string, addr *DataAddress) bool {
	if !slices.ContainsFunc(p.ResourceManifest, func(d ResourceDefinition) bool { return d.ID == definitionID }) {
		return false
	}
	pr := p.provisionedFor(definitionID)
	if pr == nil {
		p.ProvisionedResources = append(p.ProvisionedResources, ProvisionedResource{
			ID:                   definitionID,
			ResourceDefinitionID: definitionID,
			DataAddress:          addr,
		})
		return true
	}
	pr.Pending = false
	if addr != nil {
		pr.DataAddress = addr
	}
	return true
}

// Provisioned reports whether definitionID has a resolved provisioned resource.
func (p *Process) Provisioned(definitionID string) bool {
	pr := p.provisionedFor(definitionID)
	return pr != nil && !pr.Pending
}

// ProvisioningComplete reports whether every manifest entry is provisioned and none is pending.
func (p *Process) ProvisioningComplete() bool {
	for _, def := range p.ResourceManifest {
		pr := p.provisionedFor(def.ID)
		if pr == nil || pr.Pending {
			return false
		}
	}
	return true
}

// ResourcesToDeprovision returns provisioned resources without a deprovisioning record.
func (p *Process) ResourcesToDeprovision() []ProvisionedResource {
	var out []ProvisionedResource
	for _, pr := range p.ProvisionedResources {
		if p.deprovisionedFor(pr.ID) == nil {
			out = append(out, pr)
		}
	}
	return out
}

func (p *Process) deprovisionedFor(resourceID string) *DeprovisionedResource {
	for i := range p.DeprovisionedResources {
		if p.DeprovisionedResources[i].ProvisionedResourceID == resourceID {
			return &p.DeprovisionedResources[i]
		}
	}
	return nil
}

// RecordDeprovisioned adds or replaces the deprovisioning record for a resource.
func (p *Process) RecordDeprovisioned(dr DeprovisionedResource) {
	if existing := p.deprovisionedFor(dr.ProvisionedResourceID); existing != nil {
		*existing = dr
		return
	}
	p.DeprovisionedResources = append(p.DeprovisionedResources, dr)
}

// CompleteDeprovisioning resolves a pending teardown. Unknown resources return false.
func (p *Process) CompleteDeprovisioning(resourceID string) bool {
	if !slices.ContainsFunc(p.ProvisionedResources, func(pr ProvisionedResource) bool { return pr.ID == resourceID }) {
		return false
	}
	p.RecordDeprovisioned(DeprovisionedResource{ProvisionedResourceID: resourceID})
	return true
}

// DeprovisioningComplete reports whether every provisioned resource has been torn down.
func (p *Process) DeprovisioningComplete() bool {
	for _, pr := range p.ProvisionedResources {
		dr := p.deprovisionedFor(pr.ID)
		if dr == nil || dr.Pending {
			return false
		}
	}
	return true
}

// Destination returns the sink for a push transfer. A provisioned resource carrying an address
// overrides the requested destination.
func (p *Process) Destination() DataAddress {
	for _, pr := range p.ProvisionedResources {
		if pr.DataAddress != nil && pr.DataAddress.Type == p.DataRequest.Destination.Type {
			return pr.DataAddress.clone()
		}
	}
	return p.DataRequest.Destination.clone()
}

// Clone returns a deep copy.
func (p *Process) Clone() *Process {
	out := *p
	out.Base = p.Base.Copy()
	out.DataRequest.Destination = p.DataRequest.Destination.clone()
	out.ResourceManifest = slices.Clone(p.ResourceManifest)
	out.ProvisionedResources = make([]ProvisionedResource, len(p.ProvisionedResources))
	for i, pr := range p.ProvisionedResources {
		if pr.DataAddress != nil {
			addr := pr.DataAddress.clone()
			pr.DataAddress = &addr
		}
		out.ProvisionedResources[i] = pr
	}
	if p.ProvisionedResources == nil {
		out.ProvisionedResources = nil
	}
	out.DeprovisionedResources = slices.Clone(p.DeprovisionedResources)
	out.CallbackAddresses = slices.Clone(p.CallbackAddresses)
	if p.ContentDataAddress != nil {
		addr := p.ContentDataAddress.clone()
		out.ContentDataAddress = &addr
	}
	if p.DataFlowResult != nil {
		res := *p.DataFlowResult
		out.DataFlowResult = &res
	}
	return &out
}
