package negotiation

import (
	"slices"
	"time"

	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/domain/policy"
)

// Negotiation states. Codes are persisted and must not change.
const (
	Initial     = 50
	Requesting  = 100
	Requested   = 200
	Offering    = 300
	Offered     = 400
	Accepting   = 700
	Accepted    = 800
	Agreeing    = 825
	Agreed      = 850
	Verifying   = 1050
	Verified    = 1100
	Finalizing  = 1150
	Finalized   = 1200
	Terminating = 1300
	Terminated  = 1400
)

var stateNames = map[int]string{
	Initial:     "INITIAL",
	Requesting:  "REQUESTING",
	Requested:   "REQUESTED",
	Offering:    "OFFERING",
	Offered:     "OFFERED",
	Accepting:   "ACCEPTING",
	Accepted:    "ACCEPTED",
	Agreeing:    "AGREEING",
	Agreed:      "AGREED",
	Verifying:   "VERIFYING",
	Verified:    "VERIFIED",
	Finalizing:  "FINALIZING",
	Finalized:   "FINALIZED",
	Terminating: "TERMINATING",
	Terminated:  "TERMINATED",
}

// StateName returns the protocol name of a state code.
func StateName(state int) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState maps a protocol state name back to its code.
func ParseState(name string) (int, bool) {
	for code, n := range stateNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

var transitions = map[int][]int{
	Initial:     {Requesting},
	Requesting:  {Requested},
	Requested:   {Offering, Offered, Agreeing, Agreed},
	Offering:    {Offered},
	Offered:     {Accepting, Accepted, Requesting, Requested},
	Accepting:   {Accepted},
	Accepted:    {Agreeing, Agreed},
	Agreeing:    {Agreed},
	Agreed:      {Verifying, Verified},
	Verifying:   {Verified},
	Verified:    {Finalizing, Finalized},
	Finalizing:  {Finalized},
	Finalized:   {},
	Terminating: {Terminated},
	Terminated:  {},
}

// CallbackAddress is where lifecycle events of a negotiation are reported.
type CallbackAddress struct {
	URI           string   `json:"uri"`
	Events        []string `json:"events,omitempty"`
	Transactional bool     `json:"transactional,omitempty"`
}

// ContractOffer is one offer exchanged during the negotiation.
type ContractOffer struct {
	ID      string        `json:"id"`
	AssetID string        `json:"assetId"`
	Policy  policy.Policy `json:"policy"`
}

// ContractAgreement is the outcome of a successful negotiation.
type ContractAgreement struct {
	ID          string        `json:"id"`
	ProviderID  string        `json:"providerId"`
	ConsumerID  string        `json:"consumerId"`
	AssetID     string        `json:"assetId"`
	SigningDate int64         `json:"signingDate"`
	Policy      policy.Policy `json:"policy"`
}

// ContractNegotiation is one contract negotiation, seen from either side.
type ContractNegotiation struct {
	entity.Base
	Role                entity.Role        `json:"role"`
	CorrelationID       string             `json:"correlationId,omitempty"`
	CounterPartyID      string             `json:"counterPartyId"`
	CounterPartyAddress string             `json:"counterPartyAddress"`
	Protocol            string             `json:"protocol"`
	ContractOffers      []ContractOffer    `json:"contractOffers,omitempty"`
	ContractAgreement   *ContractAgreement `json:"contractAgreement,omitempty"`
	CallbackAddresses   []CallbackAddress  `json:"callbackAddresses,omitempty"`
}

// New creates a negotiation in state.
func New(id string, role entity.Role, state int, now time.Time) *ContractNegotiation {
	return &ContractNegotiation{Base: entity.NewBase(id, state, now), Role: role}
}

func (n *ContractNegotiation) Stateful() *entity.Base { return &n.Base }

func (n *ContractNegotiation) ProcessRole() entity.Role { return n.Role }

func (n *ContractNegotiation) StateName(state int) string { return StateName(state) }

// CanTransitionTo validates a negotiation state change. Any non-final state may move to
// TERMINATING or TERMINATED.
func (n *ContractNegotiation) CanTransitionTo(target int) bool {
	if _, ok := stateNames[target]; !ok {
		return false
	}
	if n.State == target {
		return false
	}
	if n.IsFinal() {
		return false
	}
	if target == Terminating || target == Terminated {
		return true
	}
	return slices.Contains(transitions[n.State], target)
}

// IsFinal reports whether no further transition is possible.
func (n *ContractNegotiation) IsFinal() bool {
	return n.State == Finalized || n.State == Terminated
}

// LastContractOffer returns the latest offer, or nil before any offer was recorded.
func (n *ContractNegotiation) LastContractOffer() *ContractOffer {
	if len(n.ContractOffers) == 0 {
		return nil
	}
	return &n.ContractOffers[len(n.ContractOffers)-1]
}

// AddContractOffer appends offer to the offer history.
func (n *ContractNegotiation) AddContractOffer(offer ContractOffer) {
	n.ContractOffers = append(n.ContractOffers, offer)
}

// ErrorState is where a fatal failure in the current state leads. A consumer that never reached
// the provider terminates locally; every other negotiation notifies the counterparty first.
func (n *ContractNegotiation) ErrorState() int {
	if n.State == Terminating {
		return Terminated
	}
	if n.Role == entity.RoleConsumer && (n.State == Initial || n.State == Requesting) {
		return Terminated
	}
	return Terminating
}

// Clone returns a deep copy.
func (n *ContractNegotiation) Clone() *ContractNegotiation {
	out := *n
	out.Base = n.Base.Copy()
	out.ContractOffers = slices.Clone(n.ContractOffers)
	out.CallbackAddresses = slices.Clone(n.CallbackAddresses)
	if n.ContractAgreement != nil {
		agreement := *n.ContractAgreement
		out.ContractAgreement = &agreement
	}
	return &out
}
