// Package protocol holds the messages exchanged with counterparty connectors and the contracts
// used to send them.
package protocol

import (
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

// Message is a protocol message. Route is the path below the counterparty's protocol address.
type Message interface {
	MessageType() string
	Route() string
}

// ProcessIDs identify a process on both sides.
type ProcessIDs struct {
	ProviderPID string `json:"providerPid,omitempty"`
	ConsumerPID string `json:"consumerPid,omitempty"`
}

// Ack is the counterparty's view of the process after it accepted a message.
type Ack struct {
	ProcessIDs
	State string `json:"state,omitempty"`
}

type ContractRequestMessage struct {
	ProcessIDs
	Offer           negotiation.ContractOffer `json:"offer"`
	CallbackAddress string                    `json:"callbackAddress"`
}

func (ContractRequestMessage) MessageType() string { return "ContractRequestMessage" }

func (m ContractRequestMessage) Route() string {
	if m.ProviderPID != "" {
		return "/negotiations/" + m.ProviderPID + "/request"
	}
	return "/negotiations/request"
}

type ContractOfferMessage struct {
	ProcessIDs
	Offer           negotiation.ContractOffer `json:"offer"`
	CallbackAddress string                    `json:"callbackAddress,omitempty"`
}

func (ContractOfferMessage) MessageType() string { return "ContractOfferMessage" }

func (m ContractOfferMessage) Route() string {
	return "/negotiations/" + m.ConsumerPID + "/offers"
}

// Negotiation event types.
const (
	EventAccepted  = "ACCEPTED"
	EventFinalized = "FINALIZED"
)

type ContractNegotiationEventMessage struct {
	ProcessIDs
	EventType string `json:"eventType"`
}

func (ContractNegotiationEventMessage) MessageType() string { return "ContractNegotiationEventMessage" }

// Route targets the provider for ACCEPTED and the consumer for FINALIZED.
func (m ContractNegotiationEventMessage) Route() string {
	if m.EventType == EventAccepted {
		return "/negotiations/" + m.ProviderPID + "/events"
	}
	return "/negotiations/" + m.ConsumerPID + "/events"
}

type ContractAgreementMessage struct {
	ProcessIDs
	Agreement       negotiation.ContractAgreement `json:"agreement"`
	CallbackAddress string                        `json:"callbackAddress,omitempty"`
}

func (ContractAgreementMessage) MessageType() string { return "ContractAgreementMessage" }

func (m ContractAgreementMessage) Route() string {
	return "/negotiations/" + m.ConsumerPID + "/agreement"
}

type ContractAgreementVerificationMessage struct {
	ProcessIDs
}

func (ContractAgreementVerificationMessage) MessageType() string {
	return "ContractAgreementVerificationMessage"
}

func (m ContractAgreementVerificationMessage) Route() string {
	return "/negotiations/" + m.ProviderPID + "/agreement/verification"
}

// ContractNegotiationTerminationMessage is sent by either side.
type ContractNegotiationTerminationMessage struct {
	ProcessIDs
	Code   string    `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	To     Recipient `json:"-"`
}

// Recipient selects which side a two-way message is addressed to.
type Recipient int

const (
	ToProvider Recipient = iota
	ToConsumer
)

func (ContractNegotiationTerminationMessage) MessageType() string {
	return "ContractNegotiationTerminationMessage"
}

func (m ContractNegotiationTerminationMessage) Route() string {
	if m.To == ToConsumer {
		return "/negotiations/" + m.ConsumerPID + "/termination"
	}
	return "/negotiations/" + m.ProviderPID + "/termination"
}

type TransferRequestMessage struct {
	ProcessIDs
	AgreementID     string                `json:"agreementId"`
	TransferType    string                `json:"format"`
	DataAddress     *transfer.DataAddress `json:"dataAddress,omitempty"`
	CallbackAddress string                `json:"callbackAddress"`
}

func (TransferRequestMessage) MessageType() string { return "TransferRequestMessage" }

func (TransferRequestMessage) Route() string { return "/transfers/request" }

// TransferStartMessage carries the pull endpoint and its token for pull transfers.
type TransferStartMessage struct {
	ProcessIDs
	DataAddress *transfer.DataAddress `json:"dataAddress,omitempty"`
}

func (TransferStartMessage) MessageType() string { return "TransferStartMessage" }

func (m TransferStartMessage) Route() string {
	return "/transfers/" + m.ConsumerPID + "/start"
}

type TransferCompletionMessage struct {
	ProcessIDs
	To Recipient `json:"-"`
}

func (TransferCompletionMessage) MessageType() string { return "TransferCompletionMessage" }

func (m TransferCompletionMessage) Route() string {
	if m.To == ToConsumer {
		return "/transfers/" + m.ConsumerPID + "/completion"
	}
	return "/transfers/" + m.ProviderPID + "/completion"
}

type TransferTerminationMessage struct {
	ProcessIDs
	Code   string    `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	To     Recipient `json:"-"`
}

func (TransferTerminationMessage) MessageType() string { return "TransferTerminationMessage" }

func (m TransferTerminationMessage) Route() string {
	if m.To == ToConsumer {
		return "/transfers/" + m.ConsumerPID + "/termination"
	}
	return "/transfers/" + m.ProviderPID + "/termination"
}
