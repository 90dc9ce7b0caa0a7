package escrow

import (
	"encoding/hex"
	"strconv"

	"vinchain/core/events"
)

const (
	EventTypeEscrowCreated         = "escrow.created"
	EventTypeEscrowBuyerAssigned   = "escrow.buyer_assigned"
	EventTypeEscrowArbiterAssigned = "escrow.arbiter_assigned"
	EventTypeEscrowDeposited       = "escrow.deposited"
	EventTypeApprovalRecorded      = "escrow.approval_recorded"
	EventTypeEscrowCompleted       = "escrow.completed"
	EventTypeEscrowCancelled       = "escrow.cancelled"
	EventTypeEscrowExpired         = "escrow.expired"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewBuyerAssignedEvent returns the payload emitted when the buyer is bound.
func NewBuyerAssignedEvent(e *Escrow) *events.Event {
	return newEscrowEvent(EventTypeEscrowBuyerAssigned, e)
}

// NewArbiterAssignedEvent returns the payload emitted when the arbiter is
// bound.
func NewArbiterAssignedEvent(e *Escrow) *events.Event {
	return newEscrowEvent(EventTypeEscrowArbiterAssigned, e)
}

// NewDepositedEvent returns the payload emitted when the buyer's payment is
// taken into custody.
func NewDepositedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowDeposited, e) }

// NewCompletedEvent returns the payload emitted when the sale settles.
func NewCompletedEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

// NewCancelledEvent returns the payload emitted when the escrow is cancelled
// by approvals or by the admin.
func NewCancelledEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewExpiredEvent returns the payload emitted when an expired escrow is
// lazily cancelled.
func NewExpiredEvent(e *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowExpired, e) }

// NewApprovalRecordedEvent returns the payload emitted for each newly
// recorded approval.
func NewApprovalRecordedEvent(e *Escrow, action ApprovalAction, signer [20]byte, count int) *events.Event {
	evt := newEscrowEvent(EventTypeApprovalRecorded, e)
	evt.Attributes["action"] = action.String()
	evt.Attributes["signer"] = hex.EncodeToString(signer[:])
	evt.Attributes["approvals"] = strconv.Itoa(count)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *events.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["assetContract"] = hex.EncodeToString(e.Asset.Contract[:])
	attrs["assetId"] = strconv.FormatUint(e.Asset.TokenID, 10)
	attrs["token"] = e.PaymentToken
	if e.Price != nil {
		attrs["price"] = e.Price.String()
	}
	attrs["threshold"] = strconv.FormatUint(uint64(e.Threshold), 10)
	attrs["status"] = e.Status.String()
	if e.Buyer != nil {
		attrs["buyer"] = hex.EncodeToString((*e.Buyer)[:])
	}
	if e.Arbiter != nil {
		attrs["arbiter"] = hex.EncodeToString((*e.Arbiter)[:])
	}
	if e.ExpiresAt != 0 {
		attrs["expiresAt"] = strconv.FormatInt(e.ExpiresAt, 10)
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
