package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowStatus represents the lifecycle states of a sale escrow. Completed and
// Cancelled are terminal; no state is re-enterable.
type EscrowStatus uint8

const (
	EscrowCreated EscrowStatus = iota
	EscrowBuyerDeposited
	EscrowCompleted
	EscrowCancelled
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowCreated, EscrowBuyerDeposited, EscrowCompleted, EscrowCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow can no longer change state.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled
}

func (s EscrowStatus) String() string {
	switch s {
	case EscrowCreated:
		return "created"
	case EscrowBuyerDeposited:
		return "buyer_deposited"
	case EscrowCompleted:
		return "completed"
	case EscrowCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ApprovalAction identifies the resolution a party is approving. The numeric
// values are part of the signed message format and must not change.
type ApprovalAction uint8

const (
	ActionComplete ApprovalAction = 0
	ActionCancel   ApprovalAction = 1
)

func (a ApprovalAction) Valid() bool {
	return a == ActionComplete || a == ActionCancel
}

func (a ApprovalAction) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// AssetRef points at a vehicle title held by an external asset registry. The
// engine never interprets the reference, it only hands it to the custodian.
type AssetRef struct {
	Contract [20]byte
	TokenID  uint64
}

// Eligibility marks which roles may approve resolution actions on an escrow.
type Eligibility struct {
	Seller  bool
	Buyer   bool
	Arbiter bool
}

// Count returns the number of eligible roles.
func (e Eligibility) Count() int {
	n := 0
	if e.Seller {
		n++
	}
	if e.Buyer {
		n++
	}
	if e.Arbiter {
		n++
	}
	return n
}

const (
	// DefaultPaymentToken is used when an escrow is created without an
	// explicit payment asset. VUSD settles with 6 decimal places.
	DefaultPaymentToken = "VUSD"
	// VUSDDecimals is the fixed-point precision of the default token.
	VUSDDecimals = 6
)

// NormalizeToken canonicalises a payment token symbol. An empty symbol selects
// the system default.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return DefaultPaymentToken, nil
	}
	switch trimmed {
	case "VUSD", "VIN":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported payment token: %s", symbol)
	}
}

// Escrow captures the terms and runtime status of a single vehicle sale. All
// party, asset, payment and authorization fields are immutable once set; only
// Status and the custody flags change over the record's lifetime.
type Escrow struct {
	ID           uint64
	Seller       [20]byte
	Buyer        *[20]byte
	Arbiter      *[20]byte
	Asset        AssetRef
	PaymentToken string
	Price        *big.Int
	Eligible     Eligibility
	Threshold    uint32
	ExpiresAt    int64 // unix seconds, 0 = never expires
	CreatedAt    int64
	Status       EscrowStatus
	AssetHeld    bool
	PaymentHeld  bool
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Price != nil {
		clone.Price = new(big.Int).Set(e.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	if e.Buyer != nil {
		buyer := *e.Buyer
		clone.Buyer = &buyer
	}
	if e.Arbiter != nil {
		arbiter := *e.Arbiter
		clone.Arbiter = &arbiter
	}
	return &clone
}

// Expired reports whether the escrow carries an expiration and it has passed.
func (e *Escrow) Expired(now int64) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt != 0 && now > e.ExpiresAt
}

// EligibleSigner reports whether addr holds one of the roles permitted to
// approve resolution actions on this escrow.
func (e *Escrow) EligibleSigner(addr [20]byte) bool {
	if e == nil {
		return false
	}
	if e.Eligible.Seller && addr == e.Seller {
		return true
	}
	if e.Eligible.Buyer && e.Buyer != nil && addr == *e.Buyer {
		return true
	}
	if e.Eligible.Arbiter && e.Arbiter != nil && addr == *e.Arbiter {
		return true
	}
	return false
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance. The function does not mutate the original.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	token, err := NormalizeToken(clone.PaymentToken)
	if err != nil {
		return nil, err
	}
	clone.PaymentToken = token
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("escrow price must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	eligible := clone.Eligible.Count()
	if eligible == 0 {
		return nil, fmt.Errorf("escrow has no eligible roles")
	}
	if clone.Threshold < 1 || int(clone.Threshold) > eligible {
		return nil, fmt.Errorf("escrow threshold %d out of range [1,%d]", clone.Threshold, eligible)
	}
	return clone, nil
}

// ApprovalRecord tracks which parties have approved one resolution action on
// one escrow. Records are created lazily on first approval; "no record" and
// "record with zero approvals" are distinct conditions.
type ApprovalRecord struct {
	EscrowID  uint64
	Action    ApprovalAction
	Nonce     uint64
	Approvals [][20]byte
}

// Count returns the number of distinct approvers.
func (r *ApprovalRecord) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Approvals)
}

// HasApproved reports whether signer already approved this record.
func (r *ApprovalRecord) HasApproved(signer [20]byte) bool {
	if r == nil {
		return false
	}
	for _, approved := range r.Approvals {
		if approved == signer {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the approval record.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Approvals = make([][20]byte, len(r.Approvals))
	copy(clone.Approvals, r.Approvals)
	return &clone
}

// SanitizeApprovalRecord validates the record and returns a clone.
func SanitizeApprovalRecord(r *ApprovalRecord) (*ApprovalRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("nil approval record")
	}
	if !r.Action.Valid() {
		return nil, fmt.Errorf("invalid approval action: %d", r.Action)
	}
	clone := r.Clone()
	seen := make(map[[20]byte]struct{}, len(clone.Approvals))
	for _, signer := range clone.Approvals {
		if _, dup := seen[signer]; dup {
			return nil, fmt.Errorf("duplicate approver in record for escrow %d", r.EscrowID)
		}
		seen[signer] = struct{}{}
	}
	return clone, nil
}
