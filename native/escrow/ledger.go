package escrow

import (
	"fmt"
	"sync"
)

// Ledger is the single source of truth for escrow records. It owns identifier
// allocation, enforces the immutability of fixed fields and serialises all
// mutations per escrow id so unrelated escrows progress concurrently.
type Ledger struct {
	state LedgerState

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func NewLedger(state LedgerState) *Ledger {
	return &Ledger{
		state: state,
		locks: make(map[uint64]*sync.Mutex),
	}
}

// Lock acquires the mutation lock for one escrow id and returns the unlock
// function. Every state-changing operation on an escrow must run under this
// lock; check-then-act sequences outside it are races.
func (l *Ledger) Lock(id uint64) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = new(sync.Mutex)
		l.locks[id] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Create validates the configuration of a new escrow, allocates its id and
// persists it. The record must arrive with Status EscrowCreated.
func (l *Ledger) Create(esc *Escrow) (*Escrow, error) {
	if esc == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidConfiguration)
	}
	clone := esc.Clone()
	token, err := NormalizeToken(clone.PaymentToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	clone.PaymentToken = token
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if err := validateAuthorization(clone); err != nil {
		return nil, err
	}
	if clone.Status != EscrowCreated {
		return nil, fmt.Errorf("%w: new escrow must start in %s", ErrInvalidConfiguration, EscrowCreated)
	}
	id, err := l.state.NextEscrowID()
	if err != nil {
		return nil, err
	}
	clone.ID = id
	if err := l.state.EscrowPut(clone); err != nil {
		return nil, err
	}
	return clone.Clone(), nil
}

func validateAuthorization(esc *Escrow) error {
	eligible := esc.Eligible.Count()
	if eligible == 0 {
		return fmt.Errorf("%w: no eligible roles", ErrInvalidConfiguration)
	}
	if esc.Threshold < 1 || int(esc.Threshold) > eligible {
		return fmt.Errorf("%w: threshold %d outside [1,%d]", ErrInvalidConfiguration, esc.Threshold, eligible)
	}
	if esc.Eligible.Arbiter && esc.Arbiter == nil {
		return fmt.Errorf("%w: arbiter eligibility requires an arbiter", ErrInvalidConfiguration)
	}
	if esc.Arbiter != nil && *esc.Arbiter == esc.Seller {
		return fmt.Errorf("%w: arbiter must be distinct from seller", ErrInvalidConfiguration)
	}
	if esc.Buyer != nil {
		return fmt.Errorf("%w: buyer cannot be assigned at creation", ErrInvalidConfiguration)
	}
	return nil
}

// Get loads an escrow record.
func (l *Ledger) Get(id uint64) (*Escrow, error) {
	esc, ok, err := l.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrEscrowNotFound, id)
	}
	return esc, nil
}

// Update persists a mutated escrow record. Callers must hold the escrow lock.
func (l *Ledger) Update(esc *Escrow) error {
	return l.state.EscrowPut(esc)
}

// SetBuyer binds the buyer to the escrow. The buyer is fixed once assigned.
func (l *Ledger) SetBuyer(esc *Escrow, buyer [20]byte) error {
	if esc.Buyer != nil {
		return fmt.Errorf("%w: buyer", ErrAlreadyAssigned)
	}
	if buyer == esc.Seller {
		return fmt.Errorf("%w: buyer equals seller", ErrSelfDealing)
	}
	if esc.Arbiter != nil && *esc.Arbiter == buyer {
		return fmt.Errorf("%w: buyer equals arbiter", ErrSelfDealing)
	}
	assigned := buyer
	esc.Buyer = &assigned
	return l.state.EscrowPut(esc)
}

// SetArbiter binds the arbiter to the escrow. The arbiter is fixed once
// assigned.
func (l *Ledger) SetArbiter(esc *Escrow, arbiter [20]byte) error {
	if esc.Arbiter != nil {
		return fmt.Errorf("%w: arbiter", ErrAlreadyAssigned)
	}
	if arbiter == esc.Seller {
		return fmt.Errorf("%w: arbiter equals seller", ErrSelfDealing)
	}
	if esc.Buyer != nil && *esc.Buyer == arbiter {
		return fmt.Errorf("%w: arbiter equals buyer", ErrSelfDealing)
	}
	assigned := arbiter
	esc.Arbiter = &assigned
	return l.state.EscrowPut(esc)
}
