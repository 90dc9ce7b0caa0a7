package escrow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"vinchain/storage"
)

// LedgerState is the persistence boundary of the escrow ledger. Implementations
// must return deep copies so callers cannot mutate stored records in place.
type LedgerState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	NextEscrowID() (uint64, error)

	ApprovalPut(*ApprovalRecord) error
	ApprovalGet(id uint64, action ApprovalAction) (*ApprovalRecord, bool, error)

	NonceGet(signer [20]byte) (uint64, error)
	NonceSet(signer [20]byte, value uint64) error
}

const (
	keyEscrowSeq    = "escrow/seq"
	prefixEscrowRec = "escrow/rec/"
	prefixApproval  = "escrow/apv/"
	prefixNonce     = "escrow/nonce/"
)

func escrowKey(id uint64) []byte {
	buf := make([]byte, 0, len(prefixEscrowRec)+8)
	buf = append(buf, prefixEscrowRec...)
	return binary.BigEndian.AppendUint64(buf, id)
}

func approvalKey(id uint64, action ApprovalAction) []byte {
	buf := make([]byte, 0, len(prefixApproval)+9)
	buf = append(buf, prefixApproval...)
	buf = binary.BigEndian.AppendUint64(buf, id)
	return append(buf, byte(action))
}

func nonceKey(signer [20]byte) []byte {
	buf := make([]byte, 0, len(prefixNonce)+20)
	buf = append(buf, prefixNonce...)
	return append(buf, signer[:]...)
}

// Store persists ledger state in a key-value database. It satisfies
// LedgerState for both the MemDB and LevelDB backends.
type Store struct {
	db storage.Database

	// guards the read-modify-write of the id sequence.
	seqMu sync.Mutex
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("encode escrow %d: %w", sanitized.ID, err)
	}
	return s.db.Put(escrowKey(sanitized.ID), raw)
}

func (s *Store) EscrowGet(id uint64) (*Escrow, bool, error) {
	raw, err := s.db.Get(escrowKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	esc := new(Escrow)
	if err := json.Unmarshal(raw, esc); err != nil {
		return nil, false, fmt.Errorf("decode escrow %d: %w", id, err)
	}
	return esc, true, nil
}

// NextEscrowID allocates a new monotonically increasing identifier. Identifiers
// start at 1 and are never reused, even when escrow creation later fails.
func (s *Store) NextEscrowID() (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	var current uint64
	raw, err := s.db.Get([]byte(keyEscrowSeq))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = 0
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, fmt.Errorf("corrupt escrow sequence entry: %d bytes", len(raw))
	default:
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	buf := binary.BigEndian.AppendUint64(nil, next)
	if err := s.db.Put([]byte(keyEscrowSeq), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) ApprovalPut(r *ApprovalRecord) error {
	sanitized, err := SanitizeApprovalRecord(r)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("encode approval record %d/%s: %w", sanitized.EscrowID, sanitized.Action, err)
	}
	return s.db.Put(approvalKey(sanitized.EscrowID, sanitized.Action), raw)
}

func (s *Store) ApprovalGet(id uint64, action ApprovalAction) (*ApprovalRecord, bool, error) {
	raw, err := s.db.Get(approvalKey(id, action))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	record := new(ApprovalRecord)
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, false, fmt.Errorf("decode approval record %d/%s: %w", id, action, err)
	}
	return record, true, nil
}

func (s *Store) NonceGet(signer [20]byte) (uint64, error) {
	raw, err := s.db.Get(nonceKey(signer))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt nonce entry: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) NonceSet(signer [20]byte, value uint64) error {
	return s.db.Put(nonceKey(signer), binary.BigEndian.AppendUint64(nil, value))
}
