package escrow

import (
	"math/big"
	"sync"
	"testing"

	"vinchain/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewStore(db)
}

func storedEscrow(id uint64) *Escrow {
	return &Escrow{
		ID:        id,
		Seller:    addr(1),
		Price:     big.NewInt(500),
		Eligible:  Eligibility{Seller: true, Buyer: true},
		Threshold: 1,
		Status:    EscrowCreated,
	}
}

func TestStoreEscrowRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.EscrowPut(storedEscrow(3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.EscrowGet(3)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ID != 3 || got.Price.Int64() != 500 || got.Status != EscrowCreated {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	_, ok, err = store.EscrowGet(99)
	if err != nil || ok {
		t.Fatalf("missing escrow: ok=%v err=%v", ok, err)
	}
}

func TestStoreRejectsInvalidEscrow(t *testing.T) {
	store := newTestStore(t)
	bad := storedEscrow(1)
	bad.Threshold = 5
	if err := store.EscrowPut(bad); err == nil {
		t.Fatal("invalid escrow must not persist")
	}
}

func TestNextEscrowIDStartsAtOneAndNeverRepeats(t *testing.T) {
	store := newTestStore(t)
	first, err := store.NextEscrowID()
	if err != nil || first != 1 {
		t.Fatalf("expected first id 1, got %d (err %v)", first, err)
	}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	ids := make(chan uint64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := store.NextEscrowID()
				if err != nil {
					t.Errorf("allocate id: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{first: true}
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
}

func TestStoreApprovalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	record := &ApprovalRecord{
		EscrowID:  7,
		Action:    ActionCancel,
		Nonce:     4,
		Approvals: [][20]byte{addr(1), addr(2)},
	}
	if err := store.ApprovalPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.ApprovalGet(7, ActionCancel)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Count() != 2 || got.Nonce != 4 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Records are keyed per action; the other action stays absent.
	_, ok, err = store.ApprovalGet(7, ActionComplete)
	if err != nil || ok {
		t.Fatalf("wrong action lookup: ok=%v err=%v", ok, err)
	}
}

func TestNonceDefaultsToZero(t *testing.T) {
	store := newTestStore(t)
	nonce, err := store.NonceGet(addr(5))
	if err != nil || nonce != 0 {
		t.Fatalf("fresh signer nonce: got %d (err %v)", nonce, err)
	}
	if err := store.NonceSet(addr(5), 9); err != nil {
		t.Fatalf("set: %v", err)
	}
	nonce, err = store.NonceGet(addr(5))
	if err != nil || nonce != 9 {
		t.Fatalf("stored nonce: got %d (err %v)", nonce, err)
	}
}
