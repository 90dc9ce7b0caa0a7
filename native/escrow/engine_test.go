package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vinchain/crypto"
	"vinchain/storage"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func addrPtr(b byte) *[20]byte {
	a := addr(b)
	return &a
}

type custodyMove struct {
	token  string
	party  [20]byte
	amount *big.Int
}

type assetStub struct {
	owner       map[AssetRef][20]byte
	held        map[AssetRef]bool
	failTake    bool
	failRelease bool
	releases    []custodyMove
}

func newAssetStub() *assetStub {
	return &assetStub{
		owner: make(map[AssetRef][20]byte),
		held:  make(map[AssetRef]bool),
	}
}

func (s *assetStub) Owns(_ context.Context, ref AssetRef, holder [20]byte) (bool, error) {
	return s.owner[ref] == holder && !s.held[ref], nil
}

func (s *assetStub) TakeCustody(_ context.Context, ref AssetRef, from [20]byte) error {
	if s.failTake {
		return fmt.Errorf("registry unavailable")
	}
	if s.owner[ref] != from || s.held[ref] {
		return fmt.Errorf("holder mismatch for token %d", ref.TokenID)
	}
	s.held[ref] = true
	return nil
}

func (s *assetStub) ReleaseCustody(_ context.Context, ref AssetRef, to [20]byte) error {
	if s.failRelease {
		return fmt.Errorf("registry unavailable")
	}
	if !s.held[ref] {
		return fmt.Errorf("token %d not in custody", ref.TokenID)
	}
	s.held[ref] = false
	s.owner[ref] = to
	s.releases = append(s.releases, custodyMove{party: to})
	return nil
}

type paymentStub struct {
	pulls    []custodyMove
	pushes   []custodyMove
	failPull bool
	failPush bool
}

func (s *paymentStub) Pull(_ context.Context, token string, from [20]byte, amount *big.Int) error {
	if s.failPull {
		return fmt.Errorf("payment rail unavailable")
	}
	s.pulls = append(s.pulls, custodyMove{token: token, party: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (s *paymentStub) Push(_ context.Context, token string, to [20]byte, amount *big.Int) error {
	if s.failPush {
		return fmt.Errorf("payment rail unavailable")
	}
	s.pushes = append(s.pushes, custodyMove{token: token, party: to, amount: new(big.Int).Set(amount)})
	return nil
}

type testEnv struct {
	engine   *Engine
	assets   *assetStub
	payments *paymentStub
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	store := NewStore(db)
	assets := newAssetStub()
	payments := &paymentStub{}
	domain := NewSigningDomain(7741, addr(0xEE))
	engine := NewEngine(store, domain, assets, payments)
	env := &testEnv{engine: engine, assets: assets, payments: payments, now: 1_000}
	engine.SetNowFunc(func() int64 { return env.now })
	return env
}

func (env *testEnv) create(t *testing.T, params CreateParams) *Escrow {
	t.Helper()
	if params.Price == nil {
		params.Price = big.NewInt(25_000_000000)
	}
	env.assets.owner[params.Asset] = params.Seller
	esc, err := env.engine.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func defaultParams() CreateParams {
	return CreateParams{
		Seller:    addr(1),
		Asset:     AssetRef{Contract: addr(0xAA), TokenID: 7},
		Arbiter:   addrPtr(3),
		Eligible:  Eligibility{Seller: true, Buyer: true, Arbiter: true},
		Threshold: 2,
	}
}

func (env *testEnv) createDeposited(t *testing.T) *Escrow {
	t.Helper()
	esc := env.create(t, defaultParams())
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	esc, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload escrow: %v", err)
	}
	return esc
}

func TestCreateTakesAssetCustody(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	if esc.ID != 1 {
		t.Fatalf("expected first id 1, got %d", esc.ID)
	}
	if esc.Status != EscrowCreated {
		t.Fatalf("expected status created, got %s", esc.Status)
	}
	if !esc.AssetHeld || esc.PaymentHeld {
		t.Fatalf("expected asset held without payment, got asset=%v payment=%v", esc.AssetHeld, esc.PaymentHeld)
	}
	if !env.assets.held[esc.Asset] {
		t.Fatal("asset registry should hold the token")
	}
	if esc.PaymentToken != DefaultPaymentToken {
		t.Fatalf("expected default token, got %s", esc.PaymentToken)
	}
}

func TestCreateRejectsBadConfiguration(t *testing.T) {
	env := newTestEnv(t)
	base := defaultParams()
	env.assets.owner[base.Asset] = base.Seller

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		want   error
	}{
		{"zero threshold", func(p *CreateParams) { p.Threshold = 0 }, ErrInvalidConfiguration},
		{"threshold above eligible", func(p *CreateParams) { p.Threshold = 4 }, ErrInvalidConfiguration},
		{"no eligible roles", func(p *CreateParams) { p.Eligible = Eligibility{}; p.Threshold = 1 }, ErrInvalidConfiguration},
		{"arbiter eligible without arbiter", func(p *CreateParams) { p.Arbiter = nil }, ErrInvalidConfiguration},
		{"arbiter equals seller", func(p *CreateParams) { p.Arbiter = addrPtr(1) }, ErrInvalidConfiguration},
		{"zero price", func(p *CreateParams) { p.Price = big.NewInt(0) }, ErrInvalidPrice},
		{"negative price", func(p *CreateParams) { p.Price = big.NewInt(-5) }, ErrInvalidPrice},
		{"unknown token", func(p *CreateParams) { p.PaymentToken = "DOGE" }, ErrInvalidConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base
			params.Price = big.NewInt(100)
			tc.mutate(&params)
			if _, err := env.engine.Create(context.Background(), params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if env.assets.held[base.Asset] {
				t.Fatal("rejected creation must not take custody")
			}
		})
	}
}

func TestCreateRequiresAssetOwnership(t *testing.T) {
	env := newTestEnv(t)
	params := defaultParams()
	params.Price = big.NewInt(100)
	env.assets.owner[params.Asset] = addr(9)
	if _, err := env.engine.Create(context.Background(), params); !errors.Is(err, ErrNotAssetOwner) {
		t.Fatalf("expected ErrNotAssetOwner, got %v", err)
	}
}

func TestAssignBuyerIsFinal(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	ctx := context.Background()

	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(1)); !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("buyer equal to seller: expected ErrSelfDealing, got %v", err)
	}
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(3)); !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("buyer equal to arbiter: expected ErrSelfDealing, got %v", err)
	}
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(4)); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("reassignment: expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestAssignArbiterSellerOnly(t *testing.T) {
	env := newTestEnv(t)
	params := defaultParams()
	params.Arbiter = nil
	params.Eligible = Eligibility{Seller: true, Buyer: true}
	esc := env.create(t, params)
	ctx := context.Background()

	if err := env.engine.AssignArbiter(ctx, esc.ID, addr(9), addr(3)); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := env.engine.AssignArbiter(ctx, esc.ID, addr(1), addr(3)); err != nil {
		t.Fatalf("assign arbiter: %v", err)
	}
	if err := env.engine.AssignArbiter(ctx, esc.ID, addr(1), addr(5)); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("reassignment: expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestDepositRequiresAssignedBuyer(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	ctx := context.Background()

	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("no buyer yet: expected ErrNotBuyer, got %v", err)
	}
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(9)); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("wrong payer: expected ErrNotBuyer, got %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowBuyerDeposited || !got.PaymentHeld {
		t.Fatalf("expected buyer_deposited with payment held, got %s held=%v", got.Status, got.PaymentHeld)
	}
	if len(env.payments.pulls) != 1 || env.payments.pulls[0].party != addr(2) {
		t.Fatalf("expected one pull from the buyer, got %+v", env.payments.pulls)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second deposit: expected ErrInvalidState, got %v", err)
	}
}

func TestDepositFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	env.payments.failPull = true
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); !errors.Is(err, ErrCustody) {
		t.Fatalf("expected ErrCustody, got %v", err)
	}
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowCreated || got.PaymentHeld {
		t.Fatalf("failed pull must not advance state, got %s held=%v", got.Status, got.PaymentHeld)
	}
	env.payments.failPull = false
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
}

func TestApproveBeforeDepositRejected(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	if _, err := env.engine.Approve(context.Background(), esc.ID, addr(1), ActionComplete); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApproveRejectsIneligibleSigner(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	if _, err := env.engine.Approve(context.Background(), esc.ID, addr(9), ActionComplete); !errors.Is(err, ErrSignerNotAuthorized) {
		t.Fatalf("expected ErrSignerNotAuthorized, got %v", err)
	}
}

func TestApproveIsIdempotentPerSigner(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	first, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete)
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if first.Count != 1 || first.ThresholdReached {
		t.Fatalf("expected count 1 below threshold, got %+v", first)
	}
	second, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete)
	if err != nil {
		t.Fatalf("duplicate approval: %v", err)
	}
	if second.Count != 1 || second.ThresholdReached {
		t.Fatalf("duplicate must not change the count, got %+v", second)
	}
}

func TestThresholdCompletesEscrow(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	outcome, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionComplete)
	if err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	if !outcome.ThresholdReached || outcome.Status != EscrowCompleted {
		t.Fatalf("expected completed resolution, got %+v", outcome)
	}
	if env.assets.owner[esc.Asset] != addr(2) {
		t.Fatal("asset should transfer to the buyer on completion")
	}
	if len(env.payments.pushes) != 1 || env.payments.pushes[0].party != addr(1) {
		t.Fatalf("payment should push to the seller once, got %+v", env.payments.pushes)
	}
}

func TestThresholdCancelsEscrow(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	if _, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionCancel); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	outcome, err := env.engine.Approve(ctx, esc.ID, addr(3), ActionCancel)
	if err != nil {
		t.Fatalf("arbiter approval: %v", err)
	}
	if outcome.Status != EscrowCancelled {
		t.Fatalf("expected cancelled, got %s", outcome.Status)
	}
	if env.assets.owner[esc.Asset] != addr(1) {
		t.Fatal("asset should return to the seller on cancellation")
	}
	if len(env.payments.pushes) != 1 || env.payments.pushes[0].party != addr(2) {
		t.Fatalf("payment should refund the buyer once, got %+v", env.payments.pushes)
	}
}

func TestNoReleaseAfterResolution(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()
	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionComplete); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(3), ActionComplete); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approval after resolution: expected ErrInvalidState, got %v", err)
	}
	if len(env.payments.pushes) != 1 {
		t.Fatalf("payment must move exactly once, got %d pushes", len(env.payments.pushes))
	}
}

func TestResolutionCustodyFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	env.payments.failPush = true
	if _, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionComplete); !errors.Is(err, ErrCustody) {
		t.Fatalf("expected ErrCustody, got %v", err)
	}
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowBuyerDeposited {
		t.Fatalf("failed resolution must not advance state, got %s", got.Status)
	}
	if !env.assets.held[esc.Asset] {
		t.Fatal("asset must be re-taken after the failed payment push")
	}

	// The buyer resubmits once the rail recovers; the duplicate approval
	// retries the pending resolution.
	env.payments.failPush = false
	outcome, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionComplete)
	if err != nil {
		t.Fatalf("retry approval: %v", err)
	}
	if outcome.Status != EscrowCompleted {
		t.Fatalf("expected completed after retry, got %s", outcome.Status)
	}
}

func TestCompetingActionsAccumulateIndependently(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); err != nil {
		t.Fatalf("complete approval: %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionCancel); err != nil {
		t.Fatalf("cancel approval: %v", err)
	}
	completeRec, err := env.engine.Approvals(esc.ID, ActionComplete)
	if err != nil || completeRec.Count() != 1 {
		t.Fatalf("expected one complete approval, got %v (err %v)", completeRec, err)
	}
	cancelRec, err := env.engine.Approvals(esc.ID, ActionCancel)
	if err != nil || cancelRec.Count() != 1 {
		t.Fatalf("expected one cancel approval, got %v (err %v)", cancelRec, err)
	}

	// Completion wins the race; the stale cancel set stays moot behind the
	// terminal-state guard.
	outcome, err := env.engine.Approve(ctx, esc.ID, addr(3), ActionComplete)
	if err != nil {
		t.Fatalf("arbiter approval: %v", err)
	}
	if outcome.Status != EscrowCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(3), ActionCancel); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after completion: expected ErrInvalidState, got %v", err)
	}
}

func TestLazyExpiryCancelsAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	params := defaultParams()
	params.ExpiresAt = 2_000
	esc := env.create(t, params)
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	env.now = 2_001
	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowCancelled {
		t.Fatalf("expired escrow should be cancelled, got %s", got.Status)
	}
	if env.assets.owner[esc.Asset] != addr(1) {
		t.Fatal("asset should return to the seller on expiry")
	}
	if len(env.payments.pushes) != 1 || env.payments.pushes[0].party != addr(2) {
		t.Fatalf("payment should refund the buyer, got %+v", env.payments.pushes)
	}
}

func TestExpiryWithoutDepositSkipsPayment(t *testing.T) {
	env := newTestEnv(t)
	params := defaultParams()
	params.ExpiresAt = 2_000
	esc := env.create(t, params)
	ctx := context.Background()

	env.now = 3_000
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("read expired escrow: %v", err)
	}
	if got.Status != EscrowCancelled {
		t.Fatalf("read should lazily cancel, got %s", got.Status)
	}
	if len(env.payments.pushes) != 0 {
		t.Fatalf("no payment was held, none may move: %+v", env.payments.pushes)
	}
}

func TestExpiryDoesNotReenterTerminalState(t *testing.T) {
	env := newTestEnv(t)
	params := defaultParams()
	params.ExpiresAt = 5_000
	esc := env.create(t, params)
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(1), ActionComplete); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addr(2), ActionComplete); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}

	env.now = 6_000
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowCompleted {
		t.Fatalf("completed escrow must not be re-cancelled by expiry, got %s", got.Status)
	}
	if len(env.payments.pushes) != 1 {
		t.Fatalf("payment must not move again, got %d pushes", len(env.payments.pushes))
	}
}

func TestAdminCancelRestricted(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	if err := env.engine.AdminCancel(ctx, esc.ID, addr(7)); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("no admin configured: expected ErrNotAdmin, got %v", err)
	}
	env.engine.SetAdmin(addr(7))
	if err := env.engine.AdminCancel(ctx, esc.ID, addr(8)); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("wrong caller: expected ErrNotAdmin, got %v", err)
	}
	if err := env.engine.AdminCancel(ctx, esc.ID, addr(7)); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != EscrowCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(env.payments.pushes) != 1 || env.payments.pushes[0].party != addr(2) {
		t.Fatalf("admin cancel should refund the buyer, got %+v", env.payments.pushes)
	}
	if err := env.engine.AdminCancel(ctx, esc.ID, addr(7)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("terminal escrow: expected ErrInvalidState, got %v", err)
	}
}

func TestSignedApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sellerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	seller := sellerKey.PubKey().Address().Array()

	params := defaultParams()
	params.Seller = seller
	params.Arbiter = nil
	params.Eligible = Eligibility{Seller: true, Buyer: true}
	esc := env.create(t, params)
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	domain := env.engine.Verifier().Domain()
	nonce, err := env.engine.Nonce(seller)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected fresh nonce 0, got %d", nonce)
	}
	sig, err := ethcrypto.Sign(domain.MessageHash(esc.ID, ActionComplete, nonce), sellerKey.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	outcome, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionComplete, nonce, sig)
	if err != nil {
		t.Fatalf("signed approval: %v", err)
	}
	if outcome.Count != 1 {
		t.Fatalf("expected one approval, got %d", outcome.Count)
	}
	next, err := env.engine.Nonce(seller)
	if err != nil {
		t.Fatalf("nonce after approval: %v", err)
	}
	if next != nonce+1 {
		t.Fatalf("nonce must advance by one, got %d", next)
	}

	// Replaying the identical payload must fail on the consumed nonce.
	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionComplete, nonce, sig); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("replay: expected ErrInvalidNonce, got %v", err)
	}
}

func TestSignedApprovalRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	sellerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	seller := sellerKey.PubKey().Address().Array()

	params := defaultParams()
	params.Seller = seller
	params.Arbiter = nil
	params.Eligible = Eligibility{Seller: true, Buyer: true}
	esc := env.create(t, params)
	ctx := context.Background()
	if err := env.engine.AssignBuyer(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("assign buyer: %v", err)
	}
	if err := env.engine.Deposit(ctx, esc.ID, addr(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	domain := env.engine.Verifier().Domain()
	sig, err := ethcrypto.Sign(domain.MessageHash(esc.ID, ActionComplete, 0), sellerKey.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionComplete, 5, sig); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("future nonce: expected ErrInvalidNonce, got %v", err)
	}
	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionComplete, 0, sig[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("short signature: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionCancel, 0, sig); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("signature bound to complete must not authorize cancel, got %v", err)
	}
	if nonce, _ := env.engine.Nonce(seller); nonce != 0 {
		t.Fatalf("rejected signature must not consume the nonce, got %d", nonce)
	}

	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := ethcrypto.Sign(domain.MessageHash(esc.ID, ActionComplete, 0), otherKey.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, seller, ActionComplete, 0, forged); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("forged signature: expected ErrSignerMismatch, got %v", err)
	}
}

func TestSignedApprovalRejectsIneligibleBeforeNonce(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createDeposited(t)
	ctx := context.Background()

	strangerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	stranger := strangerKey.PubKey().Address().Array()
	domain := env.engine.Verifier().Domain()
	sig, err := ethcrypto.Sign(domain.MessageHash(esc.ID, ActionComplete, 0), strangerKey.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.engine.ApproveWithSignature(ctx, esc.ID, stranger, ActionComplete, 0, sig); !errors.Is(err, ErrSignerNotAuthorized) {
		t.Fatalf("expected ErrSignerNotAuthorized, got %v", err)
	}
	if nonce, _ := env.engine.Nonce(stranger); nonce != 0 {
		t.Fatalf("eligibility rejection must not consume the nonce, got %d", nonce)
	}
}

func TestGetEscrowDetailsReturnsClone(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t, defaultParams())
	ctx := context.Background()

	got, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got.Price.SetInt64(1)
	got.Status = EscrowCompleted

	again, err := env.engine.GetEscrowDetails(ctx, esc.ID)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if again.Status != EscrowCreated || again.Price.Int64() == 1 {
		t.Fatal("mutating a returned escrow must not affect stored state")
	}
}

func TestUnknownEscrow(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.GetEscrowDetails(context.Background(), 42); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}
