package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"vinchain/core/events"
	"vinchain/observability/metrics"
)

var (
	errNilState   = errors.New("escrow engine: state not configured")
	errNilCustody = errors.New("escrow engine: custodians not configured")
)

// AssetCustodian is the external collaborator holding vehicle titles. Both
// transfer directions must fail loudly on unauthorized attempts; the engine
// never retries silently.
type AssetCustodian interface {
	Owns(ctx context.Context, ref AssetRef, holder [20]byte) (bool, error)
	TakeCustody(ctx context.Context, ref AssetRef, from [20]byte) error
	ReleaseCustody(ctx context.Context, ref AssetRef, to [20]byte) error
}

// PaymentCustodian is the external collaborator moving payment tokens in and
// out of system custody. Amounts are integers in the token's smallest unit.
type PaymentCustodian interface {
	Pull(ctx context.Context, token string, from [20]byte, amount *big.Int) error
	Push(ctx context.Context, token string, to [20]byte, amount *big.Int) error
}

const defaultCustodyTimeout = 5 * time.Second

// Engine drives the escrow lifecycle: creation, party assignment, payment
// deposit, approval collection and resolution. All mutations on one escrow id
// run under the ledger's per-id lock.
type Engine struct {
	ledger    *Ledger
	approvals *ApprovalTracker
	verifier  *SignatureVerifier
	assets    AssetCustodian
	payments  PaymentCustodian

	emitter        events.Emitter
	logger         *slog.Logger
	admin          *[20]byte
	custodyTimeout time.Duration
	nowFn          func() int64
}

// NewEngine wires the ledger, approval tracker and signature verifier over a
// shared state backend, bound to the supplied custody collaborators.
func NewEngine(state LedgerState, domain SigningDomain, assets AssetCustodian, payments PaymentCustodian) *Engine {
	return &Engine{
		ledger:         NewLedger(state),
		approvals:      NewApprovalTracker(state),
		verifier:       NewSignatureVerifier(domain, state),
		assets:         assets,
		payments:       payments,
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		custodyTimeout: defaultCustodyTimeout,
		nowFn:          func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger used by the engine.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetAdmin configures the address allowed to perform emergency cancellations.
func (e *Engine) SetAdmin(addr [20]byte) {
	admin := addr
	e.admin = &admin
}

// SetCustodyTimeout bounds every external custody call.
func (e *Engine) SetCustodyTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultCustodyTimeout
	}
	e.custodyTimeout = d
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Verifier exposes the signature verifier so transports can report nonces and
// the signing domain.
func (e *Engine) Verifier() *SignatureVerifier { return e.verifier }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(*evt)
}

func (e *Engine) custodyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.custodyTimeout
	if timeout <= 0 {
		timeout = defaultCustodyTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// CreateParams carries the seller-declared terms of a new escrow.
type CreateParams struct {
	Seller       [20]byte
	Asset        AssetRef
	PaymentToken string
	Price        *big.Int
	Arbiter      *[20]byte
	Eligible     Eligibility
	Threshold    uint32
	ExpiresAt    int64
}

// Create validates the terms, takes the asset into custody and persists the
// new escrow. Configuration errors are rejected before any custody is
// touched.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilState
	}
	if e.assets == nil || e.payments == nil {
		return nil, errNilCustody
	}
	token, err := NormalizeToken(params.PaymentToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if params.Price == nil || params.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	candidate := &Escrow{
		Seller:       params.Seller,
		Asset:        params.Asset,
		PaymentToken: token,
		Price:        new(big.Int).Set(params.Price),
		Eligible:     params.Eligible,
		Threshold:    params.Threshold,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    e.now(),
		Status:       EscrowCreated,
	}
	if params.Arbiter != nil {
		arbiter := *params.Arbiter
		candidate.Arbiter = &arbiter
	}
	if err := validateAuthorization(candidate); err != nil {
		return nil, err
	}

	cctx, cancel := e.custodyContext(ctx)
	owns, err := e.assets.Owns(cctx, params.Asset, params.Seller)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: ownership check: %v", ErrCustody, err)
	}
	if !owns {
		return nil, ErrNotAssetOwner
	}
	cctx, cancel = e.custodyContext(ctx)
	err = e.assets.TakeCustody(cctx, params.Asset, params.Seller)
	cancel()
	if err != nil {
		metrics.Escrow().ObserveCustodyFailure("take_asset")
		return nil, fmt.Errorf("%w: take asset: %v", ErrCustody, err)
	}
	candidate.AssetHeld = true

	esc, err := e.ledger.Create(candidate)
	if err != nil {
		cctx, cancel = e.custodyContext(ctx)
		if rbErr := e.assets.ReleaseCustody(cctx, params.Asset, params.Seller); rbErr != nil {
			e.logger.Error("asset custody rollback failed after create",
				"asset", params.Asset, "err", rbErr)
		}
		cancel()
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	metrics.Escrow().ObserveCreated()
	e.logger.Info("escrow created", "id", esc.ID, "token", esc.PaymentToken, "price", esc.Price)
	return esc, nil
}

// AssignBuyer binds the buyer to an escrow in the Created state. The buyer is
// fixed once assigned.
func (e *Engine) AssignBuyer(ctx context.Context, id uint64, buyer [20]byte) error {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return err
	}
	if expired {
		return fmt.Errorf("%w: escrow %d", ErrExpired, id)
	}
	if esc.Status != EscrowCreated {
		return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, id, esc.Status)
	}
	if err := e.ledger.SetBuyer(esc, buyer); err != nil {
		return err
	}
	e.emit(NewBuyerAssignedEvent(esc))
	return nil
}

// AssignArbiter binds the arbiter. Seller-only, allowed until resolution, and
// only while no arbiter is set.
func (e *Engine) AssignArbiter(ctx context.Context, id uint64, caller, arbiter [20]byte) error {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return err
	}
	if expired {
		return fmt.Errorf("%w: escrow %d", ErrExpired, id)
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: only the seller assigns the arbiter", ErrNotSeller)
	}
	if esc.Status != EscrowCreated && esc.Status != EscrowBuyerDeposited {
		return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, id, esc.Status)
	}
	if err := e.ledger.SetArbiter(esc, arbiter); err != nil {
		return err
	}
	e.emit(NewArbiterAssignedEvent(esc))
	return nil
}

// Deposit pulls the full price from the assigned buyer into custody and moves
// the escrow to BuyerDeposited. A failed pull leaves the state unchanged.
func (e *Engine) Deposit(ctx context.Context, id uint64, payer [20]byte) error {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return err
	}
	if expired {
		return fmt.Errorf("%w: escrow %d", ErrExpired, id)
	}
	if esc.Status != EscrowCreated {
		return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, id, esc.Status)
	}
	if esc.Buyer == nil || payer != *esc.Buyer {
		return fmt.Errorf("%w: escrow %d", ErrNotBuyer, id)
	}
	cctx, cancel := e.custodyContext(ctx)
	err = e.payments.Pull(cctx, esc.PaymentToken, payer, esc.Price)
	cancel()
	if err != nil {
		metrics.Escrow().ObserveCustodyFailure("pull_payment")
		return fmt.Errorf("%w: pull payment: %v", ErrCustody, err)
	}
	esc.Status = EscrowBuyerDeposited
	esc.PaymentHeld = true
	if err := e.ledger.Update(esc); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(esc))
	metrics.Escrow().ObserveDeposit()
	return nil
}

// ApprovalOutcome reports the effect of one approval submission.
type ApprovalOutcome struct {
	EscrowID         uint64
	Action           ApprovalAction
	Count            int
	ThresholdReached bool
	Status           EscrowStatus
}

// Approve records a resolution approval from an authenticated caller. When
// the threshold is reached the resolution and all custody releases happen
// within the same locked step.
func (e *Engine) Approve(ctx context.Context, id uint64, caller [20]byte, action ApprovalAction) (*ApprovalOutcome, error) {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: escrow %d", ErrExpired, id)
	}
	return e.applyApproval(ctx, esc, action, caller, "direct")
}

// ApproveWithSignature records a resolution approval authenticated by a
// domain-separated signature. The signer's nonce is consumed as soon as the
// signature verifies, even if the approval itself turns out to be a no-op.
func (e *Engine) ApproveWithSignature(ctx context.Context, id uint64, signer [20]byte, action ApprovalAction, nonce uint64, sig []byte) (*ApprovalOutcome, error) {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: escrow %d", ErrExpired, id)
	}
	if esc.Status != EscrowBuyerDeposited {
		return nil, fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, id, esc.Status)
	}
	if !esc.EligibleSigner(signer) {
		return nil, fmt.Errorf("%w: escrow %d action %s", ErrSignerNotAuthorized, id, action)
	}
	if err := e.verifier.VerifyAndConsume(id, action, signer, nonce, sig); err != nil {
		metrics.Escrow().ObserveSignatureRejected(rejectionReason(err))
		return nil, err
	}
	return e.applyApproval(ctx, esc, action, signer, "signature")
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidNonce):
		return "nonce"
	case errors.Is(err, ErrSignerMismatch):
		return "signer_mismatch"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	default:
		return "other"
	}
}

// applyApproval is the single accumulation path shared by both approval entry
// points; only the authentication of signer differs upstream.
func (e *Engine) applyApproval(ctx context.Context, esc *Escrow, action ApprovalAction, signer [20]byte, path string) (*ApprovalOutcome, error) {
	res, err := e.approvals.Record(esc, action, signer)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		e.emit(NewApprovalRecordedEvent(esc, action, signer, res.Count))
		metrics.Escrow().ObserveApproval(path)
	}
	outcome := &ApprovalOutcome{
		EscrowID:         esc.ID,
		Action:           action,
		Count:            res.Count,
		ThresholdReached: res.ThresholdReached,
		Status:           esc.Status,
	}
	if res.ThresholdReached {
		if err := e.resolve(ctx, esc, action); err != nil {
			return nil, err
		}
		outcome.Status = esc.Status
	}
	return outcome, nil
}

// resolve performs the terminal transition and all custody releases as one
// indivisible step. Any custody failure aborts the resolution with the state
// unchanged; a later approval submission retries it.
func (e *Engine) resolve(ctx context.Context, esc *Escrow, action ApprovalAction) error {
	if esc.Buyer == nil {
		return fmt.Errorf("%w: escrow %d has no buyer", ErrInvalidState, esc.ID)
	}
	buyer := *esc.Buyer
	var status EscrowStatus
	var err error
	switch action {
	case ActionComplete:
		status = EscrowCompleted
		err = e.releaseCustody(ctx, esc, buyer, esc.Seller)
	case ActionCancel:
		status = EscrowCancelled
		err = e.releaseCustody(ctx, esc, esc.Seller, buyer)
	default:
		return fmt.Errorf("%w: action %d", ErrInvalidState, action)
	}
	if err != nil {
		return err
	}
	esc.Status = status
	esc.AssetHeld = false
	esc.PaymentHeld = false
	if err := e.ledger.Update(esc); err != nil {
		return err
	}
	switch status {
	case EscrowCompleted:
		e.emit(NewCompletedEvent(esc))
		metrics.Escrow().ObserveResolution("completed")
	case EscrowCancelled:
		e.emit(NewCancelledEvent(esc))
		metrics.Escrow().ObserveResolution("cancelled")
	}
	e.logger.Info("escrow resolved", "id", esc.ID, "status", esc.Status.String())
	return nil
}

// releaseCustody moves the asset to assetTo and, when payment is held, the
// price to paymentTo. A failed payment push re-takes the asset so no partial
// movement survives the call.
func (e *Engine) releaseCustody(ctx context.Context, esc *Escrow, assetTo, paymentTo [20]byte) error {
	cctx, cancel := e.custodyContext(ctx)
	err := e.assets.ReleaseCustody(cctx, esc.Asset, assetTo)
	cancel()
	if err != nil {
		metrics.Escrow().ObserveCustodyFailure("release_asset")
		return fmt.Errorf("%w: release asset: %v", ErrCustody, err)
	}
	if !esc.PaymentHeld {
		return nil
	}
	cctx, cancel = e.custodyContext(ctx)
	err = e.payments.Push(cctx, esc.PaymentToken, paymentTo, esc.Price)
	cancel()
	if err != nil {
		metrics.Escrow().ObserveCustodyFailure("push_payment")
		cctx, cancel = e.custodyContext(ctx)
		if rbErr := e.assets.TakeCustody(cctx, esc.Asset, assetTo); rbErr != nil {
			e.logger.Error("asset custody rollback failed during resolution",
				"id", esc.ID, "err", rbErr)
		}
		cancel()
		return fmt.Errorf("%w: push payment: %v", ErrCustody, err)
	}
	return nil
}

// lazyExpire cancels an expired escrow before the requested operation is
// evaluated: asset back to the seller, payment back to the buyer only if
// payment was ever held. Callers must hold the escrow lock.
func (e *Engine) lazyExpire(ctx context.Context, esc *Escrow) (bool, error) {
	if esc == nil || esc.Status.Terminal() || !esc.Expired(e.now()) {
		return false, nil
	}
	var buyer [20]byte
	if esc.Buyer != nil {
		buyer = *esc.Buyer
	}
	if err := e.releaseCustody(ctx, esc, esc.Seller, buyer); err != nil {
		return false, err
	}
	esc.Status = EscrowCancelled
	esc.AssetHeld = false
	esc.PaymentHeld = false
	if err := e.ledger.Update(esc); err != nil {
		return false, err
	}
	e.emit(NewExpiredEvent(esc))
	metrics.Escrow().ObserveResolution("expired")
	e.logger.Info("escrow lazily cancelled after expiration", "id", esc.ID)
	return true, nil
}

// AdminCancel is the emergency cancellation path, restricted to the
// configured system admin. Refund policy matches expiry.
func (e *Engine) AdminCancel(ctx context.Context, id uint64, caller [20]byte) error {
	if e.admin == nil || caller != *e.admin {
		return ErrNotAdmin
	}
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	expired, err := e.lazyExpire(ctx, esc)
	if err != nil {
		return err
	}
	if expired {
		// The expiry path already performed the cancellation.
		return nil
	}
	if esc.Status.Terminal() {
		return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, id, esc.Status)
	}
	var buyer [20]byte
	if esc.Buyer != nil {
		buyer = *esc.Buyer
	}
	if err := e.releaseCustody(ctx, esc, esc.Seller, buyer); err != nil {
		return err
	}
	esc.Status = EscrowCancelled
	esc.AssetHeld = false
	esc.PaymentHeld = false
	if err := e.ledger.Update(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc))
	metrics.Escrow().ObserveResolution("admin_cancelled")
	e.logger.Warn("escrow cancelled by admin", "id", id)
	return nil
}

// GetEscrowDetails returns a read-only projection of the escrow. The read
// still triggers lazy expiry, so an expired record is cancelled before it is
// returned.
func (e *Engine) GetEscrowDetails(ctx context.Context, id uint64) (*Escrow, error) {
	unlock := e.ledger.Lock(id)
	defer unlock()
	esc, err := e.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := e.lazyExpire(ctx, esc); err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Approvals returns the approval record for (escrow, action), or nil when no
// party has approved that action yet.
func (e *Engine) Approvals(id uint64, action ApprovalAction) (*ApprovalRecord, error) {
	record, ok, err := e.approvals.Get(id, action)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

// Nonce returns the next expected nonce for signer.
func (e *Engine) Nonce(signer [20]byte) (uint64, error) {
	return e.verifier.Nonce(signer)
}
