package escrow

import stderrors "errors"

// Configuration errors: caller mistakes at creation, not retryable without
// changing inputs.
var (
	ErrInvalidConfiguration = stderrors.New("escrow: invalid authorization configuration")
	ErrInvalidPrice         = stderrors.New("escrow: price must be positive")
	ErrNotAssetOwner        = stderrors.New("escrow: seller does not control the asset")
)

// State errors: the operation is not valid in the escrow's current state.
var (
	ErrEscrowNotFound  = stderrors.New("escrow: escrow not found")
	ErrInvalidState    = stderrors.New("escrow: operation not allowed in current state")
	ErrAlreadyAssigned = stderrors.New("escrow: party already assigned")
	ErrSelfDealing     = stderrors.New("escrow: parties must be distinct")
)

// Authorization errors: wrong caller, role, signature or nonce. Always fatal
// to the call, never silently ignored.
var (
	ErrSignerNotAuthorized = stderrors.New("escrow: signer not authorized")
	ErrNotBuyer            = stderrors.New("escrow: caller is not the assigned buyer")
	ErrNotSeller           = stderrors.New("escrow: caller is not the seller")
	ErrNotAdmin            = stderrors.New("escrow: caller is not the system admin")
	ErrInvalidSignature    = stderrors.New("escrow: invalid signature")
	ErrSignerMismatch      = stderrors.New("escrow: signature does not recover to claimed signer")
	ErrInvalidNonce        = stderrors.New("escrow: nonce does not match stored value")
)

// ErrCustody wraps a failed external custody transfer. The escrow state is
// left unchanged so the operation can be retried once the external condition
// is fixed.
var ErrCustody = stderrors.New("escrow: custody transfer failed")

// ErrExpired is returned when the current interaction observed the expiration
// and performed the lazy cancellation.
var ErrExpired = stderrors.New("escrow: escrow expired")

// IsConfigurationError reports whether err belongs to the configuration
// category of the error taxonomy.
func IsConfigurationError(err error) bool {
	return stderrors.Is(err, ErrInvalidConfiguration) ||
		stderrors.Is(err, ErrInvalidPrice) ||
		stderrors.Is(err, ErrNotAssetOwner)
}

// IsStateError reports whether err indicates a wrong-state operation.
func IsStateError(err error) bool {
	return stderrors.Is(err, ErrEscrowNotFound) ||
		stderrors.Is(err, ErrInvalidState) ||
		stderrors.Is(err, ErrAlreadyAssigned) ||
		stderrors.Is(err, ErrSelfDealing)
}

// IsAuthorizationError reports whether err indicates a rejected caller,
// signature or nonce.
func IsAuthorizationError(err error) bool {
	return stderrors.Is(err, ErrSignerNotAuthorized) ||
		stderrors.Is(err, ErrNotBuyer) ||
		stderrors.Is(err, ErrNotSeller) ||
		stderrors.Is(err, ErrNotAdmin) ||
		stderrors.Is(err, ErrInvalidSignature) ||
		stderrors.Is(err, ErrSignerMismatch) ||
		stderrors.Is(err, ErrInvalidNonce)
}

// IsCustodyError reports whether err wraps a failed external transfer.
func IsCustodyError(err error) bool {
	return stderrors.Is(err, ErrCustody)
}

// IsExpiryError reports whether err was caused by a lazily-cancelled
// expiration.
func IsExpiryError(err error) bool {
	return stderrors.Is(err, ErrExpired)
}
