package escrow

import (
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// SigningName and SigningVersion identify this escrow system in every
	// signed approval message. Changing either invalidates outstanding
	// signatures by design.
	SigningName    = "vinchain-escrow"
	SigningVersion = "1"

	signatureLength = 65
)

// SigningDomain binds approval signatures to one engine instance on one
// network so they cannot be replayed across deployments.
type SigningDomain struct {
	Name     string
	Version  string
	ChainID  uint64
	Instance [20]byte
}

// NewSigningDomain returns the canonical domain for the given network and
// engine instance address.
func NewSigningDomain(chainID uint64, instance [20]byte) SigningDomain {
	return SigningDomain{
		Name:     SigningName,
		Version:  SigningVersion,
		ChainID:  chainID,
		Instance: instance,
	}
}

// MessageHash computes the canonical digest a party signs to approve an
// action off-chain. The payload layout is shared with the client SDK and must
// stay byte-for-byte stable.
func (d SigningDomain) MessageHash(escrowID uint64, action ApprovalAction, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|v=%s|chain=%d|instance=%s|escrow=%d|action=%d|nonce=%d",
		d.Name,
		d.Version,
		d.ChainID,
		hex.EncodeToString(d.Instance[:]),
		escrowID,
		uint8(action),
		nonce,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// SignatureVerifier authenticates off-chain approvals and owns nonce
// consumption for replay protection.
type SignatureVerifier struct {
	domain SigningDomain
	state  LedgerState
}

func NewSignatureVerifier(domain SigningDomain, state LedgerState) *SignatureVerifier {
	return &SignatureVerifier{domain: domain, state: state}
}

// Domain exposes the verifier's signing domain so clients can reproduce the
// canonical message.
func (v *SignatureVerifier) Domain() SigningDomain { return v.domain }

// Nonce returns the next nonce expected from signer.
func (v *SignatureVerifier) Nonce(signer [20]byte) (uint64, error) {
	return v.state.NonceGet(signer)
}

// VerifyAndConsume checks that sig is a valid signature by claimed over the
// canonical message for (escrowID, action, nonce) and that nonce equals the
// signer's stored value exactly. On success the stored nonce is incremented by
// one before the caller applies the approval, so an identical signature can
// never be accepted twice even if the enclosing approval is a no-op.
func (v *SignatureVerifier) VerifyAndConsume(escrowID uint64, action ApprovalAction, claimed [20]byte, nonce uint64, sig []byte) error {
	current, err := v.state.NonceGet(claimed)
	if err != nil {
		return err
	}
	if nonce != current {
		return fmt.Errorf("%w: have %d, want %d", ErrInvalidNonce, nonce, current)
	}
	if len(sig) != signatureLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}
	hash := v.domain.MessageHash(escrowID, action, nonce)
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var recovered [20]byte
	copy(recovered[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	if recovered != claimed {
		return ErrSignerMismatch
	}
	return v.state.NonceSet(claimed, current+1)
}
