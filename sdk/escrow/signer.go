// Package escrow provides client-side helpers for producing off-chain
// approval signatures accepted by the escrow engine.
package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vinchain/crypto"
	"vinchain/native/escrow"
)

// Approval is a signed authorization for one escrow action. Submit it via
// escrow_approveWithSignature.
type Approval struct {
	EscrowID  uint64
	Action    escrow.ApprovalAction
	Signer    [20]byte
	Nonce     uint64
	Signature []byte
}

// SignApproval signs the canonical approval message for (escrowID, action,
// nonce) under the given domain. The nonce must be the signer's current value
// as reported by escrow_getNonce; a stale nonce is rejected by the engine.
func SignApproval(key *crypto.PrivateKey, domain escrow.SigningDomain, escrowID uint64, action escrow.ApprovalAction, nonce uint64) (*Approval, error) {
	if key == nil {
		return nil, fmt.Errorf("sdk/escrow: private key required")
	}
	if !action.Valid() {
		return nil, fmt.Errorf("sdk/escrow: invalid action %d", action)
	}
	hash := domain.MessageHash(escrowID, action, nonce)
	sig, err := ethcrypto.Sign(hash, key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sdk/escrow: sign approval: %w", err)
	}
	return &Approval{
		EscrowID:  escrowID,
		Action:    action,
		Signer:    key.PubKey().Address().Array(),
		Nonce:     nonce,
		Signature: sig,
	}, nil
}
