// Package custody provides in-process implementations of the escrow engine's
// custody collaborators: a vehicle title registry and a payment token vault.
// Both persist through the shared key-value storage layer.
package custody

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"vinchain/native/escrow"
	"vinchain/storage"
)

var (
	// ErrUnknownAsset is returned when the referenced title was never
	// registered.
	ErrUnknownAsset = errors.New("custody: unknown asset")
	// ErrUnauthorizedTransfer is returned on any transfer attempt by a party
	// that does not hold the asset. Transfers never fail silently.
	ErrUnauthorizedTransfer = errors.New("custody: unauthorized transfer")
)

const prefixAsset = "custody/asset/"

type titleEntry struct {
	Holder [20]byte `json:"holder"`
}

func assetKey(ref escrow.AssetRef) []byte {
	key := prefixAsset + hex.EncodeToString(ref.Contract[:]) + "/" + strconv.FormatUint(ref.TokenID, 10)
	return []byte(key)
}

// Registry tracks the current holder of every vehicle title and implements
// escrow.AssetCustodian. While an escrow is open the title is parked on the
// registry's vault address.
type Registry struct {
	db    storage.Database
	vault [20]byte

	mu sync.Mutex
}

func NewRegistry(db storage.Database, vault [20]byte) *Registry {
	return &Registry{db: db, vault: vault}
}

// Register records the initial holder of a title. Used at onboarding and in
// tests; registering an existing title is rejected.
func (r *Registry) Register(ref escrow.AssetRef, owner [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.db.Has(assetKey(ref))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("custody: asset %s/%d already registered", hex.EncodeToString(ref.Contract[:]), ref.TokenID)
	}
	return r.put(ref, owner)
}

// HolderOf returns the current holder of the title.
func (r *Registry) HolderOf(ref escrow.AssetRef) ([20]byte, bool, error) {
	raw, err := r.db.Get(assetKey(ref))
	if errors.Is(err, storage.ErrNotFound) {
		return [20]byte{}, false, nil
	}
	if err != nil {
		return [20]byte{}, false, err
	}
	var entry titleEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return [20]byte{}, false, fmt.Errorf("custody: decode title entry: %w", err)
	}
	return entry.Holder, true, nil
}

func (r *Registry) put(ref escrow.AssetRef, holder [20]byte) error {
	raw, err := json.Marshal(titleEntry{Holder: holder})
	if err != nil {
		return err
	}
	return r.db.Put(assetKey(ref), raw)
}

// Owns implements escrow.AssetCustodian.
func (r *Registry) Owns(ctx context.Context, ref escrow.AssetRef, holder [20]byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	current, ok, err := r.HolderOf(ref)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s/%d", ErrUnknownAsset, hex.EncodeToString(ref.Contract[:]), ref.TokenID)
	}
	return current == holder, nil
}

// TakeCustody implements escrow.AssetCustodian. The title moves from its
// current holder onto the vault address.
func (r *Registry) TakeCustody(ctx context.Context, ref escrow.AssetRef, from [20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok, err := r.HolderOf(ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownAsset, hex.EncodeToString(ref.Contract[:]), ref.TokenID)
	}
	if current != from {
		return fmt.Errorf("%w: holder mismatch", ErrUnauthorizedTransfer)
	}
	return r.put(ref, r.vault)
}

// ReleaseCustody implements escrow.AssetCustodian. Only titles parked on the
// vault can be released.
func (r *Registry) ReleaseCustody(ctx context.Context, ref escrow.AssetRef, to [20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok, err := r.HolderOf(ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownAsset, hex.EncodeToString(ref.Contract[:]), ref.TokenID)
	}
	if current != r.vault {
		return fmt.Errorf("%w: asset not in custody", ErrUnauthorizedTransfer)
	}
	return r.put(ref, to)
}
