package escrow

import "fmt"

// ApprovalTracker accumulates per-signer approvals for one (escrow, action)
// pair. Both the direct and the signature-based approval paths go through the
// same tracker so the accumulation and threshold logic cannot diverge.
type ApprovalTracker struct {
	state LedgerState
}

func NewApprovalTracker(state LedgerState) *ApprovalTracker {
	return &ApprovalTracker{state: state}
}

// ApprovalResult reports the tracker state after recording one approval.
type ApprovalResult struct {
	Count            int
	ThresholdReached bool
	// Duplicate is true when the signer had already approved; the call is a
	// no-op, not an error, and the count is unchanged.
	Duplicate bool
}

// Record idempotently adds signer to the approved set for (escrow, action).
// The caller is responsible for holding the escrow lock; the read, append and
// threshold comparison below are only atomic under it.
func (t *ApprovalTracker) Record(esc *Escrow, action ApprovalAction, signer [20]byte) (ApprovalResult, error) {
	if esc == nil {
		return ApprovalResult{}, fmt.Errorf("%w: nil escrow", ErrEscrowNotFound)
	}
	if !action.Valid() {
		return ApprovalResult{}, fmt.Errorf("%w: action %d", ErrInvalidState, action)
	}
	if esc.Status != EscrowBuyerDeposited {
		return ApprovalResult{}, fmt.Errorf("%w: approvals require %s, escrow %d is %s",
			ErrInvalidState, EscrowBuyerDeposited, esc.ID, esc.Status)
	}
	if !esc.EligibleSigner(signer) {
		return ApprovalResult{}, fmt.Errorf("%w: escrow %d action %s", ErrSignerNotAuthorized, esc.ID, action)
	}
	record, ok, err := t.state.ApprovalGet(esc.ID, action)
	if err != nil {
		return ApprovalResult{}, err
	}
	if !ok {
		nonce, err := t.state.NonceGet(signer)
		if err != nil {
			return ApprovalResult{}, err
		}
		record = &ApprovalRecord{
			EscrowID: esc.ID,
			Action:   action,
			Nonce:    nonce,
		}
	}
	if record.HasApproved(signer) {
		return ApprovalResult{
			Count:            record.Count(),
			ThresholdReached: record.Count() >= int(esc.Threshold),
			Duplicate:        true,
		}, nil
	}
	record.Approvals = append(record.Approvals, signer)
	if err := t.state.ApprovalPut(record); err != nil {
		return ApprovalResult{}, err
	}
	return ApprovalResult{
		Count:            record.Count(),
		ThresholdReached: record.Count() >= int(esc.Threshold),
	}, nil
}

// Get loads the approval record for (escrow, action). The boolean result
// distinguishes an absent record from one with zero approvals.
func (t *ApprovalTracker) Get(id uint64, action ApprovalAction) (*ApprovalRecord, bool, error) {
	return t.state.ApprovalGet(id, action)
}
