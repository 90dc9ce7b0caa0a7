package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"vinchain/crypto"
	"vinchain/native/escrow"
)

type escrowCreateParams struct {
	Seller        string `json:"seller"`
	AssetContract string `json:"assetContract"`
	AssetID       uint64 `json:"assetId"`
	Token         string `json:"token,omitempty"`
	Price         string `json:"price"`
	Arbiter       string `json:"arbiter,omitempty"`
	SellerCanSign bool   `json:"sellerCanSign"`
	BuyerCanSign  bool   `json:"buyerCanSign"`
	ArbiterCanSign bool  `json:"arbiterCanSign"`
	Threshold     uint32 `json:"threshold"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
}

type escrowAssignBuyerParams struct {
	ID    uint64 `json:"id"`
	Buyer string `json:"buyer"`
}

type escrowAssignArbiterParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Arbiter string `json:"arbiter"`
}

type escrowDepositParams struct {
	ID    uint64 `json:"id"`
	Payer string `json:"payer"`
}

type escrowApproveParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Action string `json:"action"`
}

type escrowApproveSigParams struct {
	ID        uint64 `json:"id"`
	Signer    string `json:"signer"`
	Action    string `json:"action"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type escrowAdminCancelParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowNonceParams struct {
	Signer string `json:"signer"`
}

type escrowCreateResult struct {
	ID uint64 `json:"id"`
}

type escrowJSON struct {
	ID             uint64  `json:"id"`
	Seller         string  `json:"seller"`
	Buyer          *string `json:"buyer,omitempty"`
	Arbiter        *string `json:"arbiter,omitempty"`
	AssetContract  string  `json:"assetContract"`
	AssetID        uint64  `json:"assetId"`
	Token          string  `json:"token"`
	Price          string  `json:"price"`
	SellerCanSign  bool    `json:"sellerCanSign"`
	BuyerCanSign   bool    `json:"buyerCanSign"`
	ArbiterCanSign bool    `json:"arbiterCanSign"`
	Threshold      uint32  `json:"threshold"`
	ExpiresAt      int64   `json:"expiresAt"`
	CreatedAt      int64   `json:"createdAt"`
	Status         string  `json:"status"`
	AssetHeld      bool    `json:"assetHeld"`
	PaymentHeld    bool    `json:"paymentHeld"`
}

type approvalOutcomeJSON struct {
	ID               uint64 `json:"id"`
	Action           string `json:"action"`
	Approvals        int    `json:"approvals"`
	ThresholdReached bool   `json:"thresholdReached"`
	Status           string `json:"status"`
}

type nonceResult struct {
	Signer string `json:"signer"`
	Nonce  uint64 `json:"nonce"`
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseVinAddress(addr string) ([20]byte, error) {
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(addr))
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseAction(value string) (escrow.ApprovalAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "complete":
		return escrow.ActionComplete, nil
	case "cancel":
		return escrow.ActionCancel, nil
	default:
		return 0, fmt.Errorf("action must be complete or cancel")
	}
}

func encodeVinAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.VinPrefix, addr[:]).String()
}

func escrowToJSON(e *escrow.Escrow) *escrowJSON {
	out := &escrowJSON{
		ID:             e.ID,
		Seller:         encodeVinAddress(e.Seller),
		AssetContract:  encodeVinAddress(e.Asset.Contract),
		AssetID:        e.Asset.TokenID,
		Token:          e.PaymentToken,
		Price:          e.Price.String(),
		SellerCanSign:  e.Eligible.Seller,
		BuyerCanSign:   e.Eligible.Buyer,
		ArbiterCanSign: e.Eligible.Arbiter,
		Threshold:      e.Threshold,
		ExpiresAt:      e.ExpiresAt,
		CreatedAt:      e.CreatedAt,
		Status:         e.Status.String(),
		AssetHeld:      e.AssetHeld,
		PaymentHeld:    e.PaymentHeld,
	}
	if e.Buyer != nil {
		buyer := encodeVinAddress(*e.Buyer)
		out.Buyer = &buyer
	}
	if e.Arbiter != nil {
		arbiter := encodeVinAddress(*e.Arbiter)
		out.Arbiter = &arbiter
	}
	return out
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseVinAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	contract, err := parseVinAddress(params.AssetContract)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	var arbiterPtr *[20]byte
	if strings.TrimSpace(params.Arbiter) != "" {
		arbiter, parseErr := parseVinAddress(params.Arbiter)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		arbiterPtr = &arbiter
	}
	esc, err := s.engine.Create(r.Context(), escrow.CreateParams{
		Seller:       seller,
		Asset:        escrow.AssetRef{Contract: contract, TokenID: params.AssetID},
		PaymentToken: params.Token,
		Price:        price,
		Arbiter:      arbiterPtr,
		Eligible: escrow.Eligibility{
			Seller:  params.SellerCanSign,
			Buyer:   params.BuyerCanSign,
			Arbiter: params.ArbiterCanSign,
		},
		Threshold: params.Threshold,
		ExpiresAt: params.ExpiresAt,
	})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{ID: esc.ID})
}

func (s *Server) handleEscrowAssignBuyer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowAssignBuyerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseVinAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.AssignBuyer(r.Context(), params.ID, buyer); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowAssignArbiter(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowAssignArbiterParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseVinAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	arbiter, err := parseVinAddress(params.Arbiter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.AssignArbiter(r.Context(), params.ID, caller, arbiter); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowDepositParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payer, err := parseVinAddress(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Deposit(r.Context(), params.ID, payer); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowApproveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseVinAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	action, err := parseAction(params.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	outcome, err := s.engine.Approve(r.Context(), params.ID, caller, action)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, approvalOutcomeJSON{
		ID:               outcome.EscrowID,
		Action:           outcome.Action.String(),
		Approvals:        outcome.Count,
		ThresholdReached: outcome.ThresholdReached,
		Status:           outcome.Status.String(),
	})
}

func (s *Server) handleEscrowApproveWithSignature(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowApproveSigParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	signer, err := parseVinAddress(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	action, err := parseAction(params.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "signature must be hex encoded")
		return
	}
	outcome, err := s.engine.ApproveWithSignature(r.Context(), params.ID, signer, action, params.Nonce, sig)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, approvalOutcomeJSON{
		ID:               outcome.EscrowID,
		Action:           outcome.Action.String(),
		Approvals:        outcome.Count,
		ThresholdReached: outcome.ThresholdReached,
		Status:           outcome.Status.String(),
	})
}

func (s *Server) handleEscrowAdminCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowAdminCancelParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseVinAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.AdminCancel(r.Context(), params.ID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.GetEscrowDetails(r.Context(), params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowGetNonce(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowNonceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	signer, err := parseVinAddress(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	nonce, err := s.engine.Nonce(signer)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, nonceResult{Signer: params.Signer, Nonce: nonce})
}
