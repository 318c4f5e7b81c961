package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"

	"paychain/core"
	"paychain/crypto"
	"paychain/native/payments"
	"paychain/observability"
)

type submitParams struct {
	Data      string   `json:"data"`
	Accounts  []string `json:"accounts"`
	Nonce     uint64   `json:"nonce"`
	Signature string   `json:"signature"`
}

type paymentQueryParams struct {
	Payer     string `json:"payer"`
	PaymentID string `json:"paymentId"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type faucetParams struct {
	Address string `json:"address"`
}

type paymentJSON struct {
	Address   string `json:"address"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type deriveResult struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleSubmit(raw json.RawMessage) (interface{}, *rpcError) {
	var params submitParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid submit params"}
	}
	data, err := hex.DecodeString(params.Data)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "instruction data must be hex"}
	}
	sig, err := hex.DecodeString(params.Signature)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "signature must be hex"}
	}
	accounts := make([][32]byte, len(params.Accounts))
	for i, enc := range params.Accounts {
		addr, err := crypto.DecodeAddress(enc)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid account address: " + enc}
		}
		accounts[i] = addr.Raw()
	}

	opLabel := "unknown"
	if inst, err := payments.ParseInstruction(data); err == nil {
		opLabel = inst.Op.String()
	}

	applied, err := s.node.Submit(&core.InstructionEnvelope{
		Data:     data,
		Accounts: accounts,
		Nonce:    params.Nonce,
		Sig:      sig,
	})
	if err != nil {
		observability.RecordInstruction(opLabel, "rejected")
		return nil, mapPaymentError(err)
	}
	observability.RecordInstruction(opLabel, "applied")
	s.logger.Info("instruction applied", "op", opLabel, "paymentId", applied.PaymentID, "status", applied.Status.String())
	switch opLabel {
	case "initialize":
		observability.RecordEscrowMove("in", applied.Amount)
	case "complete":
		observability.RecordEscrowMove("out", applied.Amount)
	case "cancel":
		observability.RecordEscrowMove("refund", applied.Amount)
	}

	addr, deriveErr := payments.DeriveAddress(applied.Payer, applied.PaymentID)
	if deriveErr != nil {
		return nil, mapPaymentError(deriveErr)
	}
	return paymentToJSON(addr, applied), nil
}

func (s *Server) handleGetPayment(raw json.RawMessage) (interface{}, *rpcError) {
	var params paymentQueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid query params"}
	}
	payer, err := crypto.DecodeAddress(params.Payer)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid payer address"}
	}
	p, addr, err := s.node.GetPayment(payer.Raw(), params.PaymentID)
	if err != nil {
		return nil, mapPaymentError(err)
	}
	return paymentToJSON(addr, p), nil
}

func (s *Server) handleDeriveAddress(raw json.RawMessage) (interface{}, *rpcError) {
	var params paymentQueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid derive params"}
	}
	payer, err := crypto.DecodeAddress(params.Payer)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid payer address"}
	}
	addr, err := payments.DeriveAddress(payer.Raw(), params.PaymentID)
	if err != nil {
		return nil, mapPaymentError(err)
	}
	return deriveResult{Address: crypto.MustNewAddress(crypto.PayPrefix, addr[:]).String()}, nil
}

func (s *Server) handleEvents() (interface{}, *rpcError) {
	return s.node.RecentEvents(), nil
}

func (s *Server) handleGetBalance(raw json.RawMessage) (interface{}, *rpcError) {
	var params balanceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid balance params"}
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid address"}
	}
	acc, err := s.node.GetAccount(addr.Raw())
	if err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return balanceResult{
		Address: params.Address,
		Balance: strconv.FormatUint(acc.Balance, 10),
		Nonce:   acc.Nonce,
	}, nil
}

func (s *Server) handleFaucet(raw json.RawMessage) (interface{}, *rpcError) {
	if s.faucetAmount == 0 {
		return nil, &rpcError{Code: codeMethodNotFound, Message: "faucet disabled"}
	}
	var params faucetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid faucet params"}
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid address"}
	}
	if err := s.node.Credit(addr.Raw(), s.faucetAmount); err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	acc, err := s.node.GetAccount(addr.Raw())
	if err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return balanceResult{
		Address: params.Address,
		Balance: strconv.FormatUint(acc.Balance, 10),
		Nonce:   acc.Nonce,
	}, nil
}

func paymentToJSON(addr [32]byte, p *payments.Payment) paymentJSON {
	return paymentJSON{
		Address:   crypto.MustNewAddress(crypto.PayPrefix, addr[:]).String(),
		Payer:     crypto.MustNewAddress(crypto.PayPrefix, p.Payer[:]).String(),
		Recipient: crypto.MustNewAddress(crypto.PayPrefix, p.Recipient[:]).String(),
		Amount:    strconv.FormatUint(p.Amount, 10),
		PaymentID: p.PaymentID,
		Status:    p.Status.String(),
		Timestamp: p.Timestamp,
	}
}

// mapPaymentError translates engine sentinels into stable RPC error codes so
// callers can distinguish every failure kind.
func mapPaymentError(err error) *rpcError {
	switch {
	case errors.Is(err, payments.ErrUnauthorized), errors.Is(err, core.ErrInvalidSignature):
		return &rpcError{Code: codePaymentUnauthorized, Message: err.Error()}
	case errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrInvalidPaymentID),
		errors.Is(err, payments.ErrMalformedInstruction),
		errors.Is(err, core.ErrInvalidNonce):
		return &rpcError{Code: codePaymentInvalidInput, Message: err.Error()}
	case errors.Is(err, payments.ErrPaymentAlreadyExists), errors.Is(err, payments.ErrAddressInUse):
		return &rpcError{Code: codePaymentExists, Message: err.Error()}
	case errors.Is(err, payments.ErrPaymentNotFound):
		return &rpcError{Code: codePaymentNotFound, Message: err.Error()}
	case errors.Is(err, payments.ErrInvalidStateTransition):
		return &rpcError{Code: codePaymentState, Message: err.Error()}
	case errors.Is(err, payments.ErrInsufficientFunds), errors.Is(err, payments.ErrInsufficientEscrowBalance):
		return &rpcError{Code: codePaymentFunds, Message: err.Error()}
	case errors.Is(err, payments.ErrRecipientMismatch):
		return &rpcError{Code: codePaymentRecipient, Message: err.Error()}
	case errors.Is(err, payments.ErrMalformedAccount),
		errors.Is(err, payments.ErrAccountMismatch),
		errors.Is(err, payments.ErrAddressDerivation):
		return &rpcError{Code: codePaymentMalformed, Message: err.Error()}
	default:
		return &rpcError{Code: codeServerError, Message: err.Error()}
	}
}
