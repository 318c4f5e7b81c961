package payclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"paychain/core"
	"paychain/crypto"
	"paychain/native/payments"
)

// Client is a typed JSON-RPC client for a payment node. Calls run through a
// circuit breaker so a dead node fails fast instead of piling up timeouts.
type Client struct {
	rest    *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// RPCError carries the node's error code so callers can branch on failure
// kind (prompt for funds vs. reject as programmer error).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Payment mirrors the node's decoded-record response.
type Payment struct {
	Address   string `json:"address"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Balance mirrors the node's account response.
type Balance struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func New(baseURL string) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "paychain-rpc",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{rest: rest, breaker: breaker}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.rest.R().
			SetContext(ctx).
			SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
			Post("/rpc")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("payclient: http status %s", resp.Status())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return err
	}
	var parsed rpcResponse
	if err := json.Unmarshal(body.([]byte), &parsed); err != nil {
		return fmt.Errorf("payclient: decode response: %w", err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("payclient: decode result: %w", err)
		}
	}
	return nil
}

type submitParams struct {
	Data      string   `json:"data"`
	Accounts  []string `json:"accounts"`
	Nonce     uint64   `json:"nonce"`
	Signature string   `json:"signature"`
}

type queryParams struct {
	Payer     string `json:"payer"`
	PaymentID string `json:"paymentId"`
}

type addressParams struct {
	Address string `json:"address"`
}

// Submit signs an instruction envelope with key and submits it. The account
// list must follow the instruction's positional ordering; the node recovers
// the signer from the signature.
func (c *Client) Submit(ctx context.Context, key *crypto.PrivateKey, data []byte, accounts [][32]byte, nonce uint64) (*Payment, error) {
	env := &core.InstructionEnvelope{Data: data, Accounts: accounts, Nonce: nonce}
	digest := env.SigningDigest()
	sig, err := key.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("payclient: sign envelope: %w", err)
	}

	encoded := make([]string, len(accounts))
	for i, addr := range accounts {
		encoded[i] = crypto.MustNewAddress(crypto.PayPrefix, addr[:]).String()
	}
	var out Payment
	err = c.call(ctx, "payments_submit", submitParams{
		Data:      hex.EncodeToString(data),
		Accounts:  encoded,
		Nonce:     nonce,
		Signature: hex.EncodeToString(sig),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Initialize builds, signs and submits an Initialize instruction.
func (c *Client) Initialize(ctx context.Context, key *crypto.PrivateKey, recipient [32]byte, amount uint64, paymentID string, nonce uint64) (*Payment, error) {
	payer := key.PubKey().Address().Raw()
	escrowAddr, err := payments.DeriveAddress(payer, paymentID)
	if err != nil {
		return nil, err
	}
	refs := payments.AccountsInitialize(payer, escrowAddr, recipient)
	return c.Submit(ctx, key, payments.BuildInitialize(amount, paymentID), refAddresses(refs), nonce)
}

// Complete builds, signs and submits a Complete instruction. The recipient
// must match the one recorded at creation.
func (c *Client) Complete(ctx context.Context, key *crypto.PrivateKey, recipient [32]byte, paymentID string, nonce uint64) (*Payment, error) {
	payer := key.PubKey().Address().Raw()
	escrowAddr, err := payments.DeriveAddress(payer, paymentID)
	if err != nil {
		return nil, err
	}
	refs := payments.AccountsComplete(payer, escrowAddr, recipient)
	return c.Submit(ctx, key, payments.BuildComplete(), refAddresses(refs), nonce)
}

// Cancel builds, signs and submits a Cancel instruction.
func (c *Client) Cancel(ctx context.Context, key *crypto.PrivateKey, paymentID string, nonce uint64) (*Payment, error) {
	payer := key.PubKey().Address().Raw()
	escrowAddr, err := payments.DeriveAddress(payer, paymentID)
	if err != nil {
		return nil, err
	}
	refs := payments.AccountsCancel(payer, escrowAddr)
	return c.Submit(ctx, key, payments.BuildCancel(), refAddresses(refs), nonce)
}

// GetPayment fetches the decoded record for (payer, paymentID).
func (c *Client) GetPayment(ctx context.Context, payer crypto.Address, paymentID string) (*Payment, error) {
	var out Payment
	if err := c.call(ctx, "payments_get", queryParams{Payer: payer.String(), PaymentID: paymentID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance fetches the ledger account for an address.
func (c *Client) GetBalance(ctx context.Context, addr crypto.Address) (*Balance, error) {
	var out Balance
	if err := c.call(ctx, "balance_get", addressParams{Address: addr.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FaucetCredit requests local-network funds for an address.
func (c *Client) FaucetCredit(ctx context.Context, addr crypto.Address) error {
	return c.call(ctx, "faucet_credit", addressParams{Address: addr.String()}, nil)
}

func refAddresses(refs []payments.AccountRef) [][32]byte {
	out := make([][32]byte, len(refs))
	for i, ref := range refs {
		out[i] = ref.Address
	}
	return out
}
