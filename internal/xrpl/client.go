package xrpl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Client talks to a rippled node over the JSON-RPC API. Transactions are
// submitted in sign-and-submit mode, so the node must be trusted with the
// seeds it receives; seeds are stored sealed and opened only for the call.
type Client struct {
	serverURL  string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(serverURL string, log *zap.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		log: log,
	}
}

// Wallet is a freshly generated ledger keypair.
type Wallet struct {
	Address string
	Seed    string
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params,omitempty"`
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
}

type resultStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	reqBody := rpcRequest{Method: method}
	if params != nil {
		reqBody.Params = []any{params}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger node unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger node returned %d: %s", resp.StatusCode, string(body))
	}

	var envelope rpcResult
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	var status resultStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		msg := status.ErrorMessage
		if msg == "" {
			msg = status.Error
		}
		return fmt.Errorf("%s failed: %s", method, msg)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// WalletPropose generates a new keypair on the node. The seed never touches
// the ledger until the wallet is funded.
func (c *Client) WalletPropose(ctx context.Context) (*Wallet, error) {
	var result struct {
		AccountID  string `json:"account_id"`
		MasterSeed string `json:"master_seed"`
	}
	if err := c.call(ctx, "wallet_propose", map[string]any{}, &result); err != nil {
		return nil, err
	}
	if result.AccountID == "" || result.MasterSeed == "" {
		return nil, fmt.Errorf("wallet_propose returned empty keypair")
	}
	return &Wallet{Address: result.AccountID, Seed: result.MasterSeed}, nil
}

// WalletFromSeed derives the account address for an existing seed.
func (c *Client) WalletFromSeed(ctx context.Context, seed string) (*Wallet, error) {
	var result struct {
		AccountID string `json:"account_id"`
	}
	if err := c.call(ctx, "wallet_propose", map[string]any{"seed": seed}, &result); err != nil {
		return nil, err
	}
	if result.AccountID == "" {
		return nil, fmt.Errorf("wallet_propose returned no account for seed")
	}
	return &Wallet{Address: result.AccountID, Seed: seed}, nil
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

func (c *Client) submit(ctx context.Context, seed string, txJSON map[string]any) (string, error) {
	var result submitResult
	params := map[string]any{
		"secret":  seed,
		"tx_json": txJSON,
	}
	if err := c.call(ctx, "submit", params, &result); err != nil {
		return "", err
	}
	if result.EngineResult != "tesSUCCESS" {
		return "", fmt.Errorf("%v transaction failed: %s (%s)",
			txJSON["TransactionType"], result.EngineResult, result.EngineResultMessage)
	}
	return result.TxJSON.Hash, nil
}

// IssuedAmount is the currency/issuer/value triple used for IOU payments.
type IssuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// SetTrustline opens a trustline from account to the issuer so the account
// can hold the issued currency.
func (c *Client) SetTrustline(ctx context.Context, seed, account, currency, issuer, limit string) (string, error) {
	return c.submit(ctx, seed, map[string]any{
		"TransactionType": "TrustSet",
		"Account":         account,
		"LimitAmount": IssuedAmount{
			Currency: currency,
			Issuer:   issuer,
			Value:    limit,
		},
	})
}

// SendIOU moves issued currency between two accounts that both trust the issuer.
func (c *Client) SendIOU(ctx context.Context, seed, from, to string, amount IssuedAmount) (string, error) {
	return c.submit(ctx, seed, map[string]any{
		"TransactionType": "Payment",
		"Account":         from,
		"Destination":     to,
		"Amount":          amount,
	})
}

// SendXRP pays native drops, used to activate freshly proposed wallets.
func (c *Client) SendXRP(ctx context.Context, seed, from, to string, drops int64) (string, error) {
	return c.submit(ctx, seed, map[string]any{
		"TransactionType": "Payment",
		"Account":         from,
		"Destination":     to,
		"Amount":          strconv.FormatInt(drops, 10),
	})
}

// MintNFT mints an NFToken on account whose URI points at the deal metadata.
func (c *Client) MintNFT(ctx context.Context, seed, account, metadataURI string) (string, error) {
	return c.submit(ctx, seed, map[string]any{
		"TransactionType": "NFTokenMint",
		"Account":         account,
		"NFTokenTaxon":    0,
		"URI":             hex.EncodeToString([]byte(metadataURI)),
	})
}

// IOUBalance returns the issued-currency balance the account holds against
// the issuer, zero when no trustline exists yet.
func (c *Client) IOUBalance(ctx context.Context, account, currency, issuer string) (float64, error) {
	var result struct {
		Lines []struct {
			Account  string `json:"account"`
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
		} `json:"lines"`
	}
	params := map[string]any{
		"account": account,
		"peer":    issuer,
	}
	if err := c.call(ctx, "account_lines", params, &result); err != nil {
		return 0, err
	}

	for _, line := range result.Lines {
		if line.Currency != currency {
			continue
		}
		balance, err := strconv.ParseFloat(line.Balance, 64)
		if err != nil {
			return 0, fmt.Errorf("parse trustline balance %q: %w", line.Balance, err)
		}
		return balance, nil
	}
	return 0, nil
}
