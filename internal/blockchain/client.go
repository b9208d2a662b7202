package blockchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/trumarket/backend/internal/config"
)

// Transfer(address,address,uint256)
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const dealsManagerABIJSON = `[
	{"name":"mint","type":"function","stateMutability":"nonpayable","inputs":[{"name":"milestones","type":"uint256[]"},{"name":"investmentAmount","type":"uint256"},{"name":"borrower","type":"address"}],"outputs":[]},
	{"name":"vault","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"changeMilestoneStatus","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"status","type":"uint256"}],"outputs":[]},
	{"name":"setDealCompleted","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"anonymous":false,"name":"Transfer","type":"event","inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":true,"name":"tokenId","type":"uint256"}]}
]`

const (
	callTimeout    = 15 * time.Second
	receiptTimeout = 2 * time.Minute
	receiptPoll    = 2 * time.Second
	maxAttempts    = 3
	retryBackoff   = time.Second
)

// Client wraps the deals manager contract and the raw node RPC. All methods
// apply bounded timeouts and retry transient node failures.
type Client struct {
	eth          *ethclient.Client
	privateKey   *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	dealsManager common.Address
	managerABI   abi.ABI
	log          *zap.Logger
}

func NewClient(cfg *config.Config, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.BlockchainRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial blockchain rpc: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.BlockchainPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse blockchain private key: %w", err)
	}

	managerABI, err := abi.JSON(strings.NewReader(dealsManagerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse deals manager abi: %w", err)
	}

	return &Client{
		eth:          eth,
		privateKey:   privateKey,
		from:         crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      big.NewInt(cfg.BlockchainChainID),
		dealsManager: common.HexToAddress(cfg.DealsManagerContractAddress),
		managerABI:   managerABI,
		log:          log,
	}, nil
}

// DealsManagerAddress returns the manager contract address the client signs against.
func (c *Client) DealsManagerAddress() common.Address {
	return c.dealsManager
}

// MintNFT mints a new deal NFT carrying the milestone fund release
// percentages and the investment amount, returning the transaction hash.
func (c *Client) MintNFT(ctx context.Context, milestonePcts []int64, investmentAmount *big.Int, borrower common.Address) (string, error) {
	pcts := make([]*big.Int, len(milestonePcts))
	for i, p := range milestonePcts {
		pcts[i] = big.NewInt(p)
	}
	data, err := c.managerABI.Pack("mint", pcts, investmentAmount, borrower)
	if err != nil {
		return "", fmt.Errorf("pack mint: %w", err)
	}
	return c.sendTx(ctx, data)
}

// NftIDFromMint waits for the mint transaction receipt and extracts the token
// id from the Transfer event emitted to the zero address.
func (c *Client) NftIDFromMint(ctx context.Context, txHash string) (int64, error) {
	receipt, err := c.waitMined(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("mint transaction %s reverted", txHash)
	}
	for _, lg := range receipt.Logs {
		if lg.Address != c.dealsManager {
			continue
		}
		if len(lg.Topics) != 4 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()[12:]) != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()).Int64(), nil
	}
	return 0, fmt.Errorf("no mint Transfer event in transaction %s", txHash)
}

// VaultAddress resolves the escrow vault bound to a deal NFT.
func (c *Client) VaultAddress(ctx context.Context, nftID int64) (common.Address, error) {
	data, err := c.managerABI.Pack("vault", big.NewInt(nftID))
	if err != nil {
		return common.Address{}, fmt.Errorf("pack vault: %w", err)
	}

	var raw []byte
	err = c.withRetry(ctx, "vault", func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.dealsManager, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return common.Address{}, err
	}

	out, err := c.managerABI.Unpack("vault", raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack vault: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected vault return type %T", out[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no vault deployed for token %d", nftID)
	}
	return addr, nil
}

// ChangeMilestoneStatus advances the on-chain milestone pointer, which
// releases the corresponding vault funds to the borrower.
func (c *Client) ChangeMilestoneStatus(ctx context.Context, nftID int64, status int) (string, error) {
	data, err := c.managerABI.Pack("changeMilestoneStatus", big.NewInt(nftID), big.NewInt(int64(status)))
	if err != nil {
		return "", fmt.Errorf("pack changeMilestoneStatus: %w", err)
	}
	return c.sendTx(ctx, data)
}

// SetDealAsCompleted marks the deal NFT finished so the vault stops accepting
// deposits.
func (c *Client) SetDealAsCompleted(ctx context.Context, nftID int64) (string, error) {
	data, err := c.managerABI.Pack("setDealCompleted", big.NewInt(nftID))
	if err != nil {
		return "", fmt.Errorf("pack setDealCompleted: %w", err)
	}
	return c.sendTx(ctx, data)
}

// LastBlock returns the current head block number.
func (c *Client) LastBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.withRetry(ctx, "blockNumber", func(ctx context.Context) error {
		var callErr error
		n, callErr = c.eth.BlockNumber(ctx)
		return callErr
	})
	return n, err
}

// FilterTokenTransfers returns ERC-20 Transfer logs of the given token within
// the block range, inclusive on both ends.
func (c *Client) FilterTokenTransfers(ctx context.Context, token common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{transferEventSig}},
	}
	var logs []types.Log
	err := c.withRetry(ctx, "filterLogs", func(ctx context.Context) error {
		var callErr error
		logs, callErr = c.eth.FilterLogs(ctx, query)
		return callErr
	})
	return logs, err
}

// FilterContractLogs returns every log a contract emitted within the block range.
func (c *Client) FilterContractLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
	}
	var logs []types.Log
	err := c.withRetry(ctx, "filterLogs", func(ctx context.Context) error {
		var callErr error
		logs, callErr = c.eth.FilterLogs(ctx, query)
		return callErr
	})
	return logs, err
}

// TransactionSender recovers the externally owned account that signed the
// transaction, used to attribute vault deposits to users.
func (c *Client) TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error) {
	var tx *types.Transaction
	err := c.withRetry(ctx, "transactionByHash", func(ctx context.Context) error {
		var callErr error
		tx, _, callErr = c.eth.TransactionByHash(ctx, txHash)
		return callErr
	})
	if err != nil {
		return common.Address{}, err
	}
	return types.Sender(types.LatestSignerForChainID(c.chainID), tx)
}

// BlockTimestamp returns the unix timestamp of a block header.
func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	var header *types.Header
	err := c.withRetry(ctx, "headerByNumber", func(ctx context.Context) error {
		var callErr error
		header, callErr = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		return callErr
	})
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

// TokenBalance reads an ERC-20 balanceOf.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	// balanceOf(address)
	selector := crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	data := append(selector, common.LeftPadBytes(holder.Bytes(), 32)...)

	var raw []byte
	err := c.withRetry(ctx, "balanceOf", func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("unexpected balanceOf return of %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw), nil
}

func (c *Client) sendTx(ctx context.Context, data []byte) (string, error) {
	var hash string
	err := c.withRetry(ctx, "sendTransaction", func(ctx context.Context) error {
		nonce, err := c.eth.PendingNonceAt(ctx, c.from)
		if err != nil {
			return err
		}
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: c.from,
			To:   &c.dealsManager,
			Data: data,
		})
		if err != nil {
			return err
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.dealsManager,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
		if err != nil {
			return err
		}
		if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
			return err
		}
		hash = signedTx.Hash().Hex()
		return nil
	})
	return hash, err
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		lastErr = fn(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		c.log.Warn("blockchain call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxAttempts, lastErr)
}

// VerifyMessage checks that the personal-sign signature over message was
// produced by expected. Signatures with a legacy 27/28 recovery byte are
// accepted.
func VerifyMessage(message, signatureHex, expected string) error {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(expected) {
		return fmt.Errorf("signature from %s, expected %s", recovered.Hex(), expected)
	}
	return nil
}

// ParseTransfer decodes an ERC-20 or ERC-721 Transfer log into its from and
// to addresses plus the value or token id carried in data or the third topic.
func ParseTransfer(lg types.Log) (from, to common.Address, value *big.Int, err error) {
	if len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("not a Transfer log")
	}
	from = common.BytesToAddress(lg.Topics[1].Bytes()[12:])
	to = common.BytesToAddress(lg.Topics[2].Bytes()[12:])
	if len(lg.Topics) == 4 {
		value = new(big.Int).SetBytes(lg.Topics[3].Bytes())
	} else {
		value = new(big.Int).SetBytes(lg.Data)
	}
	return from, to, value, nil
}
