// Package chain provides EVM blockchain access for the pool engine: balance
// reads, signed transfers and raw execution of aggregator calldata.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrReceiptTimeout is returned when a transaction is not confirmed within the
// configured confirmation window.
var ErrReceiptTimeout = errors.New("timeout waiting for transaction receipt")

// ErrReverted is returned when a confirmed transaction reverted on chain.
var ErrReverted = errors.New("transaction reverted")

// Config holds per-chain client configuration.
type Config struct {
	ChainID        int64
	RPCURL         string
	PrivateKeyHex  string // empty for read-only clients
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Client wraps an ethclient connection with the chain's signing identity.
type Client struct {
	eth         *ethclient.Client
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	from        common.Address
	callTimeout time.Duration
	receiptWait time.Duration
	poll        time.Duration
}

// Dial connects to the chain RPC endpoint and prepares the signer if a key is
// configured.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url required for chain %d", cfg.ChainID)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d at %s: %w", cfg.ChainID, cfg.RPCURL, err)
	}

	c := &Client{
		eth:         eth,
		chainID:     big.NewInt(cfg.ChainID),
		callTimeout: cfg.CallTimeout,
		receiptWait: cfg.ReceiptTimeout,
		poll:        cfg.PollInterval,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 15 * time.Second
	}
	if c.receiptWait <= 0 {
		c.receiptWait = 3 * time.Minute
	}
	if c.poll <= 0 {
		c.poll = 3 * time.Second
	}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key for chain %d: %w", cfg.ChainID, err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// SignerAddress returns the account the client signs with. The zero address
// means the client is read-only.
func (c *Client) SignerAddress() common.Address { return c.from }

// CanSign reports whether a signing key is configured.
func (c *Client) CanSign() bool { return c.key != nil }

// NativeBalance reads the chain's native asset balance of an address.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.BalanceAt(callCtx, addr, nil)
}

// TokenBalance reads an ERC20 balance via balanceOf.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := packBalanceOf(holder)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	return unpackBalanceOf(out)
}

// TokenDecimals reads an ERC20 token's decimals.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := packDecimals()
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("decimals %s: %w", token.Hex(), err)
	}
	return unpackDecimals(out)
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.eth.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// SendNative transfers native currency from the signer to the recipient.
func (c *Client) SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.submit(ctx, &to, amount, nil)
}

// SendToken transfers ERC20 tokens from the signer to the recipient.
func (c *Client) SendToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := packTransfer(to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, &token, big.NewInt(0), data)
}

// ApproveToken approves a spender for the given ERC20 amount.
func (c *Client) ApproveToken(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := packApprove(spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.submit(ctx, &token, big.NewInt(0), data)
}

// Execute submits a raw call, typically aggregator-produced calldata.
func (c *Client) Execute(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	return c.submit(ctx, &to, value, data)
}

// submit builds, signs and broadcasts a transaction. Resubmission after an
// ambiguous failure creates a new transaction, so callers must not retry
// blindly.
func (c *Client) submit(ctx context.Context, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("no signing key configured for chain %s", c.chainID)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(callCtx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(callCtx, ethereum.CallMsg{
		From:  c.from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls for the transaction receipt until it appears, the
// confirmation window elapses, or the context is cancelled. A missing receipt
// is transient; a reverted receipt is terminal.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptWait)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("tx %s after %s: %w", hash.Hex(), c.receiptWait, ErrReceiptTimeout)
		case <-ticker.C:
		}
	}
}
