// Package wallets owns the custodial signing identities of the pool, one per
// supported chain, and wraps the send/read/sign primitives other services use.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/wallet"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/internal/chain"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

var (
	// ErrNotConfigured means no active pool wallet row exists for the chain.
	ErrNotConfigured = errors.New("no active pool wallet configured for chain")
	// ErrUnsupportedChain means no chain descriptor is registered.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrMissingCredential means the chain is registered but has no signing key.
	ErrMissingCredential = errors.New("missing signing credential for chain")
	// ErrConfirmationTimeout means a transaction was not confirmed in time.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
)

// NativeToken is the address convention for a chain's native asset.
const NativeToken = "0x0000000000000000000000000000000000000000"

// IsNativeToken reports whether the address refers to the native asset.
func IsNativeToken(token string) bool {
	return token == "" || strings.EqualFold(token, NativeToken)
}

// ChainClient is the per-chain capability the registry drives. The production
// implementation wraps an EVM client; tests substitute fakes.
type ChainClient interface {
	CanSign() bool
	SignerAddress() string
	NativeBalance(ctx context.Context, addr string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder string) (*big.Int, error)
	TokenDecimals(ctx context.Context, token string) (uint8, error)
	SendNative(ctx context.Context, to string, amount *big.Int) (string, error)
	SendToken(ctx context.Context, token, to string, amount *big.Int) (string, error)
	ApproveToken(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	Execute(ctx context.Context, to string, data []byte, value *big.Int) (string, error)
	WaitForReceipt(ctx context.Context, hash string) error
}

// ChainEntry is the registered descriptor for one chain. A chain with a nil
// client or no signing key is Disabled rather than lazily failing (the
// affected feature set is logged once and skipped).
type ChainEntry struct {
	Client         ChainClient
	Name           string
	NativeSymbol   string
	NativeDecimals int32
	Settlement     config.SettlementAsset
	DisabledReason string
}

// Ready reports whether the chain can sign and submit transactions.
func (e *ChainEntry) Ready() bool {
	return e.DisabledReason == "" && e.Client != nil && e.Client.CanSign()
}

// Registry resolves pool wallets and executes chain primitives per chain.
type Registry struct {
	store  storage.WalletStore
	chains map[int64]*ChainEntry
	log    *logger.Logger

	mu           sync.RWMutex
	wallets      map[int64]wallet.PoolWallet
	decimalCache map[string]int32 // chainID|token -> decimals
	warned       map[int64]bool
}

// NewRegistry builds a registry over the given chain descriptors.
func NewRegistry(store storage.WalletStore, chains map[int64]*ChainEntry, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("wallets")
	}
	return &Registry{
		store:        store,
		chains:       chains,
		log:          log,
		wallets:      make(map[int64]wallet.PoolWallet),
		decimalCache: make(map[string]int32),
		warned:       make(map[int64]bool),
	}
}

// LoadWallets loads active pool wallets from the store and caches them by
// chain ID.
func (r *Registry) LoadWallets(ctx context.Context) ([]wallet.PoolWallet, error) {
	list, err := r.store.ListActiveWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pool wallets: %w", err)
	}

	r.mu.Lock()
	for _, w := range list {
		r.wallets[w.ChainID] = w
	}
	r.mu.Unlock()

	return list, nil
}

// Wallet returns the cached active pool wallet for a chain, loading it from
// the store on first use.
func (r *Registry) Wallet(ctx context.Context, chainID int64) (wallet.PoolWallet, error) {
	r.mu.RLock()
	w, ok := r.wallets[chainID]
	r.mu.RUnlock()
	if ok {
		return w, nil
	}

	w, err := r.store.GetActiveWalletByChain(ctx, chainID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return wallet.PoolWallet{}, fmt.Errorf("chain %d: %w", chainID, ErrNotConfigured)
		}
		return wallet.PoolWallet{}, err
	}

	r.mu.Lock()
	r.wallets[chainID] = w
	r.mu.Unlock()
	return w, nil
}

// WalletAddress returns the pool wallet address for a chain.
func (r *Registry) WalletAddress(ctx context.Context, chainID int64) (string, error) {
	w, err := r.Wallet(ctx, chainID)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}

// Settlement returns the chain's settlement asset descriptor.
func (r *Registry) Settlement(chainID int64) (config.SettlementAsset, error) {
	entry, ok := r.chains[chainID]
	if !ok {
		return config.SettlementAsset{}, fmt.Errorf("chain %d: %w", chainID, ErrUnsupportedChain)
	}
	return entry.Settlement, nil
}

// KnownSymbol returns the symbol for tokens the chain descriptor already
// identifies (native asset or settlement asset), or an empty string.
func (r *Registry) KnownSymbol(chainID int64, token string) string {
	entry, ok := r.chains[chainID]
	if !ok {
		return ""
	}
	if IsNativeToken(token) {
		return entry.NativeSymbol
	}
	if strings.EqualFold(token, entry.Settlement.Address) {
		return entry.Settlement.Symbol
	}
	return ""
}

// entry resolves a chain descriptor, enforcing the registered/signing states.
func (r *Registry) entry(chainID int64, needSigner bool) (*ChainEntry, error) {
	entry, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrUnsupportedChain)
	}
	if entry.DisabledReason != "" || entry.Client == nil {
		r.warnOnce(chainID, entry)
		return nil, fmt.Errorf("chain %d (%s): %w", chainID, entry.DisabledReason, ErrMissingCredential)
	}
	if needSigner && !entry.Client.CanSign() {
		r.warnOnce(chainID, entry)
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrMissingCredential)
	}
	return entry, nil
}

func (r *Registry) warnOnce(chainID int64, entry *ChainEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[chainID] {
		return
	}
	r.warned[chainID] = true
	r.log.WithField("chain_id", chainID).
		WithField("reason", entry.DisabledReason).
		Warn("chain disabled; transactions for it will be rejected")
}

// SendNative transfers native currency from the pool wallet.
func (r *Registry) SendNative(ctx context.Context, chainID int64, to string, amount decimal.Decimal) (string, error) {
	entry, err := r.entry(chainID, true)
	if err != nil {
		return "", err
	}
	return entry.Client.SendNative(ctx, to, chain.ToBaseUnits(amount, entry.NativeDecimals))
}

// SendERC20 transfers an ERC20 token from the pool wallet.
func (r *Registry) SendERC20(ctx context.Context, chainID int64, token, to string, amount decimal.Decimal, decimals int32) (string, error) {
	entry, err := r.entry(chainID, true)
	if err != nil {
		return "", err
	}
	return entry.Client.SendToken(ctx, token, to, chain.ToBaseUnits(amount, decimals))
}

// Approve grants a spender an ERC20 allowance from the pool wallet.
func (r *Registry) Approve(ctx context.Context, chainID int64, token, spender string, amount decimal.Decimal, decimals int32) (string, error) {
	entry, err := r.entry(chainID, true)
	if err != nil {
		return "", err
	}
	return entry.Client.ApproveToken(ctx, token, spender, chain.ToBaseUnits(amount, decimals))
}

// ExecuteTransaction submits raw calldata, typically produced by the route
// aggregator.
func (r *Registry) ExecuteTransaction(ctx context.Context, chainID int64, to string, data []byte, value *big.Int) (string, error) {
	entry, err := r.entry(chainID, true)
	if err != nil {
		return "", err
	}
	return entry.Client.Execute(ctx, to, data, value)
}

// TokenBalance reads a token (or native) balance. An empty address defaults to
// the chain's pool wallet.
func (r *Registry) TokenBalance(ctx context.Context, chainID int64, token, addr string) (decimal.Decimal, error) {
	entry, err := r.entry(chainID, false)
	if err != nil {
		return decimal.Zero, err
	}

	if addr == "" {
		addr, err = r.WalletAddress(ctx, chainID)
		if err != nil {
			return decimal.Zero, err
		}
	}

	if IsNativeToken(token) {
		units, err := entry.Client.NativeBalance(ctx, addr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("native balance on chain %d: %w", chainID, err)
		}
		return chain.FromBaseUnits(units, entry.NativeDecimals), nil
	}

	units, err := entry.Client.TokenBalance(ctx, token, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token balance %s on chain %d: %w", token, chainID, err)
	}
	decimals, err := r.tokenDecimals(ctx, entry, chainID, token)
	if err != nil {
		return decimal.Zero, err
	}
	return chain.FromBaseUnits(units, decimals), nil
}

// TokenDecimals resolves a token's decimals, cached per chain.
func (r *Registry) TokenDecimals(ctx context.Context, chainID int64, token string) (int32, error) {
	entry, err := r.entry(chainID, false)
	if err != nil {
		return 0, err
	}
	return r.tokenDecimals(ctx, entry, chainID, token)
}

func (r *Registry) tokenDecimals(ctx context.Context, entry *ChainEntry, chainID int64, token string) (int32, error) {
	if IsNativeToken(token) {
		return entry.NativeDecimals, nil
	}
	if strings.EqualFold(token, entry.Settlement.Address) {
		return entry.Settlement.Decimals, nil
	}

	key := fmt.Sprintf("%d|%s", chainID, strings.ToLower(token))
	r.mu.RLock()
	cached, ok := r.decimalCache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	raw, err := entry.Client.TokenDecimals(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("decimals for %s on chain %d: %w", token, chainID, err)
	}
	decimals := int32(raw)

	r.mu.Lock()
	r.decimalCache[key] = decimals
	r.mu.Unlock()
	return decimals, nil
}

// WaitForTransaction blocks until the transaction confirms or the chain
// client's confirmation window elapses.
func (r *Registry) WaitForTransaction(ctx context.Context, chainID int64, hash string) error {
	entry, err := r.entry(chainID, false)
	if err != nil {
		return err
	}
	if err := entry.Client.WaitForReceipt(ctx, hash); err != nil {
		if errors.Is(err, chain.ErrReceiptTimeout) {
			return fmt.Errorf("tx %s on chain %d: %w", hash, chainID, ErrConfirmationTimeout)
		}
		return err
	}
	return nil
}
