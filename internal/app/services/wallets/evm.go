package wallets

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openramp/poolengine/internal/chain"
)

// EVMClient adapts the EVM chain client to the registry's ChainClient
// interface, translating hex-string addresses at the boundary.
type EVMClient struct {
	client *chain.Client
}

var _ ChainClient = (*EVMClient)(nil)

// NewEVMClient wraps a connected chain client.
func NewEVMClient(client *chain.Client) *EVMClient {
	return &EVMClient{client: client}
}

func (c *EVMClient) CanSign() bool { return c.client.CanSign() }

func (c *EVMClient) SignerAddress() string { return c.client.SignerAddress().Hex() }

func (c *EVMClient) NativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	return c.client.NativeBalance(ctx, common.HexToAddress(addr))
}

func (c *EVMClient) TokenBalance(ctx context.Context, token, holder string) (*big.Int, error) {
	return c.client.TokenBalance(ctx, common.HexToAddress(token), common.HexToAddress(holder))
}

func (c *EVMClient) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	return c.client.TokenDecimals(ctx, common.HexToAddress(token))
}

func (c *EVMClient) SendNative(ctx context.Context, to string, amount *big.Int) (string, error) {
	hash, err := c.client.SendNative(ctx, common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *EVMClient) SendToken(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	hash, err := c.client.SendToken(ctx, common.HexToAddress(token), common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *EVMClient) ApproveToken(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	hash, err := c.client.ApproveToken(ctx, common.HexToAddress(token), common.HexToAddress(spender), amount)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *EVMClient) Execute(ctx context.Context, to string, data []byte, value *big.Int) (string, error) {
	hash, err := c.client.Execute(ctx, common.HexToAddress(to), data, value)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *EVMClient) WaitForReceipt(ctx context.Context, hash string) error {
	_, err := c.client.WaitForReceipt(ctx, common.HexToHash(hash))
	return err
}
