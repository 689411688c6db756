package chain

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Minimal ERC20 ABI: the engine only needs balanceOf, decimals, transfer and
// approve for standard pool operations.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	parsedERC20ABI  abi.ABI
	parsedERC20Once sync.Once
)

func erc20() abi.ABI {
	parsedERC20Once.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("parse ERC20 ABI: %v", err))
		}
		parsedERC20ABI = parsed
	})
	return parsedERC20ABI
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20().Pack("balanceOf", owner)
}

func packDecimals() ([]byte, error) {
	return erc20().Pack("decimals")
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20().Pack("transfer", to, amount)
}

func packApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20().Pack("approve", spender, amount)
}

func unpackBalanceOf(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	out, err := erc20().Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return bal, nil
}

func unpackDecimals(data []byte) (uint8, error) {
	out, err := erc20().Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result type %T", out[0])
	}
	return dec, nil
}

// ToBaseUnits converts a human-readable amount into on-chain integer units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts on-chain integer units into a human-readable amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}
