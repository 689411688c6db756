package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int32
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"2.5", 6, "2500000"},
		{"0.000001", 6, "1"},
		{"0.0000001", 6, "0"}, // below resolution truncates
		{"1000", 0, "1000"},
	}
	for _, tc := range cases {
		got := ToBaseUnits(decimal.RequireFromString(tc.amount), tc.decimals)
		want, _ := new(big.Int).SetString(tc.want, 10)
		if got.Cmp(want) != 0 {
			t.Errorf("ToBaseUnits(%s, %d) = %s, want %s", tc.amount, tc.decimals, got, tc.want)
		}
	}
}

func TestFromBaseUnits(t *testing.T) {
	units, _ := new(big.Int).SetString("2500000", 10)
	got := FromBaseUnits(units, 6)
	if got.Cmp(decimal.RequireFromString("2.5")) != 0 {
		t.Fatalf("FromBaseUnits = %s, want 2.5", got)
	}
}

func TestUnitsRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("123.456789")
	back := FromBaseUnits(ToBaseUnits(amount, 6), 6)
	if back.Cmp(amount) != 0 {
		t.Fatalf("round trip = %s, want %s", back, amount)
	}
}

func TestERC20Packing(t *testing.T) {
	data, err := packTransfer(common.HexToAddress("0x1111111111111111111111111111111111111111"), big.NewInt(1000))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	// 4-byte selector plus two 32-byte words.
	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}

	data, err = packBalanceOf(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	if err != nil {
		t.Fatalf("pack balanceOf: %v", err)
	}
	if len(data) != 36 {
		t.Fatalf("calldata length = %d, want 36", len(data))
	}
}
