// Package wallet holds the pool wallet model.
package wallet

import "time"

// PoolWallet is a custodial wallet holding the pool's funds on one chain. At
// most one wallet per chain is active at a time.
type PoolWallet struct {
	ID        string    `json:"id"`
	ChainID   int64     `json:"chain_id"`
	ChainName string    `json:"chain_name"`
	Address   string    `json:"address"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
