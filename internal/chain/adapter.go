package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Block is the adapter's view of one block.
type Block struct {
	Number       int64
	Hash         string
	Transactions []string
}

// AssetBalance is one asset position of an address per the chain source.
type AssetBalance struct {
	Asset   string
	Balance decimal.Decimal
}

// Adapter is the external chain-data source. Implementations wrap node RPC
// or indexer APIs; this module never talks to a node directly. All calls
// must honor the context deadline.
type Adapter interface {
	// LatestBlock returns the current chain head number.
	LatestBlock(ctx context.Context) (int64, error)
	// Block returns the block at the given height per the current canonical
	// chain. The hash is what reorg detection compares against stored state.
	Block(ctx context.Context, number int64) (*Block, error)
	// CurrentBalance returns the address's balances per the chain source.
	CurrentBalance(ctx context.Context, address string) ([]AssetBalance, error)
}
