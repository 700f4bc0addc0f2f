package safe

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

// Chain is the on-chain side of a Safe network, implemented by
// ContractClient.
type Chain interface {
	Version(ctx context.Context, safe common.Address) (string, error)
	Owners(ctx context.Context, safe common.Address) ([]common.Address, error)
	Threshold(ctx context.Context, safe common.Address) (uint64, error)
	Nonce(ctx context.Context, safe common.Address) (uint64, error)
	TransactionHash(ctx context.Context, tx *Transaction) (common.Hash, error)
	Execute(ctx context.Context, tx *Transaction) (common.Hash, error)
}

var (
	_ Chain   = (*ContractClient)(nil)
	_ Service = (*Client)(nil)
)

// Client is the Service of one network. Proposals and confirmations go to
// the transaction service. Safe state is read from the chain when one is
// configured and from the transaction service otherwise; executions need a
// chain.
type Client struct {
	txs   *TxServiceClient
	chain Chain
	lg    log.Logger
}

func NewClient(txs *TxServiceClient, chain Chain, lg log.Logger) *Client {
	if lg == nil {
		lg = log.NewNoopLogger()
	}
	return &Client{txs: txs, chain: chain, lg: lg.Named("safe")}
}

// Info reads the whole Safe configuration. Chain lookups run in parallel.
func (c *Client) Info(ctx context.Context, safe common.Address) (*Info, error) {
	if c.chain == nil {
		return c.txs.SafeInfo(ctx, safe)
	}

	info := &Info{Address: safe}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		info.Version, err = c.chain.Version(gctx, safe)
		return err
	})
	g.Go(func() (err error) {
		info.Owners, err = c.chain.Owners(gctx, safe)
		return err
	})
	g.Go(func() (err error) {
		info.Threshold, err = c.chain.Threshold(gctx, safe)
		return err
	})
	g.Go(func() (err error) {
		info.Nonce, err = c.chain.Nonce(gctx, safe)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) GetSafeVersion(ctx context.Context, safe common.Address) (string, error) {
	if c.chain != nil {
		return c.chain.Version(ctx, safe)
	}
	info, err := c.txs.SafeInfo(ctx, safe)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

func (c *Client) GetOwners(ctx context.Context, safe common.Address) ([]common.Address, error) {
	if c.chain != nil {
		return c.chain.Owners(ctx, safe)
	}
	info, err := c.txs.SafeInfo(ctx, safe)
	if err != nil {
		return nil, err
	}
	return info.Owners, nil
}

func (c *Client) GetThreshold(ctx context.Context, safe common.Address) (uint64, error) {
	if c.chain != nil {
		return c.chain.Threshold(ctx, safe)
	}
	info, err := c.txs.SafeInfo(ctx, safe)
	if err != nil {
		return 0, err
	}
	return info.Threshold, nil
}

func (c *Client) GetNonce(ctx context.Context, safe common.Address) (uint64, error) {
	if c.chain != nil {
		return c.chain.Nonce(ctx, safe)
	}
	info, err := c.txs.SafeInfo(ctx, safe)
	if err != nil {
		return 0, err
	}
	return info.Nonce, nil
}

// GetTransactionHash returns the hash the contract computes for tx. Without
// a chain the local hash is returned. A contract hash that differs from the
// local one is an error.
func (c *Client) GetTransactionHash(ctx context.Context, tx *Transaction) (common.Hash, error) {
	if c.chain == nil {
		return tx.Hash(), nil
	}
	hash, err := c.chain.TransactionHash(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	if hash != tx.Hash() {
		c.lg.Error("contract hash differs from local hash", "safe", tx.Safe().Hex(), "contract", hash.Hex(), "local", tx.Hash().Hex(), "version", tx.Version())
		return common.Hash{}, fmt.Errorf("%w: contract hash %s, local %s", ErrInvalidTransaction, hash.Hex(), tx.Hash().Hex())
	}
	return hash, nil
}

// PostTransaction proposes tx on behalf of its lowest signer.
func (c *Client) PostTransaction(ctx context.Context, tx *Transaction) error {
	sigs := tx.Signatures()
	if len(sigs) == 0 {
		return ErrNoSignatures
	}
	if err := c.txs.ProposeTransaction(ctx, tx, sigs[0].Signer, sigs[0].Data); err != nil {
		return err
	}
	c.lg.Info("transaction proposed", "safe", tx.Safe().Hex(), "safeTxHash", tx.Hash().Hex(), "sender", sigs[0].Signer.Hex())
	return nil
}

func (c *Client) ConfirmTransaction(ctx context.Context, hash common.Hash, sig sign.Signature) error {
	if err := c.txs.ConfirmTransaction(ctx, hash, sig); err != nil {
		return err
	}
	c.lg.Info("transaction confirmed", "safeTxHash", hash.Hex())
	return nil
}

func (c *Client) ExecuteTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	if c.chain == nil {
		return common.Hash{}, ErrNoExecutor
	}
	hash, err := c.chain.Execute(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	c.lg.Info("transaction executed", "safe", tx.Safe().Hex(), "safeTxHash", tx.Hash().Hex(), "txHash", hash.Hex())
	return hash, nil
}

// GetTransaction fetches a proposed transaction, with its confirmations,
// from the transaction service.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*ServiceTransaction, error) {
	return c.txs.GetTransaction(ctx, hash)
}
