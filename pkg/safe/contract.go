package safe

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	golog "github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var chainLogger = golog.Logger("safe-contract")

const callTimeout = 15 * time.Second

// safeABI covers the parts of the Safe singleton used here. It is the same
// for every released contract version.
const safeABI = `[
{"type":"function","name":"VERSION","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"getOwners","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"getThreshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getTransactionHash","stateMutability":"view","inputs":[
 {"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
 {"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
 {"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},
 {"name":"_nonce","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"execTransaction","stateMutability":"payable","inputs":[
 {"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
 {"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
 {"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},
 {"name":"signatures","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]}
]`

var parsedSafeABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(safeABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ContractClient reads Safe state from a node and submits executions. Reads
// are retried with debounce while the node keeps failing.
type ContractClient struct {
	caller     bind.ContractCaller
	transactor bind.ContractTransactor
	auth       *bind.TransactOpts
}

// NewContractClient binds to a node. transactor and auth may be nil for a
// read only client.
func NewContractClient(caller bind.ContractCaller, transactor bind.ContractTransactor, auth *bind.TransactOpts) *ContractClient {
	return &ContractClient{caller: caller, transactor: transactor, auth: auth}
}

// ExecutorOpts builds transaction options that sign with s.
func ExecutorOpts(s sign.Signer, chainID *big.Int) *bind.TransactOpts {
	signer := types.LatestSignerForChainID(chainID)
	from := s.Address()
	return &bind.TransactOpts{
		From: from,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			sig, err := s.SignHash(signer.Hash(tx).Bytes())
			if err != nil {
				return nil, err
			}
			raw := []byte(sig)
			if raw[64] >= 27 {
				raw[64] -= 27
			}
			return tx.WithSignature(signer, raw)
		},
	}
}

func (c *ContractClient) bound(safe common.Address) *bind.BoundContract {
	return bind.NewBoundContract(safe, parsedSafeABI, c.caller, c.transactor, nil)
}

func (c *ContractClient) call(ctx context.Context, safe common.Address, method string, params ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var out []any
	err := debounce.Debounce(ctx, chainLogger, func(ctx context.Context) error {
		out = nil
		return c.bound(safe).Call(&bind.CallOpts{Context: ctx}, &out, method, params...)
	})
	if err != nil {
		return nil, fmt.Errorf("safe %s: %s: %w", safe.Hex(), method, err)
	}
	return out, nil
}

func (c *ContractClient) Version(ctx context.Context, safe common.Address) (string, error) {
	out, err := c.call(ctx, safe, "VERSION")
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (c *ContractClient) Owners(ctx context.Context, safe common.Address) ([]common.Address, error) {
	out, err := c.call(ctx, safe, "getOwners")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

func (c *ContractClient) Threshold(ctx context.Context, safe common.Address) (uint64, error) {
	out, err := c.call(ctx, safe, "getThreshold")
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

func (c *ContractClient) Nonce(ctx context.Context, safe common.Address) (uint64, error) {
	out, err := c.call(ctx, safe, "nonce")
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

// TransactionHash asks the contract for the hash of tx.
func (c *ContractClient) TransactionHash(ctx context.Context, tx *Transaction) (common.Hash, error) {
	d := tx.Data()
	out, err := c.call(ctx, tx.Safe(), "getTransactionHash",
		d.To, d.Value, []byte(d.Data), uint8(d.Operation), d.SafeTxGas, d.BaseGas, d.GasPrice,
		d.GasToken, d.RefundReceiver, new(big.Int).SetUint64(d.Nonce))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

// Execute submits execTransaction with the collected signatures and
// returns the chain transaction hash. It is not retried.
func (c *ContractClient) Execute(ctx context.Context, tx *Transaction) (common.Hash, error) {
	if c.auth == nil || c.transactor == nil {
		return common.Hash{}, ErrNoExecutor
	}
	opts := *c.auth
	opts.Context = ctx

	d := tx.Data()
	sent, err := c.bound(tx.Safe()).Transact(&opts, "execTransaction",
		d.To, d.Value, []byte(d.Data), uint8(d.Operation), d.SafeTxGas, d.BaseGas, d.GasPrice,
		d.GasToken, d.RefundReceiver, tx.EncodedSignatures())
	if err != nil {
		return common.Hash{}, fmt.Errorf("safe %s: execTransaction: %w", tx.Safe().Hex(), err)
	}
	return sent.Hash(), nil
}
