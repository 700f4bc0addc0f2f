// Package keyring defines the contract shared by every signing backend of the
// wallet, the errors they report and the concurrency helpers they share.
package keyring

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

// Type names a keyring implementation in persisted state.
type Type string

const (
	TypeHardware Type = "Ledger Hardware"
	TypeMultisig Type = "Safe Multisig"
)

// TypedDataVersion selects the eth_signTypedData flavour.
type TypedDataVersion string

const (
	TypedDataV1 TypedDataVersion = "V1"
	TypedDataV3 TypedDataVersion = "V3"
	TypedDataV4 TypedDataVersion = "V4"
)

type TypedDataOptions struct {
	Version TypedDataVersion
}

// Keyring is a signing backend. Operations a backend cannot perform fail
// with ErrUnsupportedOperation.
type Keyring interface {
	Type() Type

	GetAccounts() []common.Address
	AddAccounts(ctx context.Context, n int) ([]common.Address, error)
	RemoveAccount(addr common.Address) error

	SignTransaction(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignPersonalMessage(ctx context.Context, addr common.Address, msg []byte) (sign.Signature, error)
	SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData, opts TypedDataOptions) (sign.Signature, error)
	ExportAccount(addr common.Address) (string, error)

	// Serialize returns the JSON state restored by Deserialize.
	Serialize() ([]byte, error)
	Deserialize(state []byte) error
}

// Rejecter is implemented by keyrings whose operations wait on a user
// confirmation that can be declined from outside.
type Rejecter interface {
	Reject(reason string) bool
}

// Contains reports whether addr is one of k's accounts.
func Contains(k Keyring, addr common.Address) bool {
	for _, a := range k.GetAccounts() {
		if a == addr {
			return true
		}
	}
	return false
}
