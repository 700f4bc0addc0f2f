// Package multisig implements a keyring for Safe multisig accounts. It does
// not hold keys: it builds Safe transactions, collects owner signatures
// toward the threshold and hands fully signed transactions to the network.
package multisig

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var _ keyring.Keyring = (*Keyring)(nil)

type Option func(*Keyring)

func WithLogger(lg log.Logger) Option {
	return func(k *Keyring) { k.lg = lg.Named("multisig") }
}

// WithEmitter shares an emitter with other components.
func WithEmitter(e *keyring.Emitter) Option {
	return func(k *Keyring) { k.events = e }
}

// Keyring tracks Safe accounts and the networks each is deployed on.
type Keyring struct {
	services *safe.Registry
	events   *keyring.Emitter
	lg       log.Logger

	mu           sync.Mutex
	accounts     []common.Address
	networkIDs   map[common.Address][]string
	accountToAdd *common.Address
	current      *Session
}

func New(services *safe.Registry, opts ...Option) *Keyring {
	k := &Keyring{
		services:   services,
		events:     keyring.NewEmitter(),
		lg:         log.NewNoopLogger(),
		networkIDs: map[common.Address][]string{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Keyring) Type() keyring.Type { return keyring.TypeMultisig }

// Events returns the emitter TransactionBuilt, TransactionConfirmed and
// TransactionExecuted are published on.
func (k *Keyring) Events() *keyring.Emitter { return k.events }

func (k *Keyring) GetAccounts() []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]common.Address(nil), k.accounts...)
}

// SetAccountToAdd selects the Safe the next AddAccounts imports.
func (k *Keyring) SetAccountToAdd(addr common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.accountToAdd = &addr
}

// AddAccounts imports the Safe chosen with SetAccountToAdd. n is ignored:
// Safes are imported one at a time.
func (k *Keyring) AddAccounts(_ context.Context, _ int) ([]common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accountToAdd == nil {
		return nil, fmt.Errorf("%w: no safe selected for import", keyring.ErrAccountNotFound)
	}
	addr := *k.accountToAdd
	if k.indexOf(addr) >= 0 {
		return nil, fmt.Errorf("%w: %s", keyring.ErrDuplicateAccount, addr.Hex())
	}
	k.accounts = append(k.accounts, addr)
	k.accountToAdd = nil
	k.lg.Info("safe imported", "address", addr.Hex())
	return append([]common.Address(nil), k.accounts...), nil
}

// ImportAccount records the networks of addr and imports it.
func (k *Keyring) ImportAccount(ctx context.Context, addr common.Address, networkIDs ...string) ([]common.Address, error) {
	if len(networkIDs) == 0 {
		return nil, fmt.Errorf("safe %s: at least one network id is required", addr.Hex())
	}
	k.SetNetworkIDs(addr, networkIDs...)
	k.SetAccountToAdd(addr)
	return k.AddAccounts(ctx, 1)
}

func (k *Keyring) RemoveAccount(addr common.Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	i := k.indexOf(addr)
	if i < 0 {
		return fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
	}
	k.accounts = append(k.accounts[:i], k.accounts[i+1:]...)
	delete(k.networkIDs, addr)
	if k.current != nil && k.current.Tx.Safe() == addr {
		k.current = nil
	}
	return nil
}

func (k *Keyring) indexOf(addr common.Address) int {
	for i, a := range k.accounts {
		if a == addr {
			return i
		}
	}
	return -1
}

func (k *Keyring) hasAccount(addr common.Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.indexOf(addr) < 0 {
		return fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
	}
	return nil
}

// SetNetworkIDs replaces the networks addr is deployed on.
func (k *Keyring) SetNetworkIDs(addr common.Address, ids ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.networkIDs[addr] = append([]string(nil), ids...)
}

func (k *Keyring) NetworkIDs(addr common.Address) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.networkIDs[addr]...)
}

// GetOwners lists the owners of a Safe on chainID.
func (k *Keyring) GetOwners(ctx context.Context, addr common.Address, chainID *big.Int) ([]common.Address, error) {
	svc, err := k.services.Service(chainID)
	if err != nil {
		return nil, err
	}
	return svc.GetOwners(ctx, addr)
}

func (k *Keyring) SignPersonalMessage(context.Context, common.Address, []byte) (sign.Signature, error) {
	return nil, fmt.Errorf("%w: safe accounts cannot sign personal messages", keyring.ErrUnsupportedOperation)
}

func (k *Keyring) SignTypedData(context.Context, common.Address, apitypes.TypedData, keyring.TypedDataOptions) (sign.Signature, error) {
	return nil, fmt.Errorf("%w: safe accounts cannot sign typed data", keyring.ErrUnsupportedOperation)
}

func (k *Keyring) ExportAccount(common.Address) (string, error) {
	return "", fmt.Errorf("%w: safe accounts have no private key", keyring.ErrUnsupportedOperation)
}

// State is the persisted form of the keyring. Network id maps are keyed by
// lower case address.
type State struct {
	Accounts      []common.Address    `json:"accounts"`
	NetworkIDsMap map[string][]string `json:"networkIdsMap"`
}

// storedState also accepts the single network id map of older wallets.
type storedState struct {
	Accounts      []common.Address    `json:"accounts"`
	NetworkIDsMap map[string][]string `json:"networkIdsMap"`
	NetworkIDMap  map[string]string   `json:"networkIdMap"`
}

func (k *Keyring) Serialize() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := State{
		Accounts:      append([]common.Address{}, k.accounts...),
		NetworkIDsMap: make(map[string][]string, len(k.networkIDs)),
	}
	for addr, ids := range k.networkIDs {
		st.NetworkIDsMap[strings.ToLower(addr.Hex())] = append([]string{}, ids...)
	}
	return json.Marshal(st)
}

// Deserialize replaces the keyring state. A legacy networkIdMap is upgraded
// to one-element lists when no networkIdsMap is present. Accounts without
// network ids are dropped.
func (k *Keyring) Deserialize(data []byte) error {
	var st storedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode multisig keyring state: %w", err)
	}

	networkIDs := map[common.Address][]string{}
	if st.NetworkIDsMap != nil {
		for key, ids := range st.NetworkIDsMap {
			if !common.IsHexAddress(key) {
				return fmt.Errorf("decode multisig keyring state: bad address %q", key)
			}
			networkIDs[common.HexToAddress(key)] = ids
		}
	} else {
		for key, id := range st.NetworkIDMap {
			if !common.IsHexAddress(key) {
				return fmt.Errorf("decode multisig keyring state: bad address %q", key)
			}
			networkIDs[common.HexToAddress(key)] = []string{id}
		}
	}

	accounts := make([]common.Address, 0, len(st.Accounts))
	seen := map[common.Address]bool{}
	for _, a := range st.Accounts {
		if len(networkIDs[a]) == 0 || seen[a] {
			continue
		}
		seen[a] = true
		accounts = append(accounts, a)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.accounts = accounts
	k.networkIDs = networkIDs
	k.current = nil
	return nil
}
