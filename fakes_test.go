package main

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

const (
	ownerKeyA = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	ownerKeyB = "0x8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

var (
	testSafe    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testChainID = big.NewInt(5)
)

// softKeyring is a keyring of software keys standing in for the device.
// Signing waits on hold, when set, so tests can reject it.
type softKeyring struct {
	guard *keyring.Guard

	mu      sync.Mutex
	keys    []string
	signers []*sign.KeySigner
	pending []string
	hold    chan struct{}
}

var (
	_ keyring.Keyring  = (*softKeyring)(nil)
	_ keyring.Rejecter = (*softKeyring)(nil)
)

func newSoftKeyring(keys ...string) *softKeyring {
	return &softKeyring{guard: keyring.NewGuard(), pending: keys}
}

func (k *softKeyring) Type() keyring.Type { return keyring.TypeHardware }

func (k *softKeyring) GetAccounts() []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]common.Address, 0, len(k.signers))
	for _, s := range k.signers {
		out = append(out, s.Address())
	}
	return out
}

func (k *softKeyring) AddAccounts(_ context.Context, n int) ([]common.Address, error) {
	k.mu.Lock()
	for i := 0; i < n && len(k.pending) > 0; i++ {
		if err := k.add(k.pending[0]); err != nil {
			k.mu.Unlock()
			return nil, err
		}
		k.pending = k.pending[1:]
	}
	k.mu.Unlock()
	return k.GetAccounts(), nil
}

func (k *softKeyring) add(key string) error {
	s, err := sign.NewKeySignerFromHex(key)
	if err != nil {
		return err
	}
	k.keys = append(k.keys, key)
	k.signers = append(k.signers, s)
	return nil
}

func (k *softKeyring) RemoveAccount(addr common.Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, s := range k.signers {
		if s.Address() == addr {
			k.signers = append(k.signers[:i], k.signers[i+1:]...)
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			return nil
		}
	}
	return keyring.ErrAccountNotFound
}

func (k *softKeyring) signer(addr common.Address) (*sign.KeySigner, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range k.signers {
		if s.Address() == addr {
			return s, nil
		}
	}
	return nil, keyring.ErrAccountNotFound
}

// sign runs fn under the guard after the hold, if any, is released.
func (k *softKeyring) sign(ctx context.Context, addr common.Address, fn func(s *sign.KeySigner) error) error {
	s, err := k.signer(addr)
	if err != nil {
		return err
	}
	k.mu.Lock()
	hold := k.hold
	k.mu.Unlock()
	return k.guard.Do(ctx, func(ctx context.Context) error {
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		return fn(s)
	})
}

func (k *softKeyring) SignTransaction(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	var out *types.Transaction
	err := k.sign(ctx, addr, func(s *sign.KeySigner) error {
		signer := types.LatestSignerForChainID(chainID)
		sig, err := s.SignHash(signer.Hash(tx).Bytes())
		if err != nil {
			return err
		}
		raw := []byte(sig)
		raw[64] -= 27
		out, err = tx.WithSignature(signer, raw)
		return err
	})
	return out, err
}

func (k *softKeyring) SignPersonalMessage(ctx context.Context, addr common.Address, msg []byte) (sign.Signature, error) {
	var out sign.Signature
	err := k.sign(ctx, addr, func(s *sign.KeySigner) (err error) {
		out, err = s.SignPersonal(msg)
		return err
	})
	return out, err
}

func (k *softKeyring) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData, _ keyring.TypedDataOptions) (sign.Signature, error) {
	var out sign.Signature
	err := k.sign(ctx, addr, func(s *sign.KeySigner) error {
		hash, err := sign.TypedDataHash(td)
		if err != nil {
			return err
		}
		out, err = s.SignHash(hash.Bytes())
		return err
	})
	return out, err
}

func (k *softKeyring) ExportAccount(common.Address) (string, error) {
	return "", keyring.ErrUnsupportedOperation
}

func (k *softKeyring) Reject(reason string) bool { return k.guard.Reject(reason) }

func (k *softKeyring) Serialize() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return json.Marshal(k.keys)
}

func (k *softKeyring) Deserialize(state []byte) error {
	var keys []string
	if err := json.Unmarshal(state, &keys); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys, k.signers = nil, nil
	for _, key := range keys {
		if err := k.add(key); err != nil {
			return err
		}
	}
	return nil
}

// fakeSafeService is an in-memory Safe network.
type fakeSafeService struct {
	mu        sync.Mutex
	threshold uint64
	posted    map[common.Hash]*safe.Transaction
	postFails int
	confirmed map[common.Hash]int
	executed  []common.Hash
}

var _ safe.Service = (*fakeSafeService)(nil)

func newFakeSafeService() *fakeSafeService {
	return &fakeSafeService{
		threshold: 2,
		posted:    map[common.Hash]*safe.Transaction{},
		confirmed: map[common.Hash]int{},
	}
}

func (f *fakeSafeService) GetSafeVersion(context.Context, common.Address) (string, error) {
	return "1.3.0", nil
}

func (f *fakeSafeService) GetOwners(context.Context, common.Address) ([]common.Address, error) {
	return nil, nil
}

func (f *fakeSafeService) GetThreshold(context.Context, common.Address) (uint64, error) {
	return f.threshold, nil
}

func (f *fakeSafeService) GetNonce(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeSafeService) GetTransactionHash(_ context.Context, tx *safe.Transaction) (common.Hash, error) {
	return tx.Hash(), nil
}

func (f *fakeSafeService) PostTransaction(_ context.Context, tx *safe.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postFails > 0 {
		f.postFails--
		return &safe.ServiceError{StatusCode: 503, Message: "transaction service unavailable"}
	}
	f.posted[tx.Hash()] = tx
	return nil
}

func (f *fakeSafeService) ConfirmTransaction(_ context.Context, hash common.Hash, _ sign.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posted[hash]; !ok {
		return &safe.ServiceError{StatusCode: 404, Message: "No MultisigTransaction matches the given query."}
	}
	f.confirmed[hash]++
	return nil
}

func (f *fakeSafeService) ExecuteTransaction(_ context.Context, tx *safe.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, tx.Hash())
	return common.HexToHash("0xe1"), nil
}

func (f *fakeSafeService) GetTransaction(context.Context, common.Hash) (*safe.ServiceTransaction, error) {
	return nil, &safe.ServiceError{StatusCode: 404, Message: "No MultisigTransaction matches the given query."}
}

type testWallet struct {
	*Wallet
	soft    *softKeyring
	svc     *fakeSafeService
	store   *Store
	metrics *Metrics
}

// newTestWallet builds a wallet whose software keyring holds both owner
// keys and whose Safe keyring knows testSafe on testChainID.
func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	svc := newFakeSafeService()
	reg := safe.NewRegistry()
	reg.Register(testChainID, svc)

	lg := log.NewNoopLogger()
	soft := newSoftKeyring(ownerKeyA, ownerKeyB)
	store := NewStore(db)
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	w := NewWallet(store, metrics, multisig.New(reg, multisig.WithLogger(lg)), lg, soft)

	ctx := context.Background()
	_, err := w.AddAccounts(ctx, keyring.TypeHardware, 2)
	require.NoError(t, err)
	require.NoError(t, w.ImportSafe(ctx, testSafe, "5"))

	return &testWallet{Wallet: w, soft: soft, svc: svc, store: store, metrics: metrics}
}

func owner(t *testing.T, key string) common.Address {
	t.Helper()
	s, err := sign.NewKeySignerFromHex(key)
	require.NoError(t, err)
	return s.Address()
}

func signHash(t *testing.T, key string, hash common.Hash) sign.Signature {
	t.Helper()
	s, err := sign.NewKeySignerFromHex(key)
	require.NoError(t, err)
	sig, err := s.SignHash(hash.Bytes())
	require.NoError(t, err)
	return sig
}
