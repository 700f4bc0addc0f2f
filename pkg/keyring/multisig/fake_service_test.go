package multisig

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
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

// fakeService is an in-memory Safe network.
type fakeService struct {
	mu          sync.Mutex
	version     string
	owners      []common.Address
	threshold   uint64
	nonce       uint64
	posted      []common.Hash
	confirmed   map[common.Hash][]sign.Signature
	executed    []common.Hash
	proposals   map[common.Hash]*safe.ServiceTransaction
	postErr     error
	executeHash common.Hash
}

func newFakeService() *fakeService {
	return &fakeService{
		version:     "1.3.0",
		threshold:   2,
		nonce:       7,
		confirmed:   map[common.Hash][]sign.Signature{},
		proposals:   map[common.Hash]*safe.ServiceTransaction{},
		executeHash: common.HexToHash("0xe1"),
	}
}

var _ safe.Service = (*fakeService)(nil)

func (f *fakeService) GetSafeVersion(context.Context, common.Address) (string, error) {
	return f.version, nil
}

func (f *fakeService) GetOwners(context.Context, common.Address) ([]common.Address, error) {
	return f.owners, nil
}

func (f *fakeService) GetThreshold(context.Context, common.Address) (uint64, error) {
	return f.threshold, nil
}

func (f *fakeService) GetNonce(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeService) GetTransactionHash(_ context.Context, tx *safe.Transaction) (common.Hash, error) {
	return tx.Hash(), nil
}

func (f *fakeService) PostTransaction(_ context.Context, tx *safe.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, tx.Hash())
	return nil
}

func (f *fakeService) ConfirmTransaction(_ context.Context, hash common.Hash, sig sign.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[hash] = append(f.confirmed[hash], sig)
	return nil
}

func (f *fakeService) ExecuteTransaction(_ context.Context, tx *safe.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, tx.Hash())
	return f.executeHash, nil
}

func (f *fakeService) GetTransaction(_ context.Context, hash common.Hash) (*safe.ServiceTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.proposals[hash]
	if !ok {
		return nil, &safe.ServiceError{StatusCode: 404, Message: "No MultisigTransaction matches the given query."}
	}
	return st, nil
}

// propose stores tx the way the transaction service returns it.
func (f *fakeService) propose(t *testing.T, tx *safe.Transaction) {
	t.Helper()

	d := tx.Data()
	confirmations := []map[string]string{}
	for _, s := range tx.Signatures() {
		confirmations = append(confirmations, map[string]string{
			"owner":     s.Signer.Hex(),
			"signature": s.Data.String(),
		})
	}
	doc := map[string]any{
		"safe":           tx.Safe().Hex(),
		"to":             d.To.Hex(),
		"value":          d.Value.String(),
		"operation":      uint8(d.Operation),
		"gasToken":       d.GasToken.Hex(),
		"safeTxGas":      d.SafeTxGas.String(),
		"baseGas":        d.BaseGas.String(),
		"gasPrice":       d.GasPrice.String(),
		"refundReceiver": d.RefundReceiver.Hex(),
		"nonce":          d.Nonce,
		"safeTxHash":     tx.Hash().Hex(),
		"confirmations":  confirmations,
	}
	if len(d.Data) > 0 {
		doc["data"] = "0x" + common.Bytes2Hex(d.Data)
	} else {
		doc["data"] = nil
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var st safe.ServiceTransaction
	require.NoError(t, json.Unmarshal(raw, &st))

	f.mu.Lock()
	f.proposals[tx.Hash()] = &st
	f.mu.Unlock()
}

func owner(t *testing.T, key string) *sign.KeySigner {
	t.Helper()
	s, err := sign.NewKeySignerFromHex(key)
	require.NoError(t, err)
	return s
}

func newTestKeyring(t *testing.T, svc *fakeService) *Keyring {
	t.Helper()
	reg := safe.NewRegistry()
	reg.Register(testChainID, svc)
	k := New(reg)
	_, err := k.ImportAccount(context.Background(), testSafe, "5")
	require.NoError(t, err)
	return k
}

// recordEvents collects every event k emits.
func recordEvents(k *Keyring) *[]keyring.Event {
	var (
		mu  sync.Mutex
		out []keyring.Event
	)
	k.Events().Subscribe(func(e keyring.Event) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, e)
	})
	return &out
}
