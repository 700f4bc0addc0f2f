package multisig

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
)

func TestKeyring_Accounts(t *testing.T) {
	ctx := context.Background()
	k := New(safe.NewRegistry())
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	_, err := k.AddAccounts(ctx, 1)
	require.ErrorIs(t, err, keyring.ErrAccountNotFound)

	k.SetAccountToAdd(testSafe)
	accounts, err := k.AddAccounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testSafe}, accounts)

	k.SetAccountToAdd(testSafe)
	_, err = k.AddAccounts(ctx, 1)
	require.ErrorIs(t, err, keyring.ErrDuplicateAccount)

	_, err = k.ImportAccount(ctx, other)
	require.Error(t, err)

	accounts, err = k.ImportAccount(ctx, other, "1", "137")
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testSafe, other}, accounts)
	assert.Equal(t, []string{"1", "137"}, k.NetworkIDs(other))
	assert.True(t, keyring.Contains(k, other))

	require.NoError(t, k.RemoveAccount(other))
	assert.Empty(t, k.NetworkIDs(other))
	require.ErrorIs(t, k.RemoveAccount(other), keyring.ErrAccountNotFound)
	assert.Equal(t, []common.Address{testSafe}, k.GetAccounts())
	assert.Equal(t, keyring.TypeMultisig, k.Type())
}

func TestKeyring_UnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, newFakeService())

	_, err := k.SignPersonalMessage(ctx, testSafe, []byte("hello"))
	assert.ErrorIs(t, err, keyring.ErrUnsupportedOperation)

	_, err = k.SignTypedData(ctx, testSafe, apitypes.TypedData{}, keyring.TypedDataOptions{Version: keyring.TypedDataV4})
	assert.ErrorIs(t, err, keyring.ErrUnsupportedOperation)

	_, err = k.ExportAccount(testSafe)
	assert.ErrorIs(t, err, keyring.ErrUnsupportedOperation)
}

func TestKeyring_GetOwners(t *testing.T) {
	svc := newFakeService()
	a, b := owner(t, ownerKeyA), owner(t, ownerKeyB)
	svc.owners = []common.Address{a.Address(), b.Address()}
	k := newTestKeyring(t, svc)

	owners, err := k.GetOwners(context.Background(), testSafe, testChainID)
	require.NoError(t, err)
	assert.Equal(t, svc.owners, owners)

	_, err = k.GetOwners(context.Background(), testSafe, big.NewInt(99))
	assert.ErrorIs(t, err, safe.ErrUnknownNetwork)
}

func TestKeyring_SerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, newFakeService())
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	_, err := k.ImportAccount(ctx, other, "1", "10")
	require.NoError(t, err)

	state, err := k.Serialize()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state, &doc))
	assert.Contains(t, doc, "networkIdsMap")
	assert.NotContains(t, doc, "networkIdMap")

	restored := New(safe.NewRegistry())
	require.NoError(t, restored.Deserialize(state))
	assert.Equal(t, k.GetAccounts(), restored.GetAccounts())
	assert.Equal(t, []string{"5"}, restored.NetworkIDs(testSafe))
	assert.Equal(t, []string{"1", "10"}, restored.NetworkIDs(other))
}

func TestKeyring_Deserialize(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	tests := []struct {
		name     string
		state    string
		accounts []common.Address
		ids      map[common.Address][]string
		wantErr  bool
	}{
		{
			name: "canonical",
			state: `{"accounts":["0x2222222222222222222222222222222222222222"],
				"networkIdsMap":{"0x2222222222222222222222222222222222222222":["5","1"]}}`,
			accounts: []common.Address{testSafe},
			ids:      map[common.Address][]string{testSafe: {"5", "1"}},
		},
		{
			name: "legacy single network id",
			state: `{"accounts":["0x2222222222222222222222222222222222222222","0x3333333333333333333333333333333333333333"],
				"networkIdMap":{"0x2222222222222222222222222222222222222222":"5","0x3333333333333333333333333333333333333333":"137"}}`,
			accounts: []common.Address{testSafe, other},
			ids:      map[common.Address][]string{testSafe: {"5"}, other: {"137"}},
		},
		{
			name: "canonical map wins over legacy",
			state: `{"accounts":["0x2222222222222222222222222222222222222222"],
				"networkIdsMap":{"0x2222222222222222222222222222222222222222":["1"]},
				"networkIdMap":{"0x2222222222222222222222222222222222222222":"5"}}`,
			accounts: []common.Address{testSafe},
			ids:      map[common.Address][]string{testSafe: {"1"}},
		},
		{
			name: "accounts without network ids are dropped",
			state: `{"accounts":["0x2222222222222222222222222222222222222222","0x3333333333333333333333333333333333333333"],
				"networkIdsMap":{"0x3333333333333333333333333333333333333333":["10"]}}`,
			accounts: []common.Address{other},
			ids:      map[common.Address][]string{other: {"10"}},
		},
		{
			name:    "bad address key",
			state:   `{"accounts":[],"networkIdsMap":{"nope":["1"]}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			state:   `[`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := New(safe.NewRegistry())
			err := k.Deserialize([]byte(tt.state))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.accounts, k.GetAccounts())
			for addr, ids := range tt.ids {
				assert.Equal(t, ids, k.NetworkIDs(addr))
			}
		})
	}
}
