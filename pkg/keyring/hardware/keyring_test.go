package hardware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/keyring/pkg/hdpath"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
)

func newTestKeyring(t *testing.T, f *fakeLedger) *Keyring {
	t.Helper()
	return New(f.opener(), WithReconnect(3, time.Millisecond), WithDeviceID("nano-x"))
}

func TestKeyring_AddAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)
	require.NoError(t, k.SetHDPathType(hdpath.BIP44))

	accounts, err := k.AddAccounts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, f.addressOf("m/44'/60'/0'/0/0"), accounts[0])
	assert.Equal(t, f.addressOf("m/44'/60'/0'/0/1"), accounts[1])

	info, ok := k.AccountInfo(accounts[1])
	require.True(t, ok)
	assert.Equal(t, 2, info.Index)
	assert.Equal(t, hdpath.BIP44, info.HDPathType)
	assert.Equal(t, "nano-x", info.DeviceID)
	assert.NotEmpty(t, info.HDPathBasePublicKey)

	idx, err := k.IndexFromAddress(accounts[1])
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	// Importing the same range again is rejected as a whole.
	_, err = k.AddAccounts(ctx, 3)
	assert.ErrorIs(t, err, keyring.ErrDuplicateAccount)
	assert.Len(t, k.GetAccounts(), 2)

	k.SetAccountToUnlock(2)
	accounts, err = k.AddAccounts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)
	assert.True(t, keyring.Contains(k, f.addressOf("m/44'/60'/0'/0/2")))

	opens, closes := f.counts()
	assert.Equal(t, opens, closes, "every session must be closed")
	assert.False(t, k.IsUnlocked())
}

func TestKeyring_RemoveAndForget(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	accounts, err := k.AddAccounts(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, k.RemoveAccount(accounts[1]))
	assert.Equal(t, []common.Address{accounts[0], accounts[2]}, k.GetAccounts())
	_, ok := k.AccountInfo(accounts[1])
	assert.False(t, ok)
	assert.ErrorIs(t, k.RemoveAccount(accounts[1]), keyring.ErrAccountNotFound)

	k.ForgetDevice()
	assert.Empty(t, k.GetAccounts())
	_, err = k.IndexFromAddress(accounts[0])
	assert.ErrorIs(t, err, keyring.ErrAccountNotFound)
}

func TestKeyring_SerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	require.NoError(t, k.SetHDPathType(hdpath.LedgerLive))
	_, err := k.AddAccounts(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, k.SetHDPathType(hdpath.BIP44))
	k.SetAccountToUnlock(1)
	_, err = k.AddAccounts(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, k.SetHDPathType(hdpath.Legacy))
	k.SetAccountToUnlock(0)
	_, err = k.AddAccounts(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, k.SetCurrentUsedHDPathType(ctx))

	data, err := k.Serialize()
	require.NoError(t, err)

	restored := newTestKeyring(t, f)
	require.NoError(t, restored.Deserialize(data))

	assert.Equal(t, k.GetAccounts(), restored.GetAccounts())
	assert.Len(t, restored.GetAccounts(), 5)
	assert.Equal(t, k.details, restored.details)
	assert.Equal(t, k.usedTypes, restored.usedTypes)
	assert.Equal(t, hdpath.Legacy, restored.HDPathType())

	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestKeyring_DeserializeLegacyState(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	own := f.addressOf("m/44'/60'/0'/1")
	foreign := common.HexToAddress("0x1111111111111111111111111111111111111111")
	orphan := common.HexToAddress("0x2222222222222222222222222222222222222222")

	legacy := map[string]any{
		"hdPath":         "m/44'/60'/0'",
		"accounts":       []string{own.Hex(), foreign.Hex(), orphan.Hex()},
		"accountIndexes": map[string]int{own.Hex(): 1, foreign.Hex(): 4},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	k := newTestKeyring(t, f)
	require.NoError(t, k.Deserialize(data))
	assert.Equal(t, []common.Address{own, foreign}, k.GetAccounts())
	assert.Equal(t, AccountDetail{HDPath: "m/44'/60'/0'/1"}, k.details[own])

	current, err := k.CurrentAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, own, current[0].Address)
	assert.Equal(t, 2, current[0].Index)

	// The device account was completed, the foreign one left alone.
	assert.Equal(t, hdpath.Legacy, k.details[own].HDPathType)
	assert.NotEmpty(t, k.details[own].HDPathBasePublicKey)
	assert.Empty(t, k.details[foreign].HDPathBasePublicKey)

	out, err := k.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "accountIndexes")

	assert.Error(t, k.Deserialize([]byte(`{"hdPath":"m/1'"}`)))
	assert.Error(t, k.Deserialize([]byte(`nope`)))
}

func TestKeyring_DeserializeMixedState(t *testing.T) {
	f := newFakeLedger("seed")
	detailed := f.addressOf("m/44'/60'/0'/0")
	indexed := f.addressOf("m/44'/60'/0'/3")

	mixed := map[string]any{
		"hdPath":   "m/44'/60'/0'",
		"accounts": []string{detailed.Hex(), indexed.Hex()},
		"accountDetails": map[string]any{
			detailed.Hex(): map[string]any{"hdPath": "m/44'/60'/0'/0"},
		},
		"accountIndexes": map[string]int{detailed.Hex(): 9, indexed.Hex(): 3},
	}
	data, err := json.Marshal(mixed)
	require.NoError(t, err)

	k := newTestKeyring(t, f)
	require.NoError(t, k.Deserialize(data))
	assert.Equal(t, []common.Address{detailed, indexed}, k.GetAccounts())
	assert.Equal(t, "m/44'/60'/0'/0", k.details[detailed].HDPath)
	assert.Equal(t, "m/44'/60'/0'/3", k.details[indexed].HDPath)
}

func TestKeyring_CurrentAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	require.NoError(t, k.SetHDPathType(hdpath.LedgerLive))
	live, err := k.AddAccounts(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, k.SetHDPathType(hdpath.Legacy))
	legacy, err := k.AddAccounts(ctx, 2)
	require.NoError(t, err)
	legacy = legacy[2:]

	require.NoError(t, k.SetHDPathType(hdpath.BIP44))
	k.SetAccountToUnlock(1)
	bip44, err := k.AddAccounts(ctx, 1)
	require.NoError(t, err)
	bip44 = bip44[4:]

	tcs := []struct {
		typ  hdpath.Type
		want []common.Address
	}{
		{hdpath.LedgerLive, live},
		{hdpath.Legacy, legacy},
		// The first LedgerLive account lives at the BIP44 index 0 path.
		{hdpath.BIP44, []common.Address{live[0], bip44[0]}},
	}
	for _, tc := range tcs {
		t.Run(string(tc.typ), func(t *testing.T) {
			require.NoError(t, k.SetHDPathType(tc.typ))
			current, err := k.CurrentAccounts(ctx)
			require.NoError(t, err)

			var got []common.Address
			for _, info := range current {
				got = append(got, info.Address)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKeyring_Paging(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)
	require.NoError(t, k.SetHDPathType(hdpath.LedgerLive))

	first, err := k.FirstPage(ctx)
	require.NoError(t, err)
	require.Len(t, first, perPage)
	assert.Equal(t, 1, first[0].Index)
	assert.Equal(t, f.addressOf("m/44'/60'/4'/0/0"), first[4].Address)

	next, err := k.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, next[0].Index)

	prev, err := k.PreviousPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, prev)

	prev, err = k.PreviousPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, prev)

	rng, err := k.Addresses(ctx, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, []Account{
		{Address: f.addressOf("m/44'/60'/10'/0/0"), Index: 11},
		{Address: f.addressOf("m/44'/60'/11'/0/0"), Index: 12},
	}, rng)
}

func TestKeyring_InitialAccounts(t *testing.T) {
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)
	require.NoError(t, k.SetHDPathType(hdpath.BIP44))

	initial, err := k.InitialAccounts(context.Background())
	require.NoError(t, err)

	for _, typ := range hdpath.Types {
		require.Len(t, initial[typ], initialPerType, typ)
	}
	assert.Equal(t, initial[hdpath.LedgerLive][0].Address, initial[hdpath.BIP44][0].Address)
	assert.NotEqual(t, initial[hdpath.LedgerLive][1].Address, initial[hdpath.BIP44][1].Address)
	assert.Equal(t, f.addressOf("m/44'/60'/0'/2"), initial[hdpath.Legacy][2].Address)
	assert.Equal(t, hdpath.BIP44, k.HDPathType())
}

func TestKeyring_UsedHDPathType(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	got, err := k.CurrentUsedHDPathType(ctx)
	require.NoError(t, err)
	assert.Equal(t, hdpath.Type(""), got)

	require.NoError(t, k.SetHDPathType(hdpath.LedgerLive))
	require.NoError(t, k.SetCurrentUsedHDPathType(ctx))

	// Another device has another Legacy base key.
	other := New(newFakeLedger("other").opener())
	data, err := k.Serialize()
	require.NoError(t, err)
	require.NoError(t, other.Deserialize(data))
	got, err = other.CurrentUsedHDPathType(ctx)
	require.NoError(t, err)
	assert.Equal(t, hdpath.Type(""), got)

	got, err = k.CurrentUsedHDPathType(ctx)
	require.NoError(t, err)
	assert.Equal(t, hdpath.LedgerLive, got)
}

func TestKeyring_Unlock(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	addr, err := k.Unlock(ctx, "m/44'/60'/0'/7", false)
	require.NoError(t, err)
	assert.Equal(t, f.addressOf("m/44'/60'/0'/7"), addr)

	addr, err = k.Unlock(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, f.addressOf("m/44'/60'/0'"), addr)
	assert.False(t, k.IsUnlocked())
}

func TestKeyring_Reconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within budget", func(t *testing.T) {
		f := newFakeLedger("seed")
		f.failOpens = 2
		k := New(f.opener(), WithReconnect(3, time.Millisecond))

		_, err := k.AddAccounts(ctx, 1)
		require.NoError(t, err)
	})

	t.Run("gives up", func(t *testing.T) {
		f := newFakeLedger("seed")
		f.failOpens = 10
		k := New(f.opener(), WithReconnect(3, time.Millisecond))

		_, err := k.AddAccounts(ctx, 1)
		require.ErrorIs(t, err, keyring.ErrDeviceUnreachable)
		assert.Contains(t, err.Error(), "3 attempts")
		assert.Equal(t, 7, f.failOpens)
	})
}

func TestKeyring_ExportAccount(t *testing.T) {
	k := New(newFakeLedger("seed").opener())
	_, err := k.ExportAccount(common.Address{})
	assert.ErrorIs(t, err, keyring.ErrUnsupportedOperation)
}

func TestKeyring_AppCommands(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger("seed")
	k := newTestKeyring(t, f)

	info, err := k.AppAndVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ethereum", info.Name)
	require.NoError(t, k.OpenEthApp(ctx))
	require.NoError(t, k.QuitApp(ctx))

	opens, closes := f.counts()
	assert.Equal(t, 3, opens)
	assert.Equal(t, 3, closes)
}
