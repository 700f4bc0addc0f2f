package safe

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var testSafe = common.HexToAddress("0x2222222222222222222222222222222222222222")

func zeroCall() TransactionData {
	return TransactionData{To: common.HexToAddress("0x0000000000000000000000000000000000000001")}
}

func TestTransactionHash_Vectors(t *testing.T) {
	tcs := []struct {
		name       string
		version    string
		chainID    *big.Int
		data       TransactionData
		domain     string
		structHash string
		hash       string
	}{
		{
			name:       "1.3.0 mainnet",
			version:    "1.3.0",
			chainID:    big.NewInt(1),
			data:       zeroCall(),
			domain:     "0x91633d4e620a540bb09871d4654a6566b2caf859c5358470b34c0b4e05205f1f",
			structHash: "0x2f98377fb16ccbebcba083dcd1858a3dec1ac9dc946783448cf87f1bfd8304f7",
			hash:       "0x72f5988d589ba2bec20ba774235f1655ac5b7ad44ac3990d2eeb3ce38227d4a5",
		},
		{
			name:       "1.2.0 ignores chain id",
			version:    "1.2.0",
			chainID:    big.NewInt(1),
			data:       zeroCall(),
			domain:     "0xc1a5fa82bf0e73ba83d0bac416c501e33d0482e30b0486a63d863f5551555a5e",
			structHash: "0x2f98377fb16ccbebcba083dcd1858a3dec1ac9dc946783448cf87f1bfd8304f7",
			hash:       "0x243d3b09df495865a80fd3f0f0a53d4b83624e83f5598d934b32aa59fad131ba",
		},
		{
			name:       "1.3.0 goerli",
			version:    "1.3.0",
			chainID:    big.NewInt(5),
			data:       zeroCall(),
			structHash: "0x2f98377fb16ccbebcba083dcd1858a3dec1ac9dc946783448cf87f1bfd8304f7",
			hash:       "0xb97d7bfb857c88a4356a901d23c200ad8f4cf67259497de5ea42930df4b7bdf5",
		},
		{
			name:    "1.3.0 delegate call",
			version: "1.3.0",
			chainID: big.NewInt(137),
			data: TransactionData{
				To:        common.HexToAddress("0x3333333333333333333333333333333333333333"),
				Value:     new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
				Data:      []byte{0xa9, 0x05, 0x9c, 0xbb},
				Operation: DelegateCall,
				Nonce:     7,
			},
			domain:     "0x0085e81b304be36af05dbaf43272a45c14cb7c7d766b09ae40c55a97a8428e1d",
			structHash: "0xc690bd3bbbb6516cccb86190a85b6501dfdbf9b45ff0b0f273c1ada8cb0d5ca7",
			hash:       "0xffe5c70c6ddd4fa17715c9c6744145b86a7913f751e174a1ce81bad02750de85",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			hash, err := TransactionHash(testSafe, tc.version, tc.chainID, tc.data)
			require.NoError(t, err)
			assert.Equal(t, common.HexToHash(tc.hash), hash)

			td, err := TypedData(testSafe, tc.version, tc.chainID, tc.data)
			require.NoError(t, err)
			domain, message, err := sign.DomainAndMessageHash(td)
			require.NoError(t, err)
			if tc.domain != "" {
				assert.Equal(t, common.HexToHash(tc.domain), domain)
			}
			assert.Equal(t, common.HexToHash(tc.structHash), message)

			tx, err := NewTransaction(testSafe, tc.version, tc.chainID, tc.data)
			require.NoError(t, err)
			assert.Equal(t, hash, tx.Hash())
		})
	}
}

func TestTransactionHash_DomainByVersion(t *testing.T) {
	before, err := TypedData(testSafe, "1.2.0", big.NewInt(1), zeroCall())
	require.NoError(t, err)
	after, err := TypedData(testSafe, "1.3.0", big.NewInt(1), zeroCall())
	require.NoError(t, err)

	assert.Len(t, before.Types["EIP712Domain"], 1)
	assert.NotContains(t, before.Domain.Map(), "chainId")
	assert.Len(t, after.Types["EIP712Domain"], 2)
	assert.Contains(t, after.Domain.Map(), "chainId")
	assert.Equal(t, before.Message, after.Message)

	_, err = TransactionHash(testSafe, "1.3.0", nil, zeroCall())
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	noChain, err := TransactionHash(testSafe, "1.1.1", nil, zeroCall())
	require.NoError(t, err)
	withChain, err := TransactionHash(testSafe, "1.1.1", big.NewInt(10), zeroCall())
	require.NoError(t, err)
	assert.Equal(t, noChain, withChain)
}

func TestDomainHasChainID(t *testing.T) {
	tcs := []struct {
		version string
		want    bool
		err     bool
	}{
		{version: "1.0.0"},
		{version: "1.1.1"},
		{version: "1.2.0"},
		{version: "1.3.0", want: true},
		{version: "1.3.0+L2", want: true},
		{version: "v1.4.1", want: true},
		{version: " 1.5.0 ", want: true},
		{version: "", err: true},
		{version: "one", err: true},
	}
	for _, tc := range tcs {
		t.Run(tc.version, func(t *testing.T) {
			got, err := DomainHasChainID(tc.version)
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
