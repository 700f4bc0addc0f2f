package safe

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"golang.org/x/mod/semver"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

const primaryType = "SafeTx"

// chainIDDomainVersion is the first contract version whose EIP-712 domain
// includes the chain id.
const chainIDDomainVersion = "v1.3.0"

var (
	domainWithChainID = []apitypes.Type{
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	domainBeforeChainID = []apitypes.Type{
		{Name: "verifyingContract", Type: "address"},
	}
	safeTxType = []apitypes.Type{
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "operation", Type: "uint8"},
		{Name: "safeTxGas", Type: "uint256"},
		{Name: "baseGas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "gasToken", Type: "address"},
		{Name: "refundReceiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	}
)

// DomainHasChainID reports whether contracts of version sign over a domain
// that includes the chain id. Versions may carry build metadata such as
// "1.3.0+L2".
func DomainHasChainID(version string) (bool, error) {
	v := "v" + strings.TrimPrefix(strings.TrimSpace(version), "v")
	if !semver.IsValid(v) {
		return false, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return semver.Compare(v, chainIDDomainVersion) >= 0, nil
}

// TypedData returns the EIP-712 document owners sign for a transaction.
func TypedData(safe common.Address, version string, chainID *big.Int, d TransactionData) (apitypes.TypedData, error) {
	withChainID, err := DomainHasChainID(version)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	domain := apitypes.TypedDataDomain{VerifyingContract: safe.Hex()}
	domainType := domainBeforeChainID
	if withChainID {
		if chainID == nil {
			return apitypes.TypedData{}, fmt.Errorf("%w: version %s needs a chain id", ErrInvalidTransaction, version)
		}
		domain.ChainId = (*math.HexOrDecimal256)(new(big.Int).Set(chainID))
		domainType = domainWithChainID
	}

	d = d.copy()
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    safeTxType,
		},
		PrimaryType: primaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"to":             d.To.Hex(),
			"value":          d.Value,
			"data":           []byte(d.Data),
			"operation":      big.NewInt(int64(d.Operation)),
			"safeTxGas":      d.SafeTxGas,
			"baseGas":        d.BaseGas,
			"gasPrice":       d.GasPrice,
			"gasToken":       d.GasToken.Hex(),
			"refundReceiver": d.RefundReceiver.Hex(),
			"nonce":          new(big.Int).SetUint64(d.Nonce),
		},
	}, nil
}

// TransactionHash computes the safeTxHash of a transaction.
func TransactionHash(safe common.Address, version string, chainID *big.Int, d TransactionData) (common.Hash, error) {
	td, err := TypedData(safe, version, chainID, d)
	if err != nil {
		return common.Hash{}, err
	}
	return sign.TypedDataHash(td)
}

// TypedData returns the document owners sign for t.
func (t *Transaction) TypedData() apitypes.TypedData {
	// The version and chain id were validated when t was built.
	td, _ := TypedData(t.safe, t.version, t.chainID, t.data)
	return td
}
