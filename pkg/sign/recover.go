package sign

import (
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// RecoverFromHash returns the address that produced sig over hash.
// v may be in either the 0/1 or the 27/28 form.
func RecoverFromHash(hash []byte, sig Signature) (common.Address, error) {
	rs, err := sig.recoveryForm()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, rs)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover public key")
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// RecoverPersonal recovers the signer of an EIP-191 personal message.
func RecoverPersonal(message []byte, sig Signature) (common.Address, error) {
	return RecoverFromHash(accounts.TextHash(message), sig)
}

// TypedDataHash returns keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func TypedDataHash(td apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "hash typed data")
	}
	return common.BytesToHash(hash), nil
}

// DomainAndMessageHash returns the two 32 byte hashes a device needs for
// blind EIP-712 signing.
func DomainAndMessageHash(td apitypes.TypedData) (domain, message common.Hash, err error) {
	d, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, common.Hash{}, errors.Wrap(err, "hash domain")
	}
	m, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, common.Hash{}, errors.Wrap(err, "hash message")
	}
	return common.BytesToHash(d), common.BytesToHash(m), nil
}

// RecoverTypedData recovers the signer of EIP-712 typed data.
func RecoverTypedData(td apitypes.TypedData, sig Signature) (common.Address, error) {
	hash, err := TypedDataHash(td)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverFromHash(hash.Bytes(), sig)
}

// Verify reports whether sig over hash was produced by want.
func Verify(hash []byte, sig Signature, want common.Address) bool {
	got, err := RecoverFromHash(hash, sig)
	return err == nil && got == want
}
