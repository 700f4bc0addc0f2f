package sign

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer produces signatures over 32 byte digests.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) (Signature, error)
}

var _ Signer = (*KeySigner)(nil)

// KeySigner signs with an in-memory private key. It backs the software
// device used in tests and local development.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// NewKeySignerFromHex parses a hex private key with or without 0x.
func NewKeySignerFromHex(privateKeyHex string) (*KeySigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

// SignHash signs hash and returns a signature with v in the 27/28 form.
func (s *KeySigner) SignHash(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign hash")
	}
	return Signature(sig).Normalize(), nil
}

// SignPersonal signs message with the EIP-191 prefix.
func (s *KeySigner) SignPersonal(message []byte) (Signature, error) {
	return s.SignHash(accounts.TextHash(message))
}
