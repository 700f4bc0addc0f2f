// Package sign holds the secp256k1 signature helpers shared by the keyrings:
// the 65 byte Signature type, V normalisation and the recovery routines used
// to check device signatures before they are handed back to callers.
package sign

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Length of an r || s || v signature.
const Length = 65

var ErrInvalidLength = errors.New("invalid signature length")

// Signature is an r || s || v signature. It marshals to 0x prefixed hex.
type Signature []byte

func (s Signature) String() string { return hexutil.Encode(s) }

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(str)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// Parse decodes a 0x prefixed 65 byte signature.
func Parse(s string) (Signature, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode signature")
	}
	if len(b) != Length {
		return nil, errors.Wrapf(ErrInvalidLength, "got %d bytes", len(b))
	}
	return Signature(b), nil
}

// FromComponents assembles a signature from the parts a device returns.
// v is normalised to 27 or 28.
func FromComponents(v byte, r, s common.Hash) Signature {
	sig := make(Signature, Length)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	return sig.Normalize()
}

// R, S and V return the components. They panic on short signatures.
func (s Signature) R() common.Hash { return common.BytesToHash(s[:32]) }
func (s Signature) S() common.Hash { return common.BytesToHash(s[32:64]) }
func (s Signature) V() byte        { return s[64] }

// Normalize returns a copy whose v is 27 or 28.
func (s Signature) Normalize() Signature {
	out := make(Signature, len(s))
	copy(out, s)
	if len(out) == Length && out[64] < 27 {
		out[64] += 27
	}
	return out
}

// recoveryForm returns a copy whose v is 0 or 1 as expected by secp256k1.
func (s Signature) recoveryForm() (Signature, error) {
	if len(s) != Length {
		return nil, errors.Wrapf(ErrInvalidLength, "got %d bytes", len(s))
	}
	out := make(Signature, Length)
	copy(out, s)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, nil
}
