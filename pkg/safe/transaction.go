// Package safe models Safe multisig transactions: their canonical fields,
// the version dependent EIP-712 hash owners sign, the signatures collected
// toward the threshold and the services that coordinate and execute them.
package safe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var (
	ErrInvalidTransaction = errors.New("invalid safe transaction")
	ErrInvalidVersion     = errors.New("invalid safe version")
)

// Operation is the call type the Safe performs.
type Operation uint8

const (
	Call         Operation = 0
	DelegateCall Operation = 1
)

func (o Operation) Valid() bool { return o == Call || o == DelegateCall }

// TransactionData holds the fields covered by the Safe transaction hash.
type TransactionData struct {
	To             common.Address `json:"to"`
	Value          *big.Int       `json:"value"`
	Data           hexutil.Bytes  `json:"data"`
	Operation      Operation      `json:"operation"`
	SafeTxGas      *big.Int       `json:"safeTxGas"`
	BaseGas        *big.Int       `json:"baseGas"`
	GasPrice       *big.Int       `json:"gasPrice"`
	GasToken       common.Address `json:"gasToken"`
	RefundReceiver common.Address `json:"refundReceiver"`
	Nonce          uint64         `json:"nonce"`
}

func (d TransactionData) copy() TransactionData {
	out := d
	out.Value = bigOrZero(d.Value)
	out.SafeTxGas = bigOrZero(d.SafeTxGas)
	out.BaseGas = bigOrZero(d.BaseGas)
	out.GasPrice = bigOrZero(d.GasPrice)
	out.Data = common.CopyBytes(d.Data)
	if out.Data == nil {
		out.Data = hexutil.Bytes{}
	}
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// PartialTransaction is a transaction as callers describe it. Numbers are
// decimal or 0x-prefixed hex strings; missing values default to zero and a
// missing nonce is filled from the Safe.
type PartialTransaction struct {
	To             string     `json:"to" validate:"required"`
	Value          string     `json:"value,omitempty"`
	Data           string     `json:"data,omitempty"`
	Operation      *Operation `json:"operation,omitempty"`
	SafeTxGas      string     `json:"safeTxGas,omitempty"`
	BaseGas        string     `json:"baseGas,omitempty"`
	GasPrice       string     `json:"gasPrice,omitempty"`
	GasToken       string     `json:"gasToken,omitempty"`
	RefundReceiver string     `json:"refundReceiver,omitempty"`
	Nonce          *uint64    `json:"nonce,omitempty"`
}

// Normalize turns p into TransactionData. nonce is used when p has none.
func (p PartialTransaction) Normalize(nonce uint64) (TransactionData, error) {
	var (
		d   TransactionData
		err error
	)
	if d.To, err = parseAddress("to", p.To, true); err != nil {
		return d, err
	}
	if d.GasToken, err = parseAddress("gasToken", p.GasToken, false); err != nil {
		return d, err
	}
	if d.RefundReceiver, err = parseAddress("refundReceiver", p.RefundReceiver, false); err != nil {
		return d, err
	}
	for _, f := range []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"value", p.Value, &d.Value},
		{"safeTxGas", p.SafeTxGas, &d.SafeTxGas},
		{"baseGas", p.BaseGas, &d.BaseGas},
		{"gasPrice", p.GasPrice, &d.GasPrice},
	} {
		if *f.out, err = parseQuantity(f.name, f.in); err != nil {
			return d, err
		}
	}

	data := sanitizeHex(p.Data)
	if data == "" {
		d.Data = hexutil.Bytes{}
	} else if d.Data, err = hexutil.Decode(data); err != nil {
		return d, fmt.Errorf("%w: data: %v", ErrInvalidTransaction, err)
	}

	if p.Operation != nil {
		if !p.Operation.Valid() {
			return d, fmt.Errorf("%w: operation %d", ErrInvalidTransaction, *p.Operation)
		}
		d.Operation = *p.Operation
	}

	d.Nonce = nonce
	if p.Nonce != nil {
		d.Nonce = *p.Nonce
	}
	return d, nil
}

// sanitizeHex returns s as even-length 0x-prefixed hex, or "" for an empty
// value.
func sanitizeHex(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return ""
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return "0x" + s
}

func parseAddress(field, s string, required bool) (common.Address, error) {
	if s == "" && !required {
		return common.Address{}, nil
	}
	s = sanitizeHex(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrInvalidTransaction, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseQuantity(field, s string) (*big.Int, error) {
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is not a quantity", ErrInvalidTransaction, field, s)
	}
	return v, nil
}

// Signature is one owner's signature over a transaction hash.
type Signature struct {
	Signer common.Address `json:"signer"`
	Data   sign.Signature `json:"data"`
}

// Transaction is a Safe transaction bound to its Safe, contract version and
// chain. Its hash is computed once at construction. Signatures are keyed by
// signer; adding one for a known signer replaces it.
type Transaction struct {
	safe    common.Address
	version string
	chainID *big.Int
	data    TransactionData
	hash    common.Hash

	mu         sync.Mutex
	signatures map[common.Address]sign.Signature
}

// NewTransaction validates data and computes its hash.
func NewTransaction(safe common.Address, version string, chainID *big.Int, data TransactionData) (*Transaction, error) {
	if !data.Operation.Valid() {
		return nil, fmt.Errorf("%w: operation %d", ErrInvalidTransaction, data.Operation)
	}
	data = data.copy()
	hash, err := TransactionHash(safe, version, chainID, data)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		safe:       safe,
		version:    version,
		chainID:    bigOrZero(chainID),
		data:       data,
		hash:       hash,
		signatures: map[common.Address]sign.Signature{},
	}, nil
}

func (t *Transaction) Safe() common.Address  { return t.safe }
func (t *Transaction) Version() string       { return t.version }
func (t *Transaction) ChainID() *big.Int     { return new(big.Int).Set(t.chainID) }
func (t *Transaction) Data() TransactionData { return t.data.copy() }

// Hash is the safeTxHash owners sign.
func (t *Transaction) Hash() common.Hash { return t.hash }

// AddSignature stores sig for signer, replacing an earlier one.
func (t *Transaction) AddSignature(signer common.Address, sig sign.Signature) error {
	if len(sig) != sign.Length {
		return fmt.Errorf("%w: got %d bytes", sign.ErrInvalidLength, len(sig))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signatures[signer] = sig.Normalize()
	return nil
}

func (t *Transaction) Signature(signer common.Address) (sign.Signature, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sig, ok := t.signatures[signer]
	return sig, ok
}

// Signatures returns every signature ordered by signer address ascending.
func (t *Transaction) Signatures() []Signature {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Signature, 0, len(t.signatures))
	for signer, sig := range t.signatures {
		out = append(out, Signature{Signer: signer, Data: sig})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Signer[:], out[j].Signer[:]) < 0
	})
	return out
}

// EncodedSignatures packs the signatures the way execTransaction expects
// them, sorted by signer ascending.
func (t *Transaction) EncodedSignatures() []byte {
	sigs := t.Signatures()
	out := make([]byte, 0, len(sigs)*sign.Length)
	for _, s := range sigs {
		out = append(out, s.Data...)
	}
	return out
}

// VerifySignatures reports the signatures that do not recover to their
// signer.
func (t *Transaction) VerifySignatures() []common.Address {
	var bad []common.Address
	for _, s := range t.Signatures() {
		if !VerifySignature(t.hash, s.Data, s.Signer) {
			bad = append(bad, s.Signer)
		}
	}
	return bad
}

// ethSignOffset is added to v by owners that approved the prefixed
// personal message of the hash instead of the hash itself.
const ethSignOffset = 4

// VerifySignature reports whether sig approves hash for signer. A v of 31
// or 32 marks an eth_sign approval, checked against the prefixed hash the
// Safe contract rebuilds on chain.
func VerifySignature(hash common.Hash, sig sign.Signature, signer common.Address) bool {
	if len(sig) != sign.Length {
		return false
	}
	if v := sig.V(); v == 27+ethSignOffset || v == 28+ethSignOffset {
		plain := make(sign.Signature, sign.Length)
		copy(plain, sig)
		plain[64] = v - ethSignOffset
		return sign.Verify(accounts.TextHash(hash.Bytes()), plain, signer)
	}
	return sign.Verify(hash.Bytes(), sig, signer)
}

type transactionJSON struct {
	Safe       common.Address  `json:"safe"`
	Version    string          `json:"version"`
	ChainID    *hexutil.Big    `json:"chainId"`
	Data       TransactionData `json:"data"`
	Hash       common.Hash     `json:"safeTxHash"`
	Signatures []Signature     `json:"signatures"`
}

func (t *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		Safe:       t.safe,
		Version:    t.version,
		ChainID:    (*hexutil.Big)(t.chainID),
		Data:       t.data,
		Hash:       t.hash,
		Signatures: t.Signatures(),
	})
}

// UnmarshalJSON rebuilds the transaction and recomputes its hash, which
// must match the encoded one.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	tx, err := NewTransaction(raw.Safe, raw.Version, (*big.Int)(raw.ChainID), raw.Data)
	if err != nil {
		return err
	}
	if raw.Hash != (common.Hash{}) && raw.Hash != tx.hash {
		return fmt.Errorf("%w: safeTxHash %s does not match %s", ErrInvalidTransaction, raw.Hash.Hex(), tx.hash.Hex())
	}
	for _, s := range raw.Signatures {
		if err := tx.AddSignature(s.Signer, s.Data); err != nil {
			return err
		}
	}
	t.safe, t.version, t.chainID, t.data, t.hash = tx.safe, tx.version, tx.chainID, tx.data, tx.hash
	t.mu.Lock()
	t.signatures = tx.signatures
	t.mu.Unlock()
	return nil
}
