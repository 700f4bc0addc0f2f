package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/erc7824/nitrolite/keyring/pkg/hdpath"
)

// Size of the EIP-155 chain_id, r, s tail of an unsigned legacy transaction.
// The device needs at least one byte more than this in the final chunk.
const eip155TailSize = 3

// Signature is the v, r, s triple returned by the device.
type Signature struct {
	V    byte
	R, S common.Hash
}

// AddressResponse is the reply to a get address command.
type AddressResponse struct {
	PublicKey []byte
	Address   common.Address
	ChainCode []byte
}

// Configuration is the Ethereum app configuration.
type Configuration struct {
	ArbitraryDataEnabled       bool
	ERC20ProvisioningNecessary bool
	StarkEnabled               bool
	StarkV2Supported           bool
	Version                    string
}

// AppInfo identifies the application currently running on the device.
type AppInfo struct {
	Name    string
	Version string
}

// App issues Ethereum app commands over a Transport.
type App struct {
	t Transport
}

func NewApp(t Transport) *App {
	return &App{t: t}
}

func (a *App) Close() error {
	return a.t.Close()
}

func (a *App) send(ctx context.Context, cmd Command) ([]byte, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}
	reply, err := a.t.Exchange(ctx, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "exchange ins 0x%02x", cmd.INS)
	}
	return splitStatus(reply)
}

// sendChunked splits payload into maxChunk sized commands. The first command
// uses p1First, the rest p1Next. The reply of the last command is returned.
func (a *App) sendChunked(ctx context.Context, ins, p1First, p1Next, p2 byte, payload []byte, chunk int) ([]byte, error) {
	var reply []byte
	p1 := p1First
	for len(payload) > 0 {
		n := min(chunk, len(payload))
		var err error
		reply, err = a.send(ctx, Command{CLA: claEthereum, INS: ins, P1: p1, P2: p2, Data: payload[:n]})
		if err != nil {
			return nil, err
		}
		payload = payload[n:]
		p1 = p1Next
	}
	return reply, nil
}

// encodePath serialises path as a component count followed by big endian uint32s.
func encodePath(path string) ([]byte, error) {
	components, err := hdpath.Components(path)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+4*len(components))
	out[0] = byte(len(components))
	for i, c := range components {
		binary.BigEndian.PutUint32(out[1+4*i:], c)
	}
	return out, nil
}

// GetAddress derives the address at path. display asks the user to confirm
// the address on screen, chainCode additionally returns the BIP-32 chain code.
func (a *App) GetAddress(ctx context.Context, path string, display, chainCode bool) (*AddressResponse, error) {
	data, err := encodePath(path)
	if err != nil {
		return nil, err
	}
	var p1, p2 byte
	if display {
		p1 = 0x01
	}
	if chainCode {
		p2 = 0x01
	}

	reply, err := a.send(ctx, Command{CLA: claEthereum, INS: insGetAddress, P1: p1, P2: p2, Data: data})
	if err != nil {
		return nil, err
	}
	return parseAddressReply(reply, chainCode)
}

func parseAddressReply(reply []byte, chainCode bool) (*AddressResponse, error) {
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return nil, errors.New("ledger: reply lacks public key entry")
	}
	res := &AddressResponse{PublicKey: common.CopyBytes(reply[1 : 1+int(reply[0])])}
	reply = reply[1+int(reply[0]):]

	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return nil, errors.New("ledger: reply lacks address entry")
	}
	hexAddr := reply[1 : 1+int(reply[0])]
	if len(hexAddr) != 2*common.AddressLength {
		return nil, errors.Errorf("ledger: address entry has %d chars", len(hexAddr))
	}
	if _, err := hex.Decode(res.Address[:], hexAddr); err != nil {
		return nil, errors.Wrap(err, "ledger: decode address")
	}
	reply = reply[1+int(reply[0]):]

	if chainCode {
		if len(reply) < 32 {
			return nil, errors.New("ledger: reply lacks chain code")
		}
		res.ChainCode = common.CopyBytes(reply[:32])
	}
	return res, nil
}

// UnsignedTransactionRLP returns the payload the device signs for tx.
// Legacy transactions carry the EIP-155 chain id tail, typed ones are
// prefixed with their type byte.
func UnsignedTransactionRLP(tx *types.Transaction, chainID *big.Int) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch {
	case chainID == nil:
		payload, err = rlp.EncodeToBytes([]any{tx.Nonce(), tx.GasPrice(), tx.Gas(), tx.To(), tx.Value(), tx.Data()})
	case tx.Type() == types.LegacyTxType:
		payload, err = rlp.EncodeToBytes([]any{tx.Nonce(), tx.GasPrice(), tx.Gas(), tx.To(), tx.Value(), tx.Data(), chainID, uint(0), uint(0)})
	case tx.Type() == types.AccessListTxType:
		payload, err = rlp.EncodeToBytes([]any{chainID, tx.Nonce(), tx.GasPrice(), tx.Gas(), tx.To(), tx.Value(), tx.Data(), tx.AccessList()})
		payload = append([]byte{tx.Type()}, payload...)
	case tx.Type() == types.DynamicFeeTxType:
		payload, err = rlp.EncodeToBytes([]any{chainID, tx.Nonce(), tx.GasTipCap(), tx.GasFeeCap(), tx.Gas(), tx.To(), tx.Value(), tx.Data(), tx.AccessList()})
		payload = append([]byte{tx.Type()}, payload...)
	default:
		return nil, errors.Errorf("ledger: unsupported transaction type %d", tx.Type())
	}
	if err != nil {
		return nil, errors.Wrap(err, "ledger: encode transaction")
	}
	return payload, nil
}

// SignTransaction signs an unsigned transaction payload as produced by
// UnsignedTransactionRLP. For legacy payloads the returned V carries the
// EIP-155 offset truncated to one byte.
func (a *App) SignTransaction(ctx context.Context, path string, unsigned []byte, legacy bool) (Signature, error) {
	pathBytes, err := encodePath(path)
	if err != nil {
		return Signature{}, err
	}
	payload := append(pathBytes, unsigned...)

	chunk := maxChunk
	if legacy {
		for ; len(payload)%chunk <= eip155TailSize; chunk-- {
		}
	}

	reply, err := a.sendChunked(ctx, insSignTransaction, 0x00, 0x80, 0x00, payload, chunk)
	if err != nil {
		return Signature{}, err
	}
	return parseSignature(reply)
}

// ApplySignature attaches a device signature to tx. For legacy transactions
// signed with a chain id the device returns V = chainID*2+35+parity truncated
// to one byte, typed transactions carry the bare parity.
func ApplySignature(tx *types.Transaction, chainID *big.Int, sig Signature) (*types.Transaction, error) {
	raw := make([]byte, signatureReplyLength)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = sig.V

	var signer types.Signer
	switch {
	case chainID == nil:
		signer = types.HomesteadSigner{}
		if raw[64] >= 27 {
			raw[64] -= 27
		}
	case tx.Type() == types.LegacyTxType:
		signer = types.LatestSignerForChainID(chainID)
		raw[64] -= byte(chainID.Uint64()*2 + 35)
	default:
		signer = types.LatestSignerForChainID(chainID)
	}

	signed, err := tx.WithSignature(signer, raw)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: attach signature")
	}
	return signed, nil
}

// SignPersonalMessage signs msg with the EIP-191 personal message prefix.
func (a *App) SignPersonalMessage(ctx context.Context, path string, msg []byte) (Signature, error) {
	pathBytes, err := encodePath(path)
	if err != nil {
		return Signature{}, err
	}
	payload := make([]byte, 0, len(pathBytes)+4+len(msg))
	payload = append(payload, pathBytes...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(msg)))
	payload = append(payload, msg...)

	reply, err := a.sendChunked(ctx, insSignPersonal, 0x00, 0x80, 0x00, payload, maxChunk)
	if err != nil {
		return Signature{}, err
	}
	return parseSignature(reply)
}

// SignEIP712HashedMessage signs a typed data message given its domain
// separator and struct hash. The device shows only the two hashes.
func (a *App) SignEIP712HashedMessage(ctx context.Context, path string, domainHash, messageHash common.Hash) (Signature, error) {
	pathBytes, err := encodePath(path)
	if err != nil {
		return Signature{}, err
	}
	payload := append(pathBytes, domainHash.Bytes()...)
	payload = append(payload, messageHash.Bytes()...)

	reply, err := a.send(ctx, Command{CLA: claEthereum, INS: insSignEIP712, P1: 0x00, P2: 0x00, Data: payload})
	if err != nil {
		return Signature{}, err
	}
	return parseSignature(reply)
}

func parseSignature(reply []byte) (Signature, error) {
	if len(reply) != signatureReplyLength {
		return Signature{}, errors.Errorf("ledger: reply lacks signature, got %d bytes", len(reply))
	}
	var sig Signature
	sig.V = reply[0]
	copy(sig.R[:], reply[1:33])
	copy(sig.S[:], reply[33:65])
	return sig, nil
}

// Configuration reads the Ethereum app flags and version.
func (a *App) Configuration(ctx context.Context) (Configuration, error) {
	reply, err := a.send(ctx, Command{CLA: claEthereum, INS: insGetConfiguration})
	if err != nil {
		return Configuration{}, err
	}
	if len(reply) < 4 {
		return Configuration{}, errors.Errorf("ledger: configuration reply has %d bytes", len(reply))
	}
	flags := reply[0]
	return Configuration{
		ArbitraryDataEnabled:       flags&0x01 != 0,
		ERC20ProvisioningNecessary: flags&0x02 != 0,
		StarkEnabled:               flags&0x04 != 0,
		StarkV2Supported:           flags&0x08 != 0,
		Version:                    fmt.Sprintf("%d.%d.%d", reply[1], reply[2], reply[3]),
	}, nil
}

// AppAndVersion reports which application is open. The dashboard reports
// itself as "BOLOS".
func (a *App) AppAndVersion(ctx context.Context) (AppInfo, error) {
	reply, err := a.send(ctx, Command{CLA: claDashboard, INS: insGetAppAndVersion})
	if err != nil {
		return AppInfo{}, err
	}
	if len(reply) < 1 || reply[0] != 0x01 {
		return AppInfo{}, errors.New("ledger: unknown app and version format")
	}
	rest := reply[1:]

	name, rest, err := readLV(rest)
	if err != nil {
		return AppInfo{}, errors.Wrap(err, "ledger: app name")
	}
	version, _, err := readLV(rest)
	if err != nil {
		return AppInfo{}, errors.Wrap(err, "ledger: app version")
	}
	return AppInfo{Name: string(name), Version: string(version)}, nil
}

func readLV(b []byte) ([]byte, []byte, error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return nil, nil, errors.New("truncated field")
	}
	return b[1 : 1+int(b[0])], b[1+int(b[0]):], nil
}

// OpenApp asks the dashboard to launch the named application.
func (a *App) OpenApp(ctx context.Context, name string) error {
	_, err := a.send(ctx, Command{CLA: claEthereum, INS: insOpenApp, Data: []byte(name)})
	return err
}

// QuitApp returns the device to the dashboard.
func (a *App) QuitApp(ctx context.Context) error {
	_, err := a.send(ctx, Command{CLA: claDashboard, INS: insQuitApp})
	return err
}
