package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

// emulator is an in-memory Ethereum app answering with real signatures from
// a single software key regardless of the requested path.
type emulator struct {
	mu       sync.Mutex
	signer   *sign.KeySigner
	chainID  *big.Int
	legacy   bool
	sent     []Command
	buffer   []byte
	override map[byte]uint16
	typed    *apitypes.TypedData
	closed   bool
}

func newEmulator(key string) *emulator {
	s, err := sign.NewKeySignerFromHex(key)
	if err != nil {
		panic(err)
	}
	return &emulator{signer: s, override: map[byte]uint16{}}
}

func ok(data []byte) []byte { return append(data, 0x90, 0x00) }

func status(sw uint16) []byte { return binary.BigEndian.AppendUint16(nil, sw) }

func (e *emulator) Exchange(_ context.Context, apdu []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := Command{CLA: apdu[0], INS: apdu[1], P1: apdu[2], P2: apdu[3], Data: append([]byte(nil), apdu[5:]...)}
	e.sent = append(e.sent, cmd)
	if sw, ok := e.override[cmd.INS]; ok {
		return status(sw), nil
	}

	switch cmd.INS {
	case insGetAddress:
		pub := ethcrypto.FromECDSAPub(e.signer.PublicKey())
		addr := []byte(hex.EncodeToString(e.signer.Address().Bytes()))
		reply := append([]byte{byte(len(pub))}, pub...)
		reply = append(reply, byte(len(addr)))
		reply = append(reply, addr...)
		if cmd.P2 == 0x01 {
			reply = append(reply, make([]byte, 32)...)
		}
		return ok(reply), nil
	case insSignTransaction:
		e.accumulate(cmd)
		payload := e.buffer[1+4*int(e.buffer[0]):]
		return e.signHash(ethcrypto.Keccak256(payload), e.txV), nil
	case insSignPersonal:
		e.accumulate(cmd)
		msg := e.buffer[1+4*int(e.buffer[0])+4:]
		return e.signHash(accounts.TextHash(msg), func(p byte) byte { return 27 + p }), nil
	case insSignEIP712:
		if cmd.P2 == p2FullMode {
			if e.typed == nil {
				return status(SWInvalidData), nil
			}
			hash, err := sign.TypedDataHash(*e.typed)
			if err != nil {
				return status(SWInvalidData), nil
			}
			return e.signHash(hash.Bytes(), func(p byte) byte { return 27 + p }), nil
		}
		rest := cmd.Data[1+4*int(cmd.Data[0]):]
		hash := ethcrypto.Keccak256([]byte{0x19, 0x01}, rest[:32], rest[32:64])
		return e.signHash(hash, func(p byte) byte { return 27 + p }), nil
	case insGetConfiguration:
		return ok([]byte{0x01, 1, 10, 3}), nil
	case insGetAppAndVersion:
		reply := []byte{0x01, 8}
		reply = append(reply, "Ethereum"...)
		reply = append(reply, 6)
		reply = append(reply, "1.10.3"...)
		return ok(append(reply, 1, 0)), nil
	}
	return ok(nil), nil
}

func (e *emulator) accumulate(cmd Command) {
	if cmd.P1 == 0x00 {
		e.buffer = nil
	}
	e.buffer = append(e.buffer, cmd.Data...)
}

func (e *emulator) txV(parity byte) byte {
	if e.legacy {
		return byte(e.chainID.Uint64()*2+35) + parity
	}
	return parity
}

func (e *emulator) signHash(hash []byte, v func(byte) byte) []byte {
	sig, err := e.signer.SignHash(hash)
	if err != nil {
		panic(err)
	}
	reply := []byte{v(sig[64] - 27)}
	reply = append(reply, sig[:64]...)
	return ok(reply)
}

func (e *emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *emulator) commands(ins byte) []Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Command
	for _, c := range e.sent {
		if c.INS == ins {
			out = append(out, c)
		}
	}
	return out
}

func (e *emulator) address() common.Address { return e.signer.Address() }
