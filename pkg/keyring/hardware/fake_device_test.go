package hardware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/erc7824/nitrolite/keyring/pkg/ledger"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

// fakeLedger derives one software key per path from a seed, so every
// signature it returns is genuinely recoverable.
type fakeLedger struct {
	seed    string
	chainID uint64

	mu                sync.Mutex
	opens             int
	closes            int
	failOpens         int
	eip712Unsupported bool
	signWithPath      string // sign with the key of another path
	denyOnDevice      bool
	block             chan struct{}
	structured        int
	hashed            int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeLedger(seed string) *fakeLedger {
	return &fakeLedger{seed: seed, chainID: 1}
}

func (f *fakeLedger) opener() Opener {
	return func(ctx context.Context, deviceID string) (Device, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failOpens > 0 {
			f.failOpens--
			return nil, errors.New("device busy")
		}
		f.opens++
		return &fakeSession{f: f}, nil
	}
}

func (f *fakeLedger) key(path string) *sign.KeySigner {
	k, err := ethcrypto.ToECDSA(ethcrypto.Keccak256([]byte(f.seed), []byte(path)))
	if err != nil {
		panic(err)
	}
	return sign.NewKeySigner(k)
}

func (f *fakeLedger) addressOf(path string) common.Address { return f.key(path).Address() }

func (f *fakeLedger) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

type fakeSession struct {
	f *fakeLedger
}

func (s *fakeSession) enter(ctx context.Context) (func(), error) {
	n := s.f.active.Add(1)
	for {
		m := s.f.maxActive.Load()
		if n <= m || s.f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	leave := func() { s.f.active.Add(-1) }

	s.f.mu.Lock()
	block, deny := s.f.block, s.f.denyOnDevice
	s.f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}
	if deny {
		leave()
		return nil, &ledger.StatusError{Code: ledger.SWUserDenied}
	}
	return leave, nil
}

func (s *fakeSession) signer(path string) *sign.KeySigner {
	s.f.mu.Lock()
	other := s.f.signWithPath
	s.f.mu.Unlock()
	if other != "" {
		return s.f.key(other)
	}
	return s.f.key(path)
}

func (s *fakeSession) sign(hash []byte, path string, v func(parity byte) byte) (ledger.Signature, error) {
	sig, err := s.signer(path).SignHash(hash)
	if err != nil {
		return ledger.Signature{}, err
	}
	return ledger.Signature{V: v(sig[64] - 27), R: sig.R(), S: sig.S()}, nil
}

func plus27(p byte) byte { return 27 + p }

func (s *fakeSession) GetAddress(_ context.Context, path string, _, _ bool) (*ledger.AddressResponse, error) {
	k := s.f.key(path)
	return &ledger.AddressResponse{PublicKey: ethcrypto.FromECDSAPub(k.PublicKey()), Address: k.Address()}, nil
}

func (s *fakeSession) SignTransaction(ctx context.Context, path string, unsigned []byte, legacy bool) (ledger.Signature, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return ledger.Signature{}, err
	}
	defer leave()
	return s.sign(ethcrypto.Keccak256(unsigned), path, func(p byte) byte {
		if legacy {
			return byte(s.f.chainID*2+35) + p
		}
		return p
	})
}

func (s *fakeSession) SignPersonalMessage(ctx context.Context, path string, msg []byte) (ledger.Signature, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return ledger.Signature{}, err
	}
	defer leave()
	return s.sign(accounts.TextHash(msg), path, plus27)
}

func (s *fakeSession) SignEIP712Message(ctx context.Context, path string, td apitypes.TypedData) (ledger.Signature, error) {
	s.f.mu.Lock()
	unsupported := s.f.eip712Unsupported
	if !unsupported {
		s.f.structured++
	}
	s.f.mu.Unlock()
	if unsupported {
		return ledger.Signature{}, &ledger.StatusError{Code: ledger.SWINSNotSupported}
	}

	leave, err := s.enter(ctx)
	if err != nil {
		return ledger.Signature{}, err
	}
	defer leave()
	hash, err := sign.TypedDataHash(td)
	if err != nil {
		return ledger.Signature{}, err
	}
	return s.sign(hash.Bytes(), path, plus27)
}

func (s *fakeSession) SignEIP712HashedMessage(ctx context.Context, path string, domain, message common.Hash) (ledger.Signature, error) {
	s.f.mu.Lock()
	s.f.hashed++
	s.f.mu.Unlock()

	leave, err := s.enter(ctx)
	if err != nil {
		return ledger.Signature{}, err
	}
	defer leave()
	return s.sign(ethcrypto.Keccak256([]byte{0x19, 0x01}, domain.Bytes(), message.Bytes()), path, plus27)
}

func (s *fakeSession) AppAndVersion(context.Context) (ledger.AppInfo, error) {
	return ledger.AppInfo{Name: "Ethereum", Version: "1.10.3"}, nil
}

func (s *fakeSession) OpenApp(context.Context, string) error { return nil }
func (s *fakeSession) QuitApp(context.Context) error         { return nil }

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.closes++
	return nil
}
