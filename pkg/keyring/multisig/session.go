package multisig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var (
	ErrNoSession       = errors.New("no safe transaction in progress")
	ErrThresholdNotMet = errors.New("not enough signatures to execute")
)

// Session is one Safe transaction being signed. BuildTransaction makes it
// the keyring's current session; methods taking a *Session fall back to the
// current one when passed nil.
type Session struct {
	ID uuid.UUID         `json:"id"`
	Tx *safe.Transaction `json:"transaction"`

	posted atomic.Bool
}

// Posted reports whether the transaction service knows the transaction,
// either because it was proposed from here or loaded from there.
func (s *Session) Posted() bool { return s.posted.Load() }

// MarkPosted records that the transaction service knows the transaction.
func (s *Session) MarkPosted() { s.posted.Store(true) }

// Confirmation is the payload of EventTransactionConfirmed.
type Confirmation struct {
	SessionID  uuid.UUID        `json:"sessionId"`
	Safe       common.Address   `json:"safe"`
	SafeTxHash common.Hash      `json:"safeTxHash"`
	Signatures []safe.Signature `json:"signatures"`
	Threshold  uint64           `json:"threshold"`
}

// Complete reports whether enough owners have signed.
func (c Confirmation) Complete() bool {
	return uint64(len(c.Signatures)) >= c.Threshold
}

// PostError is a proposal the transaction service refused. It reads as the
// service message alone and unwraps to the *safe.ServiceError.
type PostError struct {
	*safe.ServiceError
}

func (e *PostError) Error() string { return "post safe transaction: " + e.Message }

func (e *PostError) Unwrap() error { return e.ServiceError }

// Execution is the payload of EventTransactionExecuted.
type Execution struct {
	SessionID  uuid.UUID      `json:"sessionId"`
	Safe       common.Address `json:"safe"`
	SafeTxHash common.Hash    `json:"safeTxHash"`
	TxHash     common.Hash    `json:"txHash"`
}

// ValidateParams describes a transaction independently of any session.
type ValidateParams struct {
	Safe        common.Address          `json:"safe"`
	Version     string                  `json:"version"`
	ChainID     *big.Int                `json:"chainId"`
	Transaction safe.PartialTransaction `json:"transaction"`
}

// Current returns the session built last, or nil.
func (k *Keyring) Current() *Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

func (k *Keyring) session(s *Session) (*Session, error) {
	if s != nil {
		return s, nil
	}
	if cur := k.Current(); cur != nil {
		return cur, nil
	}
	return nil, ErrNoSession
}

// BuildTransaction normalizes p into a transaction of addr and makes it the
// current session. An empty version is read from the Safe, and so is a
// missing nonce.
func (k *Keyring) BuildTransaction(ctx context.Context, addr common.Address, p safe.PartialTransaction, version string, chainID *big.Int) (*Session, error) {
	if err := k.hasAccount(addr); err != nil {
		return nil, err
	}
	svc, err := k.services.Service(chainID)
	if err != nil {
		return nil, err
	}

	if version == "" {
		if version, err = svc.GetSafeVersion(ctx, addr); err != nil {
			return nil, fmt.Errorf("read safe version: %w", err)
		}
	}
	var nonce uint64
	if p.Nonce == nil {
		if nonce, err = svc.GetNonce(ctx, addr); err != nil {
			return nil, fmt.Errorf("read safe nonce: %w", err)
		}
	}

	data, err := p.Normalize(nonce)
	if err != nil {
		return nil, err
	}
	tx, err := safe.NewTransaction(addr, version, chainID, data)
	if err != nil {
		return nil, err
	}

	s := &Session{ID: uuid.New(), Tx: tx}
	k.mu.Lock()
	k.current = s
	k.mu.Unlock()

	k.lg.Info("safe transaction built", "safe", addr.Hex(), "chainId", chainID.String(),
		"version", version, "nonce", data.Nonce, "safeTxHash", tx.Hash().Hex(), "session", s.ID.String())
	return s, nil
}

// ValidateTransaction rebuilds the transaction described by p and reports
// whether its hash is expected. The Safe must belong to the keyring; a
// missing nonce is read from it. Session state is neither read nor changed.
func (k *Keyring) ValidateTransaction(ctx context.Context, p ValidateParams, expected common.Hash) (bool, error) {
	if err := k.hasAccount(p.Safe); err != nil {
		return false, err
	}
	var nonce uint64
	if p.Transaction.Nonce == nil {
		svc, err := k.services.Service(p.ChainID)
		if err != nil {
			return false, err
		}
		if nonce, err = svc.GetNonce(ctx, p.Safe); err != nil {
			return false, fmt.Errorf("read safe nonce: %w", err)
		}
	}
	data, err := p.Transaction.Normalize(nonce)
	if err != nil {
		return false, err
	}
	hash, err := safe.TransactionHash(p.Safe, p.Version, p.ChainID, data)
	if err != nil {
		return false, err
	}
	return hash == expected, nil
}

// TypedData returns the document an owner signs to approve the session.
func (k *Keyring) TypedData(s *Session) (apitypes.TypedData, error) {
	s, err := k.session(s)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return s.Tx.TypedData(), nil
}

// AddSignature attaches the signature of owner to the session. The
// signature must recover to owner; an earlier signature of owner is
// replaced.
func (k *Keyring) AddSignature(s *Session, owner common.Address, sig sign.Signature) error {
	s, err := k.session(s)
	if err != nil {
		return err
	}
	if len(sig) != sign.Length {
		return fmt.Errorf("%w: %d bytes", keyring.ErrSignatureInvalid, len(sig))
	}
	if !safe.VerifySignature(s.Tx.Hash(), sig, owner) {
		k.lg.Warn("signature does not recover to owner", "owner", owner.Hex(), "safeTxHash", s.Tx.Hash().Hex())
		return fmt.Errorf("%w: signature is not from %s", keyring.ErrSignatureInvalid, owner.Hex())
	}
	return s.Tx.AddSignature(owner, sig)
}

// AddConfirmation adds the signature of owner, shares it with the other
// owners through the transaction service and emits the confirmation.
func (k *Keyring) AddConfirmation(ctx context.Context, s *Session, owner common.Address, sig sign.Signature) (*Confirmation, error) {
	s, err := k.session(s)
	if err != nil {
		return nil, err
	}
	if err := k.AddSignature(s, owner, sig); err != nil {
		return nil, err
	}
	svc, err := k.services.Service(s.Tx.ChainID())
	if err != nil {
		return nil, err
	}
	if err := svc.ConfirmTransaction(ctx, s.Tx.Hash(), sig); err != nil {
		return nil, fmt.Errorf("confirm safe transaction: %w", err)
	}
	return k.ConfirmTransaction(ctx, s)
}

// ConfirmTransaction reads the Safe threshold and emits
// EventTransactionConfirmed with every signature collected so far.
func (k *Keyring) ConfirmTransaction(ctx context.Context, s *Session) (*Confirmation, error) {
	s, err := k.session(s)
	if err != nil {
		return nil, err
	}
	svc, err := k.services.Service(s.Tx.ChainID())
	if err != nil {
		return nil, err
	}
	threshold, err := svc.GetThreshold(ctx, s.Tx.Safe())
	if err != nil {
		return nil, fmt.Errorf("read safe threshold: %w", err)
	}

	c := &Confirmation{
		SessionID:  s.ID,
		Safe:       s.Tx.Safe(),
		SafeTxHash: s.Tx.Hash(),
		Signatures: s.Tx.Signatures(),
		Threshold:  threshold,
	}
	k.lg.Info("safe transaction confirmed", "safe", c.Safe.Hex(), "safeTxHash", c.SafeTxHash.Hex(),
		"signatures", len(c.Signatures), "threshold", threshold)
	k.events.Emit(keyring.EventTransactionConfirmed, *c)
	return c, nil
}

// LoadTransaction fetches a transaction proposed by another owner, with
// its confirmations, and makes it the current session.
func (k *Keyring) LoadTransaction(ctx context.Context, addr common.Address, chainID *big.Int, hash common.Hash) (*Session, error) {
	if err := k.hasAccount(addr); err != nil {
		return nil, err
	}
	svc, err := k.services.Service(chainID)
	if err != nil {
		return nil, err
	}
	version, err := svc.GetSafeVersion(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("read safe version: %w", err)
	}
	st, err := svc.GetTransaction(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch safe transaction: %w", err)
	}
	tx, err := st.Transaction(version, chainID)
	if err != nil {
		return nil, err
	}
	if tx.Safe() != addr {
		return nil, fmt.Errorf("%w: transaction belongs to %s", safe.ErrInvalidTransaction, tx.Safe().Hex())
	}

	s := &Session{ID: uuid.New(), Tx: tx}
	s.MarkPosted()
	k.mu.Lock()
	k.current = s
	k.mu.Unlock()
	return s, nil
}

// PostTransaction proposes the session to the transaction service so the
// other owners can find and sign it. It needs at least one signature.
func (k *Keyring) PostTransaction(ctx context.Context, s *Session) error {
	s, err := k.session(s)
	if err != nil {
		return err
	}
	svc, err := k.services.Service(s.Tx.ChainID())
	if err != nil {
		return err
	}
	if err := svc.PostTransaction(ctx, s.Tx); err != nil {
		var se *safe.ServiceError
		if errors.As(err, &se) {
			return &PostError{ServiceError: se}
		}
		return fmt.Errorf("post safe transaction: %w", err)
	}
	s.MarkPosted()
	k.lg.Info("safe transaction posted", "safe", s.Tx.Safe().Hex(), "safeTxHash", s.Tx.Hash().Hex())
	return nil
}

// ExecTransaction submits the session on chain once the collected
// signatures reach the Safe threshold. An explicit session need not have
// been built by this keyring.
func (k *Keyring) ExecTransaction(ctx context.Context, s *Session) (common.Hash, error) {
	s, err := k.session(s)
	if err != nil {
		return common.Hash{}, err
	}
	svc, err := k.services.Service(s.Tx.ChainID())
	if err != nil {
		return common.Hash{}, err
	}

	threshold, err := svc.GetThreshold(ctx, s.Tx.Safe())
	if err != nil {
		return common.Hash{}, fmt.Errorf("read safe threshold: %w", err)
	}
	if n := len(s.Tx.Signatures()); uint64(n) < threshold {
		return common.Hash{}, fmt.Errorf("%w: %d of %d", ErrThresholdNotMet, n, threshold)
	}
	if bad := s.Tx.VerifySignatures(); len(bad) > 0 {
		return common.Hash{}, fmt.Errorf("%w: signature of %s", keyring.ErrSignatureInvalid, bad[0].Hex())
	}

	txHash, err := svc.ExecuteTransaction(ctx, s.Tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("execute safe transaction: %w", err)
	}

	k.mu.Lock()
	if k.current == s {
		k.current = nil
	}
	k.mu.Unlock()

	k.lg.Info("safe transaction executed", "safe", s.Tx.Safe().Hex(), "safeTxHash", s.Tx.Hash().Hex(), "txHash", txHash.Hex())
	k.events.Emit(keyring.EventTransactionExecuted, Execution{
		SessionID:  s.ID,
		Safe:       s.Tx.Safe(),
		SafeTxHash: s.Tx.Hash(),
		TxHash:     txHash,
	})
	return txHash, nil
}

// SignTransaction turns a plain transaction sent from the Safe into a Safe
// transaction and emits EventTransactionBuilt with its session. Owners sign
// the session afterwards, so tx is returned unchanged. A current session
// with the same call is reused.
func (k *Keyring) SignTransaction(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil {
		chainID = tx.ChainId()
	}
	if cur := k.Current(); cur != nil && sameCall(cur, addr, chainID, tx) {
		k.events.Emit(keyring.EventTransactionBuilt, cur)
		return tx, nil
	}
	if tx.To() == nil {
		return nil, fmt.Errorf("%w: safe transactions cannot create contracts", keyring.ErrUnsupportedOperation)
	}

	p := safe.PartialTransaction{
		To:    tx.To().Hex(),
		Value: tx.Value().String(),
		Data:  common.Bytes2Hex(tx.Data()),
	}
	s, err := k.BuildTransaction(ctx, addr, p, "", chainID)
	if err != nil {
		return nil, err
	}
	k.events.Emit(keyring.EventTransactionBuilt, s)
	return tx, nil
}

func sameCall(s *Session, addr common.Address, chainID *big.Int, tx *types.Transaction) bool {
	d := s.Tx.Data()
	return s.Tx.Safe() == addr &&
		s.Tx.ChainID().Cmp(chainID) == 0 &&
		tx.To() != nil && *tx.To() == d.To &&
		tx.Value().Cmp(d.Value) == 0 &&
		bytes.Equal(tx.Data(), d.Data)
}
