package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var tracer = otel.Tracer("github.com/erc7824/nitrolite/keyring")

// Wallet dispatches requests to the keyring owning an account and persists
// keyring state after every change.
type Wallet struct {
	keyrings []keyring.Keyring
	safes    *multisig.Keyring
	store    *Store
	metrics  *Metrics
	events   *keyring.Emitter
	lg       log.Logger
}

// NewWallet wires signers, the Safe keyring and the store. Signers are
// consulted in order when an address is looked up.
func NewWallet(store *Store, metrics *Metrics, safes *multisig.Keyring, lg log.Logger, signers ...keyring.Keyring) *Wallet {
	keyrings := append([]keyring.Keyring{}, signers...)
	keyrings = append(keyrings, safes)
	return &Wallet{
		keyrings: keyrings,
		safes:    safes,
		store:    store,
		metrics:  metrics,
		events:   safes.Events(),
		lg:       lg.Named("wallet"),
	}
}

// Events is shared with the Safe keyring, so subscribers see Safe events
// and rejections alike.
func (w *Wallet) Events() *keyring.Emitter { return w.events }

func (w *Wallet) Keyrings() []keyring.Keyring { return w.keyrings }

func (w *Wallet) Safes() *multisig.Keyring { return w.safes }

// Restore loads the stored state of every keyring.
func (w *Wallet) Restore() error {
	for _, k := range w.keyrings {
		ok, err := w.store.LoadKeyring(k)
		if err != nil {
			return fmt.Errorf("restore %s keyring: %w", k.Type(), err)
		}
		w.lg.Info("keyring restored", "keyring", k.Type(), "found", ok, "accounts", len(k.GetAccounts()))
	}
	w.metrics.UpdateAccountMetrics(w)
	return nil
}

// Accounts lists the accounts of every keyring.
func (w *Wallet) Accounts() []common.Address {
	var out []common.Address
	for _, k := range w.keyrings {
		out = append(out, k.GetAccounts()...)
	}
	return out
}

// KeyringFor returns the keyring owning addr.
func (w *Wallet) KeyringFor(addr common.Address) (keyring.Keyring, error) {
	for _, k := range w.keyrings {
		if keyring.Contains(k, addr) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
}

func (w *Wallet) keyringOf(t keyring.Type) (keyring.Keyring, error) {
	for _, k := range w.keyrings {
		if k.Type() == t {
			return k, nil
		}
	}
	return nil, fmt.Errorf("no %s keyring configured", t)
}

func (w *Wallet) persist(k keyring.Keyring) error {
	if err := w.store.SaveKeyring(k); err != nil {
		return fmt.Errorf("persist %s keyring: %w", k.Type(), err)
	}
	w.metrics.UpdateAccountMetrics(w)
	return nil
}

// AddAccounts adds n accounts to the keyring of type t.
func (w *Wallet) AddAccounts(ctx context.Context, t keyring.Type, n int) ([]common.Address, error) {
	k, err := w.keyringOf(t)
	if err != nil {
		return nil, err
	}
	accounts, err := k.AddAccounts(ctx, n)
	if err != nil {
		return nil, err
	}
	return accounts, w.persist(k)
}

// ImportSafe adds a Safe deployed on networkIDs.
func (w *Wallet) ImportSafe(ctx context.Context, addr common.Address, networkIDs ...string) error {
	if _, err := w.safes.ImportAccount(ctx, addr, networkIDs...); err != nil {
		return err
	}
	return w.persist(w.safes)
}

func (w *Wallet) RemoveAccount(addr common.Address) error {
	k, err := w.KeyringFor(addr)
	if err != nil {
		return err
	}
	if err := k.RemoveAccount(addr); err != nil {
		return err
	}
	return w.persist(k)
}

// startSpan opens a span for a signing request and puts a span aware
// logger into the context.
func (w *Wallet) startSpan(ctx context.Context, name string, addr common.Address) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attribute.String("address", addr.Hex())))
	return log.WithContext(ctx, w.lg.With("address", addr.Hex())), span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (w *Wallet) observe(k keyring.Keyring, kind string, started time.Time, err error) {
	w.metrics.ObserveSign(k.Type(), kind, started, err)
	if errors.Is(err, keyring.ErrUserRejected) {
		w.metrics.Rejections.Inc()
	}
}

func (w *Wallet) SignPersonalMessage(ctx context.Context, addr common.Address, msg []byte) (sig sign.Signature, err error) {
	ctx, span := w.startSpan(ctx, "wallet.SignPersonalMessage", addr)
	defer func() { endSpan(span, err) }()

	k, err := w.KeyringFor(addr)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	sig, err = k.SignPersonalMessage(ctx, addr, msg)
	w.observe(k, "personal", started, err)
	if err != nil {
		log.FromContext(ctx).Warn("personal sign failed", "keyring", k.Type(), "error", err)
	}
	return sig, err
}

func (w *Wallet) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData, opts keyring.TypedDataOptions) (sig sign.Signature, err error) {
	ctx, span := w.startSpan(ctx, "wallet.SignTypedData", addr)
	defer func() { endSpan(span, err) }()

	k, err := w.KeyringFor(addr)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	sig, err = k.SignTypedData(ctx, addr, td, opts)
	w.observe(k, "typed_data", started, err)
	if err != nil {
		log.FromContext(ctx).Warn("typed data sign failed", "keyring", k.Type(), "primaryType", td.PrimaryType, "error", err)
	}
	return sig, err
}

// SignTransaction signs tx with the keyring of addr. For a Safe this builds
// a Safe transaction, stored so owners can sign it, and returns tx as is.
func (w *Wallet) SignTransaction(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (out *types.Transaction, err error) {
	ctx, span := w.startSpan(ctx, "wallet.SignTransaction", addr)
	defer func() { endSpan(span, err) }()

	k, err := w.KeyringFor(addr)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	out, err = k.SignTransaction(ctx, addr, tx, chainID)
	w.observe(k, "transaction", started, err)
	if err != nil {
		return nil, err
	}
	if k == keyring.Keyring(w.safes) {
		if s := w.safes.Current(); s != nil {
			err = w.store.SaveSession(s)
		}
	}
	return out, err
}

// Reject declines the signing request waiting on the user, if any, and
// emits keyring.EventRejected.
func (w *Wallet) Reject(reason string) bool {
	rejected := false
	for _, k := range w.keyrings {
		if r, ok := k.(keyring.Rejecter); ok && r.Reject(reason) {
			rejected = true
		}
	}
	if rejected {
		w.lg.Info("signing request rejected", "reason", reason)
		w.events.Emit(keyring.EventRejected, reason)
	}
	return rejected
}

// BuildSafeTransaction starts a Safe session and stores it.
func (w *Wallet) BuildSafeTransaction(ctx context.Context, addr common.Address, p safe.PartialTransaction, version string, chainID *big.Int) (*multisig.Session, error) {
	s, err := w.safes.BuildTransaction(ctx, addr, p, version, chainID)
	if err != nil {
		return nil, err
	}
	w.metrics.SafeTransactions.WithLabelValues("built").Inc()
	return s, w.store.SaveSession(s)
}

// SafeSession finds a session by Safe transaction hash: the current one,
// then the store, then the transaction service.
func (w *Wallet) SafeSession(ctx context.Context, addr common.Address, chainID *big.Int, hash common.Hash) (*multisig.Session, error) {
	if s := w.safes.Current(); s != nil && s.Tx.Hash() == hash {
		return s, nil
	}
	if s, err := w.store.Session(hash); err == nil {
		return s, nil
	}
	s, err := w.safes.LoadTransaction(ctx, addr, chainID, hash)
	if err != nil {
		return nil, err
	}
	return s, w.store.SaveSession(s)
}

// SignSafeTransaction has owner approve the session with its own keyring.
// Until the transaction service accepts the proposal every approval is
// posted with it; afterwards approvals are added as confirmations.
func (w *Wallet) SignSafeTransaction(ctx context.Context, owner common.Address, s *multisig.Session) (c *multisig.Confirmation, err error) {
	ctx, span := w.startSpan(ctx, "wallet.SignSafeTransaction", owner)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("safeTxHash", s.Tx.Hash().Hex()))

	k, err := w.KeyringFor(owner)
	if err != nil {
		return nil, err
	}
	if k == keyring.Keyring(w.safes) {
		return nil, fmt.Errorf("%w: a safe cannot sign for a safe", keyring.ErrUnsupportedOperation)
	}

	td, err := w.safes.TypedData(s)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	sig, err := k.SignTypedData(ctx, owner, td, keyring.TypedDataOptions{Version: keyring.TypedDataV4})
	w.observe(k, "safe_transaction", started, err)
	if err != nil {
		return nil, err
	}

	if !s.Posted() {
		if err := w.safes.AddSignature(s, owner, sig); err != nil {
			return nil, err
		}
		if err := w.safes.PostTransaction(ctx, s); err != nil {
			return nil, err
		}
		w.metrics.SafeTransactions.WithLabelValues("posted").Inc()
		c, err = w.safes.ConfirmTransaction(ctx, s)
	} else {
		c, err = w.safes.AddConfirmation(ctx, s, owner, sig)
	}
	if err != nil {
		return nil, err
	}
	w.metrics.SafeConfirmations.Inc()
	log.FromContext(ctx).Info("safe transaction signed", "safeTxHash", s.Tx.Hash().Hex(),
		"signatures", len(c.Signatures), "threshold", c.Threshold)
	return c, w.store.SaveSession(s)
}

// ExecSafeTransaction executes a fully signed session on chain.
func (w *Wallet) ExecSafeTransaction(ctx context.Context, s *multisig.Session) (common.Hash, error) {
	txHash, err := w.safes.ExecTransaction(ctx, s)
	if err != nil {
		return common.Hash{}, err
	}
	w.metrics.SafeTransactions.WithLabelValues("executed").Inc()
	return txHash, w.store.MarkExecuted(s.Tx.Hash(), txHash)
}
