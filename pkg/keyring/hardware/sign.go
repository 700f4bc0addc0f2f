package hardware

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/ledger"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var tracer = otel.Tracer("github.com/erc7824/nitrolite/keyring/pkg/keyring/hardware")

// signing wraps a signing operation with a span, the device guard and a fresh
// session. The span is ended with the outcome.
func (k *Keyring) signing(ctx context.Context, op string, addr common.Address, fn func(ctx context.Context, dev Device, path string) error) error {
	ctx, span := tracer.Start(ctx, "hardware."+op, trace.WithAttributes(attribute.String("address", addr.Hex())))
	defer span.End()
	lg := k.lg.With("op", op, "address", addr.Hex())
	ctx = log.WithContext(ctx, lg)

	err := k.withDevice(ctx, true, func(ctx context.Context, dev Device) error {
		path, err := k.unlockAccountByAddress(ctx, dev, addr)
		if err != nil {
			return err
		}
		return fn(ctx, dev, path)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lg.Warn("signing failed", "error", err)
		return err
	}
	lg.Debug("signed")
	return nil
}

// unlockAccountByAddress resolves the derivation path of addr and checks
// that the connected device still derives addr there.
func (k *Keyring) unlockAccountByAddress(ctx context.Context, dev Device, addr common.Address) (string, error) {
	k.mu.Lock()
	detail, ok := k.details[addr]
	k.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", keyring.ErrAccountNotFound, addr.Hex())
	}

	onDevice, err := k.addressAt(ctx, dev, detail.HDPath)
	if err != nil {
		return "", err
	}
	if onDevice != addr {
		return "", fmt.Errorf("%w: %s derives %s at %s", keyring.ErrNotDeviceAccount, addr.Hex(), onDevice.Hex(), detail.HDPath)
	}
	return detail.HDPath, nil
}

// SignTransaction signs tx on the device and returns it with the signature
// attached. A nil chainID signs a pre EIP-155 transaction.
func (k *Keyring) SignTransaction(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	unsigned, err := ledger.UnsignedTransactionRLP(tx, chainID)
	if err != nil {
		return nil, err
	}

	var signed *types.Transaction
	err = k.signing(ctx, "SignTransaction", addr, func(ctx context.Context, dev Device, path string) error {
		sig, err := dev.SignTransaction(ctx, path, unsigned, tx.Type() == types.LegacyTxType)
		if err != nil {
			return deviceError(err)
		}
		out, err := ledger.ApplySignature(tx, chainID, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", keyring.ErrSignatureInvalid, err)
		}

		var signer types.Signer = types.HomesteadSigner{}
		if chainID != nil {
			signer = types.LatestSignerForChainID(chainID)
		}
		sender, err := types.Sender(signer, out)
		if err != nil {
			return fmt.Errorf("%w: %v", keyring.ErrSignatureInvalid, err)
		}
		if sender != addr {
			return fmt.Errorf("%w: transaction signed by %s", keyring.ErrAddressMismatch, sender.Hex())
		}
		signed = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// SignPersonalMessage signs msg with the EIP-191 prefix.
func (k *Keyring) SignPersonalMessage(ctx context.Context, addr common.Address, msg []byte) (sign.Signature, error) {
	var out sign.Signature
	err := k.signing(ctx, "SignPersonalMessage", addr, func(ctx context.Context, dev Device, path string) error {
		res, err := dev.SignPersonalMessage(ctx, path, msg)
		if err != nil {
			return deviceError(err)
		}
		sig := sign.FromComponents(res.V, res.R, res.S)
		signer, err := sign.RecoverPersonal(msg, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", keyring.ErrSignatureInvalid, err)
		}
		if signer != addr {
			return fmt.Errorf("%w: message signed by %s", keyring.ErrAddressMismatch, signer.Hex())
		}
		out = sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SignTypedData signs EIP-712 data. Only V4 is supported. The device is asked
// to render the fields first and, on firmware without that feature, to sign
// the domain and message hashes instead.
func (k *Keyring) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData, opts keyring.TypedDataOptions) (sign.Signature, error) {
	if opts.Version != keyring.TypedDataV4 {
		return nil, fmt.Errorf("%w: typed data %s, only V4 is supported", keyring.ErrUnsupportedOperation, opts.Version)
	}

	var out sign.Signature
	err := k.signing(ctx, "SignTypedData", addr, func(ctx context.Context, dev Device, path string) error {
		res, err := dev.SignEIP712Message(ctx, path, td)
		if ledger.IsINSNotSupported(err) {
			log.FromContext(ctx).Info("device cannot render typed data, signing hashes")
			domain, message, herr := sign.DomainAndMessageHash(td)
			if herr != nil {
				return herr
			}
			res, err = dev.SignEIP712HashedMessage(ctx, path, domain, message)
		}
		if err != nil {
			return deviceError(err)
		}

		sig := sign.FromComponents(res.V, res.R, res.S)
		signer, err := sign.RecoverTypedData(td, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", keyring.ErrSignatureInvalid, err)
		}
		if signer != addr {
			return fmt.Errorf("%w: typed data signed by %s", keyring.ErrAddressMismatch, signer.Hex())
		}
		out = sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
