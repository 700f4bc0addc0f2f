package hardware

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/erc7824/nitrolite/keyring/pkg/ledger"
)

// Device is one open conversation with a hardware signer.
type Device interface {
	GetAddress(ctx context.Context, path string, display, chainCode bool) (*ledger.AddressResponse, error)
	SignTransaction(ctx context.Context, path string, unsigned []byte, legacy bool) (ledger.Signature, error)
	SignPersonalMessage(ctx context.Context, path string, msg []byte) (ledger.Signature, error)
	SignEIP712Message(ctx context.Context, path string, td apitypes.TypedData) (ledger.Signature, error)
	SignEIP712HashedMessage(ctx context.Context, path string, domainHash, messageHash common.Hash) (ledger.Signature, error)
	AppAndVersion(ctx context.Context) (ledger.AppInfo, error)
	OpenApp(ctx context.Context, name string) error
	QuitApp(ctx context.Context) error
	Close() error
}

var _ Device = (*ledger.App)(nil)

// Opener connects to the device with the given id.
type Opener func(ctx context.Context, deviceID string) (Device, error)

// LedgerOpener opens devices through a ledger transport, USB HID by default.
func LedgerOpener(factory ledger.TransportFactory) Opener {
	if factory == nil {
		factory = ledger.OpenHID
	}
	return func(ctx context.Context, deviceID string) (Device, error) {
		t, err := factory(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		return ledger.NewApp(t), nil
	}
}
