// Package ledger talks to the Ethereum application of a Ledger hardware
// wallet. Transport carries raw APDUs, App encodes the Ethereum app commands
// on top of it.
package ledger

import (
	"context"
)

// Transport is an open connection to one device. Exchange sends a complete
// command APDU and returns the response including the trailing status word.
// A Transport is not safe for concurrent use.
type Transport interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	Close() error
}

// TransportFactory opens a Transport to the device identified by deviceID.
// An empty deviceID selects the first device found.
type TransportFactory func(ctx context.Context, deviceID string) (Transport, error)
