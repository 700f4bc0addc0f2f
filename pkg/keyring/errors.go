package keyring

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceUnreachable    = errors.New("device unreachable")
	ErrAddressMismatch      = errors.New("address mismatch")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUserRejected         = errors.New("rejected by user")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrAccountNotFound      = errors.New("account not found")
	ErrDuplicateAccount     = errors.New("account already exists")

	// ErrNotDeviceAccount is an ErrAddressMismatch raised before signing.
	ErrNotDeviceAccount = fmt.Errorf("%w: account does not belong to the connected device", ErrAddressMismatch)
)
