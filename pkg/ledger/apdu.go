package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	claEthereum  byte = 0xe0
	claDashboard byte = 0xb0

	insGetAddress       byte = 0x02
	insSignTransaction  byte = 0x04
	insGetConfiguration byte = 0x06
	insSignPersonal     byte = 0x08
	insSignEIP712       byte = 0x0c
	insEIP712StructDef  byte = 0x1a
	insEIP712StructImpl byte = 0x1c
	insOpenApp          byte = 0xd8
	insGetAppAndVersion byte = 0x01
	insQuitApp          byte = 0xa7
)

const (
	maxChunk             = 255
	signatureReplyLength = 65
)

// Status words returned by the device.
const (
	SWOK               uint16 = 0x9000
	SWUserDenied       uint16 = 0x6985
	SWINSNotSupported  uint16 = 0x6d00
	SWCLANotSupported  uint16 = 0x6e00
	SWInvalidData      uint16 = 0x6a80
	SWLocked           uint16 = 0x5515
	SWAppNotOpen       uint16 = 0x6511
	SWWrongDataLength  uint16 = 0x6700
	SWConditionsNotMet uint16 = 0x6a83
)

var statusText = map[uint16]string{
	SWUserDenied:       "denied by the user",
	SWINSNotSupported:  "instruction not supported",
	SWCLANotSupported:  "class not supported, is the Ethereum app open?",
	SWInvalidData:      "invalid data",
	SWLocked:           "device is locked",
	SWAppNotOpen:       "Ethereum app is not open",
	SWWrongDataLength:  "wrong data length",
	SWConditionsNotMet: "conditions not satisfied",
}

// StatusError is a non-success status word.
type StatusError struct {
	Code uint16
}

func (e *StatusError) Error() string {
	if text, ok := statusText[e.Code]; ok {
		return fmt.Sprintf("ledger: %s (0x%04x)", text, e.Code)
	}
	return fmt.Sprintf("ledger: unexpected status 0x%04x", e.Code)
}

// IsINSNotSupported reports whether err means the firmware lacks the command.
func IsINSNotSupported(err error) bool { return hasStatus(err, SWINSNotSupported) }

// IsUserRejected reports whether the user declined on the device.
func IsUserRejected(err error) bool { return hasStatus(err, SWUserDenied) }

// IsLocked reports whether the device or the app is not ready.
func IsLocked(err error) bool {
	return hasStatus(err, SWLocked) || hasStatus(err, SWAppNotOpen) || hasStatus(err, SWCLANotSupported)
}

func hasStatus(err error, code uint16) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Command is a short APDU.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
}

func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > maxChunk {
		return nil, errors.Errorf("apdu data too long: %d bytes", len(c.Data))
	}
	out := make([]byte, 0, 5+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2, byte(len(c.Data)))
	return append(out, c.Data...), nil
}

// splitStatus separates the response payload from its status word.
func splitStatus(reply []byte) ([]byte, error) {
	if len(reply) < 2 {
		return nil, errors.Errorf("ledger: short reply of %d bytes", len(reply))
	}
	n := len(reply) - 2
	if sw := binary.BigEndian.Uint16(reply[n:]); sw != SWOK {
		return nil, &StatusError{Code: sw}
	}
	return reply[:n], nil
}
