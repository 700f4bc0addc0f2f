package ledger

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/karalabe/hid"
	"github.com/pkg/errors"
)

const (
	// LedgerVendorID is the USB vendor id of Ledger devices.
	LedgerVendorID  uint16 = 0x2c97
	ledgerUsagePage uint16 = 0xffa0

	hidPacketSize = 64
	hidChannel    = 0x0101
	hidTagAPDU    = 0x05
)

var (
	ErrNoDevice        = errors.New("ledger: no device found")
	errInvalidHeader   = errors.New("ledger: invalid reply header")
	errUnexpectedIndex = errors.New("ledger: unexpected packet sequence")
)

// HIDTransport frames APDUs into 64 byte HID reports.
type HIDTransport struct {
	mu  sync.Mutex
	dev io.ReadWriteCloser
}

var _ Transport = (*HIDTransport)(nil)

func NewHIDTransport(dev io.ReadWriteCloser) *HIDTransport {
	return &HIDTransport{dev: dev}
}

// OpenHID is a TransportFactory for USB connected devices. deviceID is
// matched against the HID path or the serial number.
func OpenHID(_ context.Context, deviceID string) (Transport, error) {
	if !hid.Supported() {
		return nil, errors.New("ledger: hid is not supported on this platform")
	}
	infos, err := hid.Enumerate(LedgerVendorID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: enumerate hid devices")
	}
	for _, info := range infos {
		if info.UsagePage != ledgerUsagePage && info.Interface != 0 {
			continue
		}
		if deviceID != "" && info.Path != deviceID && info.Serial != deviceID {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "ledger: open %s", info.Path)
		}
		return NewHIDTransport(dev), nil
	}
	return nil, ErrNoDevice
}

// Exchange writes apdu and waits for the reply. Cancelling ctx closes the
// device to unblock the pending read, so the transport is unusable afterwards.
func (t *HIDTransport) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := t.exchange(apdu)
		done <- result{reply, err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		_ = t.dev.Close()
		<-done
		return nil, ctx.Err()
	}
}

func (t *HIDTransport) exchange(apdu []byte) ([]byte, error) {
	for _, packet := range framePackets(apdu) {
		if _, err := t.dev.Write(packet); err != nil {
			return nil, errors.Wrap(err, "ledger: write packet")
		}
	}
	return readReply(t.dev)
}

func (t *HIDTransport) Close() error {
	return t.dev.Close()
}

func packetHeader(seq uint16) []byte {
	h := make([]byte, 5, hidPacketSize)
	binary.BigEndian.PutUint16(h, hidChannel)
	h[2] = hidTagAPDU
	binary.BigEndian.PutUint16(h[3:], seq)
	return h
}

// framePackets prefixes apdu with its length and splits it into reports.
func framePackets(apdu []byte) [][]byte {
	data := binary.BigEndian.AppendUint16(nil, uint16(len(apdu)))
	data = append(data, apdu...)

	var packets [][]byte
	for seq := uint16(0); len(data) > 0; seq++ {
		packet := packetHeader(seq)
		n := min(hidPacketSize-len(packet), len(data))
		packet = append(packet, data[:n]...)
		packets = append(packets, packet)
		data = data[n:]
	}
	return packets
}

func readReply(r io.Reader) ([]byte, error) {
	var (
		reply  []byte
		total  = -1
		packet = make([]byte, hidPacketSize)
	)
	for seq := uint16(0); total < 0 || len(reply) < total; seq++ {
		if _, err := io.ReadFull(r, packet); err != nil {
			return nil, errors.Wrap(err, "ledger: read packet")
		}
		if binary.BigEndian.Uint16(packet) != hidChannel || packet[2] != hidTagAPDU {
			return nil, errInvalidHeader
		}
		if binary.BigEndian.Uint16(packet[3:]) != seq {
			return nil, errUnexpectedIndex
		}

		payload := packet[5:]
		if seq == 0 {
			total = int(binary.BigEndian.Uint16(payload))
			reply = make([]byte, 0, total)
			payload = payload[2:]
		}
		reply = append(reply, payload[:min(len(payload), total-len(reply))]...)
	}
	return reply, nil
}
